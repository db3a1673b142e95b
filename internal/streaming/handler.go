package streaming

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/playlist"
	"github.com/streamvault/backend/pkg/response"
)

const (
	contentTypePlaylist = "application/vnd.apple.mpegurl"
	contentTypeSegment  = "video/mp2t"
)

// Handler serves the playback endpoints.
type Handler struct {
	gw     *Gateway
	logger *zap.Logger
}

// NewHandler creates a streaming handler.
func NewHandler(gw *Gateway, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gw: gw, logger: logger}
}

// Register mounts the playback routes on r. They are public: players cannot attach bearer tokens.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/:videoId/master.m3u8", h.Master)
	r.GET("/:videoId/qualities", h.Qualities)
	r.GET("/:videoId/:quality/segment/:seq", h.Segment)
	r.GET("/:videoId/:quality/:file", h.File)
}

// Master handles GET /stream/:videoId/master.m3u8.
func (h *Handler) Master(c *gin.Context) {
	id, ok := h.videoID(c)
	if !ok {
		return
	}
	data, err := h.gw.MasterPlaylist(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Data(http.StatusOK, contentTypePlaylist, data)
}

// File handles GET /stream/:videoId/:quality/:file, which is either the
// rendition playlist or a segment under one of its accepted names.
func (h *Handler) File(c *gin.Context) {
	file := c.Param("file")
	if file == playlist.RenditionPlaylist {
		h.renditionPlaylist(c)
		return
	}
	seq, ok := ParseSegmentName(file)
	if !ok {
		response.NotFound(c, "segment not found")
		return
	}
	h.serveSegment(c, seq)
}

// Segment handles GET /stream/:videoId/:quality/segment/:seq.
func (h *Handler) Segment(c *gin.Context) {
	seq, ok := ParseSequence(c.Param("seq"))
	if !ok {
		response.NotFound(c, "segment not found")
		return
	}
	h.serveSegment(c, seq)
}

// Qualities handles GET /stream/:videoId/qualities.
func (h *Handler) Qualities(c *gin.Context) {
	id, ok := h.videoID(c)
	if !ok {
		return
	}
	qualities, err := h.gw.Qualities(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Access-Control-Allow-Origin", "*")
	response.OK(c, gin.H{"qualities": qualities})
}

func (h *Handler) renditionPlaylist(c *gin.Context) {
	id, ok := h.videoID(c)
	if !ok {
		return
	}
	data, err := h.gw.RenditionPlaylist(c.Request.Context(), id, c.Param("quality"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Data(http.StatusOK, contentTypePlaylist, data)
}

// serveSegment streams a segment. http.ServeContent answers Range requests
// with 206 and Content-Range, and full requests with 200.
func (h *Handler) serveSegment(c *gin.Context, seq int) {
	id, ok := h.videoID(c)
	if !ok {
		return
	}
	seg, err := h.gw.OpenSegment(c.Request.Context(), id, c.Param("quality"), seq)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer seg.Close()

	c.Header("Content-Type", contentTypeSegment)
	c.Header("Accept-Ranges", "bytes")
	c.Header("Cache-Control", "public, max-age=3600")
	c.Header("Access-Control-Allow-Origin", "*")
	http.ServeContent(c.Writer, c.Request, seg.Name, seg.ModTime, seg.Content)
}

func (h *Handler) videoID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("videoId"))
	if err != nil {
		// Unknown ids are simply missing content to a player.
		response.NotFound(c, "video not found")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "not found")
	case errors.Is(err, ErrNotReady):
		c.Header("Retry-After", "10")
		response.ServiceUnavailable(c, "video is still processing")
	default:
		h.logger.Error("stream request failed", zap.Error(err), zap.String("path", c.Request.URL.Path))
		response.Internal(c, "internal error")
	}
}
