package videos

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/middleware"
	"github.com/streamvault/backend/pkg/response"
)

// multipartOverhead allows for form boundaries, part headers and the title field.
const multipartOverhead = 1 << 20

// Handler handles video HTTP endpoints.
type Handler struct {
	svc     *Service
	logger  *zap.Logger
	maxBody int64
}

// NewHandler creates a videos handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger, maxBody: MaxUploadSize + multipartOverhead}
}

// Upload handles POST /videos/upload (multipart field "video", optional "title").
func (h *Handler) Upload(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
	file, err := c.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.TooLarge(c, "file size exceeds 100MB limit")
			return
		}
		response.BadRequest(c, "missing file (form field: video)")
		return
	}
	if file.Size > MaxUploadSize {
		response.TooLarge(c, "file size exceeds 100MB limit")
		return
	}
	rc, err := file.Open()
	if err != nil {
		h.logger.Error("open uploaded file failed", zap.Error(err))
		response.Internal(c, "failed to read file")
		return
	}
	defer rc.Close()

	v, err := h.svc.Upload(c.Request.Context(), UploadInput{
		OwnerID:     userID,
		Title:       c.PostForm("title"),
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Size:        file.Size,
		Body:        rc,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidUpload) {
			response.BadRequest(c, err.Error())
			return
		}
		h.logger.Error("upload failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to upload video")
		return
	}
	response.Created(c, gin.H{
		"video_id":   v.ID,
		"status":     "uploaded",
		"source_key": v.SourceKey,
		"url":        v.URL,
	})
}

// List handles GET /videos.
func (h *Handler) List(c *gin.Context) {
	list, err := h.svc.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list videos failed", zap.Error(err))
		response.Internal(c, "failed to list videos")
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, v := range list {
		out = append(out, gin.H{
			"id":         v.ID,
			"title":      v.Title,
			"status":     v.Status,
			"created_at": v.CreatedAt,
		})
	}
	response.OK(c, out)
}

// Get handles GET /videos/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	v, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "video not found")
			return
		}
		h.logger.Error("get video failed", zap.Error(err), zap.String("video_id", id.String()))
		response.Internal(c, "failed to load video")
		return
	}
	response.OK(c, v)
}

// Delete handles DELETE /videos/:id. Only the owner may delete.
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	switch err := h.svc.Delete(c.Request.Context(), id, userID); {
	case err == nil:
		response.OK(c, gin.H{"message": "video deleted"})
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "video not found")
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, "not authorized to delete this video")
	default:
		h.logger.Error("delete video failed", zap.Error(err), zap.String("video_id", id.String()))
		response.Internal(c, "failed to delete video")
	}
}
