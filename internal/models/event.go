package models

import "github.com/google/uuid"

// Event topics exchanged between ingest and processing.
const (
	TopicVideoUploaded       = "video.uploaded"
	TopicProcessingCompleted = "video.processing.completed"
	TopicProcessingFailed    = "video.processing.failed"
)

// ProcessingJob is the video.uploaded payload consumed by the transcoding worker.
type ProcessingJob struct {
	VideoID   uuid.UUID `json:"videoId"`
	OwnerID   uuid.UUID `json:"ownerId"`
	SourceKey string    `json:"sourceKey"`
}

// ProcessingCompleted is published once a video reaches status ready.
type ProcessingCompleted struct {
	VideoID uuid.UUID `json:"videoId"`
}

// ProcessingFailed is published when a job ends with status failed.
type ProcessingFailed struct {
	VideoID      uuid.UUID `json:"videoId"`
	ErrorMessage string    `json:"error"`
}
