package core

import (
	"context"
	"time"
)

type (
	// PresignedUpload tells the client where to upload the bytes of an attachment.
	PresignedUpload struct {
		Key       string    `json:"storage_key"`
		URL       string    `json:"upload_url"`
		Method    string    `json:"method"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	// FileStore hands out upload URLs. The app only keeps attachment metadata, never the bytes.
	FileStore interface {
		PresignUpload(ctx context.Context, key, contentType string) (PresignedUpload, error)
	}
)
