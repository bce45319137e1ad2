// Package media handles binary attachments: upload to the content store and
// immutable reads back out through the gateway. Attachments are uploaded
// separately from their post; the post carries only the attachment's CID.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// MaxUploadBytes is the attachment size ceiling. Oversized input is rejected
// before any upload attempt.
const MaxUploadBytes = 10 * 1024 * 1024

var (
	// ErrTooLarge is returned for uploads over MaxUploadBytes.
	ErrTooLarge = errors.New("attachment too large")

	// ErrEmptyUpload is returned when no bytes were provided.
	ErrEmptyUpload = errors.New("no attachment data provided")

	// ErrInvalidCID is returned when a fetch names a malformed identifier.
	ErrInvalidCID = errors.New("invalid content identifier")
)

// Upload is the result of storing an attachment.
type Upload struct {
	CID        string `json:"cid"`
	GatewayURL string `json:"gatewayUrl"`
}

// Backend is the slice of the storage client media needs.
// Implemented by the kubo client.
type Backend interface {
	Add(ctx context.Context, filename string, data []byte) (string, error)
	GatewayGet(ctx context.Context, cid string) (contentType string, data []byte, err error)
	GatewayURL(cid string) string
}

// Service defines the interface for attachment operations.
type Service interface {
	// Upload stores raw bytes and returns the backend-assigned CID plus a
	// gateway link clients can hand to an <img> tag.
	Upload(ctx context.Context, filename string, data []byte) (*Upload, error)

	// Fetch reads immutable content by CID via the gateway.
	Fetch(ctx context.Context, cidStr string) (contentType string, data []byte, err error)
}

type mediaService struct {
	backend Backend
}

// NewMediaService creates a new media service.
func NewMediaService(backend Backend) Service {
	return &mediaService{backend: backend}
}

func (s *mediaService) Upload(ctx context.Context, filename string, data []byte) (*Upload, error) {
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}
	if len(data) > MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), MaxUploadBytes)
	}

	uploadedCID, err := s.backend.Add(ctx, filename, data)
	if err != nil {
		return nil, fmt.Errorf("failed to upload attachment: %w", err)
	}

	return &Upload{
		CID:        uploadedCID,
		GatewayURL: s.backend.GatewayURL(uploadedCID),
	}, nil
}

func (s *mediaService) Fetch(ctx context.Context, cidStr string) (string, []byte, error) {
	if _, err := cid.Decode(cidStr); err != nil {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidCID, cidStr)
	}
	return s.backend.GatewayGet(ctx, cidStr)
}
