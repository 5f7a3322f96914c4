package domain

import "context"

// BlobWriter writes objects to cold storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// Archiver exports terminal experiments to cold storage.
type Archiver interface {
	ArchiveTerminal(ctx context.Context, retentionDays int) (int, error)
}
