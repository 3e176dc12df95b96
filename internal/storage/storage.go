// Package storage provides durable blob storage for finished audio
// deliverables. It defines the Storage port and adapters for local disk
// (development) and S3 (production). The pipeline writes exactly one blob
// per quality tier per language per episode.
package storage

import "context"

// Storage uploads local files to durable storage.
type Storage interface {
	// Upload copies the file at localPath to the given logical key and
	// returns a URL clients can fetch the blob from.
	Upload(ctx context.Context, localPath, key string) (url string, err error)
}
