// Package storage abstracts where snapshot archives live. Backends stay
// dumb byte stores; retention policy and archive format belong to the
// temporal layer.
package storage

import "context"

// BlobStore defines the interface for abstract storage backends.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
