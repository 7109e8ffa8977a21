package storage

import (
	"context"
	"strings"
)

// Prefixed namespaces every key of an inner backend under a fixed prefix.
// Keys returned by List come back stripped, so callers see the same key
// space they wrote.
type Prefixed struct {
	inner  BlobStore
	prefix string
}

// WithPrefix wraps b so all keys live under prefix. An empty prefix returns
// b unchanged.
func WithPrefix(b BlobStore, prefix string) BlobStore {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return b
	}
	return &Prefixed{inner: b, prefix: prefix + "/"}
}

func (p *Prefixed) Put(ctx context.Context, key string, data []byte) error {
	return p.inner.Put(ctx, p.prefix+key, data)
}

func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *Prefixed) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.inner.List(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, p.prefix))
	}
	return out, nil
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.prefix+key)
}
