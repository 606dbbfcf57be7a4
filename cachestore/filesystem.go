package cachestore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/medlink/medsync/backend"
)

// backendRecords stores each record as one object in a backend.Backend.
type backendRecords struct {
	b backend.Backend
}

// OpenFilesystem opens a cache that keeps one file per key under dir.
func OpenFilesystem(dir string, opts ...Option) (*Cache, error) {
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, err
	}
	c, err := NewWithBackend(backend.NewInstrumentedBackend(fs, "filesystem"), opts...)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("opened cache", "driver", "fs", "path", fs.Root())
	return c, nil
}

// NewWithBackend creates a cache over an existing backend.
func NewWithBackend(b backend.Backend, opts ...Option) (*Cache, error) {
	c, err := newCache(opts)
	if err != nil {
		return nil, err
	}
	c.records = &backendRecords{b: b}
	return c, nil
}

func (r *backendRecords) get(ctx context.Context, key string) ([]byte, error) {
	rc, err := r.b.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, errNotFound
		}
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func (r *backendRecords) put(ctx context.Context, key string, value []byte) error {
	return r.b.Write(ctx, key, bytes.NewReader(value))
}

func (r *backendRecords) del(ctx context.Context, key string) error {
	return r.b.Delete(ctx, key)
}

func (r *backendRecords) list(ctx context.Context, prefix string) ([]string, error) {
	return r.b.List(ctx, prefix)
}

func (r *backendRecords) close() error {
	return nil
}
