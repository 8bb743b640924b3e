// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package imagestore stages received firmware images on disk. Images
// stream through an optional compressor while a BLAKE3 hasher
// computes the content digest, so staging a large image never holds
// more than one chunk in memory.
package imagestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Store is the on-disk staging area.
type Store struct {
	dir         string
	compression Compression
}

// ImageInfo describes one committed image.
type ImageInfo struct {
	// Digest is the lowercase hex BLAKE3 digest of the uncompressed
	// image bytes.
	Digest string

	// Size is the uncompressed image length.
	Size int64

	// StoredSize is the on-disk length after compression.
	StoredSize int64

	Compression Compression

	// Path is the committed file location.
	Path string
}

// NewStore opens (creating if needed) a staging directory.
func NewStore(dir string, compression Compression) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &Store{dir: dir, compression: compression}, nil
}

// Compression returns the store's configured compression.
func (s *Store) Compression() Compression {
	return s.compression
}

// Begin starts staging a new image. The image is written to a
// temporary file and only becomes visible on Commit.
func (s *Store) Begin() (*Writer, error) {
	file, err := os.CreateTemp(s.dir, ".staging-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}

	counter := &countingWriter{w: file}
	compressor, err := s.compression.compressor(counter)
	if err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, err
	}

	return &Writer{
		store:      s,
		file:       file,
		counter:    counter,
		compressor: compressor,
		hasher:     blake3.New(),
	}, nil
}

// Open returns a reader over the uncompressed bytes of a committed
// image.
func (s *Store) Open(info *ImageInfo) (io.ReadCloser, error) {
	file, err := os.Open(info.Path)
	if err != nil {
		return nil, fmt.Errorf("opening staged image: %w", err)
	}
	decompressor, err := info.Compression.decompressor(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &storeReader{file: file, r: decompressor}, nil
}

// Writer stages one image. Exactly one of Commit or Abort must be
// called.
type Writer struct {
	store      *Store
	file       *os.File
	counter    *countingWriter
	compressor io.WriteCloser
	hasher     *blake3.Hasher
	size       int64
}

// Write implements io.Writer over the staging pipeline.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.compressor.Write(p)
	if n > 0 {
		// Hasher writes never fail.
		w.hasher.Write(p[:n])
		w.size += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("staging image bytes: %w", err)
	}
	return n, nil
}

// Commit flushes the pipeline and renames the staged file to its
// digest-derived final name.
func (w *Writer) Commit() (*ImageInfo, error) {
	if err := w.compressor.Close(); err != nil {
		w.discard()
		return nil, fmt.Errorf("flushing compressor: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.discard()
		return nil, fmt.Errorf("syncing staged image: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return nil, fmt.Errorf("closing staged image: %w", err)
	}

	digest := fmt.Sprintf("%x", w.hasher.Sum(nil))
	final := filepath.Join(w.store.dir, digest+".img")
	if err := os.Rename(w.file.Name(), final); err != nil {
		os.Remove(w.file.Name())
		return nil, fmt.Errorf("committing staged image: %w", err)
	}

	return &ImageInfo{
		Digest:      digest,
		Size:        w.size,
		StoredSize:  w.counter.n,
		Compression: w.store.compression,
		Path:        final,
	}, nil
}

// Abort discards the staged bytes.
func (w *Writer) Abort() error {
	w.discard()
	return nil
}

func (w *Writer) discard() {
	w.compressor.Close()
	w.file.Close()
	os.Remove(w.file.Name())
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type storeReader struct {
	file *os.File
	r    io.ReadCloser
}

func (r *storeReader) Read(p []byte) (int, error) { return r.r.Read(p) }

func (r *storeReader) Close() error {
	r.r.Close()
	return r.file.Close()
}
