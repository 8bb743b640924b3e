// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

package updater

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/otaforge/otaforge/lib/imagestore"
)

// StageEngine is the default Engine: it stages the received image
// into an imagestore and records the manifest alongside. Actual
// device flashing happens out of band against the committed image.
type StageEngine struct {
	store *imagestore.Store

	manifest []byte
	info     *imagestore.ImageInfo
}

// NewStageEngine creates an engine staging into store.
func NewStageEngine(store *imagestore.Store) *StageEngine {
	return &StageEngine{store: store}
}

// Prepare validates and retains the manifest.
func (e *StageEngine) Prepare(ctx context.Context, manifest []byte) error {
	if len(manifest) == 0 {
		return errors.New("empty manifest")
	}
	e.manifest = append([]byte(nil), manifest...)
	return nil
}

// Apply streams the image into the store. The image is committed only
// if the stream ends cleanly; any read or write error discards it.
func (e *StageEngine) Apply(ctx context.Context, image io.Reader) (int, error) {
	writer, err := e.store.Begin()
	if err != nil {
		return CodeApplyFailed, fmt.Errorf("staging image: %w", err)
	}

	if _, err := io.Copy(writer, image); err != nil {
		writer.Abort()
		return CodeApplyFailed, fmt.Errorf("receiving image: %w", err)
	}

	info, err := writer.Commit()
	if err != nil {
		return CodeApplyFailed, err
	}
	e.info = info
	return CodeOK, nil
}

// Manifest returns the manifest accepted by Prepare.
func (e *StageEngine) Manifest() []byte {
	return e.manifest
}

// Info returns the committed image, or nil if Apply has not succeeded.
func (e *StageEngine) Info() *imagestore.ImageInfo {
	return e.info
}
