// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package history persists one record per update attempt so a status
// page can show what happened after the fact. Records are individual
// CBOR files in a directory; one file per attempt keeps appends atomic
// without a log-compaction story.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/otaforge/otaforge/lib/clock"
	"github.com/otaforge/otaforge/lib/codec"
)

// Record is the persisted outcome of one update attempt.
type Record struct {
	// Time is when the upload completed, in UTC.
	Time time.Time `cbor:"time"`

	// DurationMS is the wall-clock upload duration in milliseconds.
	DurationMS int64 `cbor:"duration_ms"`

	// Code is the engine result code; zero means success.
	Code int `cbor:"code"`

	Filename    string `cbor:"filename,omitempty"`
	ImageSize   int64  `cbor:"image_size,omitempty"`
	ImageDigest string `cbor:"image_digest,omitempty"`
	Compression string `cbor:"compression,omitempty"`

	// Message carries the failure description for non-zero codes.
	Message string `cbor:"message,omitempty"`
}

// Succeeded reports whether the attempt completed with code zero.
func (r *Record) Succeeded() bool {
	return r.Code == 0
}

// Journal is a directory of update records.
type Journal struct {
	dir string
	clk clock.Clock
}

// NewJournal opens (creating if needed) the journal directory.
func NewJournal(dir string, clk clock.Clock) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	return &Journal{dir: dir, clk: clk}, nil
}

const recordSuffix = ".cbor"

// Append writes one record. The filename encodes the record time with
// nanosecond precision so a directory listing sorts chronologically.
func (j *Journal) Append(record *Record) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding history record: %w", err)
	}

	name := fmt.Sprintf("%020d%s", record.Time.UnixNano(), recordSuffix)
	path := filepath.Join(j.dir, name)

	// Write-then-rename so a crash never leaves a half-written record
	// that Scan would choke on.
	tmp, err := os.CreateTemp(j.dir, ".record-*")
	if err != nil {
		return fmt.Errorf("writing history record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing history record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing history record: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing history record: %w", err)
	}
	return nil
}

// Scan returns all records in chronological order.
func (j *Journal) Scan() ([]*Record, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("reading history directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	records := make([]*Record, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading history record %s: %w", name, err)
		}
		record := new(Record)
		if err := codec.Unmarshal(data, record); err != nil {
			return nil, fmt.Errorf("decoding history record %s: %w", name, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Last returns the most recent record, or nil if the journal is empty.
func (j *Journal) Last() (*Record, error) {
	records, err := j.Scan()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[len(records)-1], nil
}

// Now returns the journal's clock reading; callers stamp records with
// it so tests can pin time.
func (j *Journal) Now() time.Time {
	return j.clk.Now().UTC()
}
