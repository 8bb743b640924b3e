// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package multipart reassembles a multipart/form-data firmware upload
// from arbitrarily split network chunks using fixed-capacity buffers.
//
// The package is deliberately not built on mime/multipart: the reader
// there pulls from an io.Reader and buffers without bound, while this
// state machine is pushed one framework-sized byte range at a time
// and must hold firmware bytes only in a single bounded chunk buffer
// between rendezvous handoffs.
package multipart

import (
	"bytes"
	"fmt"
)

// Capacity limits for tokens copied out of part headers. Values that
// do not fit are rejected, never silently truncated.
const (
	// MaxBoundary is the longest accepted boundary token.
	MaxBoundary = 63

	// MaxFieldName is the longest accepted form field name.
	MaxFieldName = 63

	// MaxFilename is the longest accepted filename attribute.
	MaxFilename = 63
)

// markerPrefix starts every boundary line ("--<token>").
var markerPrefix = []byte("--")

// crlf terminates the boundary line; a doubled crlf ends the header
// block.
var (
	crlf      = []byte("\r\n")
	headerEnd = []byte("\r\n\r\n")
)

var contentDisposition = []byte("Content-Disposition")

// Header is the result of parsing one part header.
type Header struct {
	// Boundary is the token from the part's boundary marker line,
	// without the leading "--".
	Boundary []byte

	// FieldName is the quoted name attribute of the
	// Content-Disposition header.
	FieldName string

	// Filename is the optional quoted filename attribute; empty when
	// absent.
	Filename string

	// DataOffset is the index of the first data byte after the blank
	// line ending the header block.
	DataOffset int
}

// ParseHeader scans buf for a complete multipart part header: a
// boundary marker line, a Content-Disposition header carrying a
// quoted name (and optionally a filename), and the blank line that
// ends the header block.
//
// Returns ok=false when the header is present but not yet complete —
// the caller must supply more data. Returns an error only for
// violations that no additional data can repair (a token over its
// capacity, or a header block with no Content-Disposition). Stateless
// and side-effect free.
func ParseHeader(buf []byte) (Header, bool, error) {
	var h Header

	marker := bytes.Index(buf, markerPrefix)
	if marker < 0 {
		return h, false, nil
	}

	lineEnd := bytes.Index(buf[marker:], crlf)
	if lineEnd < 0 {
		return h, false, nil
	}
	boundary := buf[marker+len(markerPrefix) : marker+lineEnd]
	if len(boundary) == 0 {
		return h, false, fmt.Errorf("%w: empty boundary token", ErrMalformed)
	}
	if len(boundary) > MaxBoundary {
		return h, false, fmt.Errorf("%w: boundary token %d bytes, limit %d", ErrMalformed, len(boundary), MaxBoundary)
	}

	// The header block runs from the end of the boundary line to the
	// blank line. Everything the parser needs must be inside it, so
	// parsing only proceeds once the blank line has arrived.
	blockStart := marker + lineEnd + len(crlf)
	end := bytes.Index(buf[blockStart:], headerEnd)
	if end < 0 {
		return h, false, nil
	}
	block := buf[blockStart : blockStart+end]

	disposition := bytes.Index(block, contentDisposition)
	if disposition < 0 {
		return h, false, fmt.Errorf("%w: header block without Content-Disposition", ErrMalformed)
	}

	name, err := quotedAttribute(block[disposition:], "name")
	if err != nil {
		return h, false, err
	}
	if name == nil {
		return h, false, fmt.Errorf("%w: Content-Disposition without name attribute", ErrMalformed)
	}

	filename, err := quotedAttribute(block[disposition:], "filename")
	if err != nil {
		return h, false, err
	}

	h.Boundary = boundary
	h.FieldName = string(name)
	h.Filename = string(filename)
	h.DataOffset = blockStart + end + len(headerEnd)
	return h, true, nil
}

// quotedAttribute extracts the value of `key="..."` from block.
// Returns nil (no error) when the attribute is absent. The attribute
// match requires a preceding separator so that searching for "name"
// never matches inside "filename".
func quotedAttribute(block []byte, key string) ([]byte, error) {
	pattern := []byte(key + `="`)

	from := 0
	for {
		i := bytes.Index(block[from:], pattern)
		if i < 0 {
			return nil, nil
		}
		i += from
		if i == 0 || block[i-1] == ' ' || block[i-1] == ';' {
			start := i + len(pattern)
			quote := bytes.IndexByte(block[start:], '"')
			if quote < 0 {
				return nil, fmt.Errorf("%w: unterminated %s attribute", ErrMalformed, key)
			}
			value := block[start : start+quote]
			limit := MaxFieldName
			if key == "filename" {
				limit = MaxFilename
			}
			if len(value) > limit {
				return nil, fmt.Errorf("%w: %s attribute %d bytes, limit %d", ErrMalformed, key, len(value), limit)
			}
			return value, nil
		}
		from = i + 1
	}
}
