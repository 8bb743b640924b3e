// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import "errors"

// Sentinel errors returned (wrapped) by Session.Feed. Any error
// resets the session to Idle; the client must resend the full body.
var (
	// ErrMalformed indicates the multipart stream is structurally
	// invalid: missing boundary marker, unterminated header block,
	// over-capacity boundary or field name, or a part header that
	// does not fit the pending buffer.
	ErrMalformed = errors.New("multipart: malformed stream")

	// ErrUnexpectedField indicates a part with the wrong name or in
	// the wrong position (first must be "manifest", second "data").
	ErrUnexpectedField = errors.New("multipart: unexpected field")

	// ErrOverflow indicates an append that would exceed a fixed
	// buffer capacity. Appends fail loudly; nothing is truncated.
	ErrOverflow = errors.New("multipart: buffer capacity exceeded")

	// ErrWorkerStart indicates the update worker reported failure
	// before it was ready to accept firmware data.
	ErrWorkerStart = errors.New("multipart: update worker failed to start")

	// ErrTruncated indicates the body ended before the closing
	// boundary was seen.
	ErrTruncated = errors.New("multipart: body truncated")
)
