// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import (
	"bytes"
	"context"
	"fmt"
)

// Default buffer capacities. Both are configurable per session.
const (
	DefaultManifestCapacity = 4096
	DefaultChunkCapacity    = 1024
)

// MinChunkCapacity is the smallest usable chunk capacity: the buffer
// must hold a part header plus the longest possible delimiter
// ("\r\n--" + boundary) with room left to make progress.
const MinChunkCapacity = 2 * (MaxBoundary + 4)

// Field names of the two expected parts, in order.
const (
	manifestField = "manifest"
	dataField     = "data"
)

// State is the session's position in the upload. Progression is
// monotonic except for the reset to Idle on completion or error.
type State uint8

const (
	// StateIdle awaits the manifest part header.
	StateIdle State = iota

	// StateManifestStarted accumulates manifest bytes until the
	// boundary delimiter.
	StateManifestStarted

	// StateManifestComplete awaits the data part header. The worker is
	// not started until that header has been validated, so a malformed
	// second part never spawns a worker.
	StateManifestComplete

	// StateFirmwareStarted starts the update worker.
	StateFirmwareStarted

	// StateFirmwareChunk streams firmware bytes to the worker until
	// the boundary delimiter.
	StateFirmwareChunk

	// StateFirmwareComplete collects the worker result.
	StateFirmwareComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateManifestStarted:
		return "manifest-started"
	case StateManifestComplete:
		return "manifest-complete"
	case StateFirmwareStarted:
		return "firmware-started"
	case StateFirmwareChunk:
		return "firmware-chunk"
	case StateFirmwareComplete:
		return "firmware-complete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Delivery is the session's view of a running update worker. Send
// transfers one firmware chunk and blocks until the worker has
// consumed it; a zero-length chunk is the end-of-stream terminator.
// Close sends the terminator if the worker is still running, waits
// for the worker to finish, and returns the engine result code.
type Delivery interface {
	Send(ctx context.Context, chunk []byte) error
	Close(ctx context.Context) (int, error)
}

// Starter launches the update worker for a completed manifest and
// blocks until the worker is ready for firmware data. An error means
// the worker never became ready (the manifest was rejected or the
// engine failed to start).
type Starter func(ctx context.Context, manifest []byte) (Delivery, error)

// Config parameterizes a Session. Zero capacities select the
// defaults; Start is required.
type Config struct {
	ManifestCapacity int
	ChunkCapacity    int
	Start            Starter
}

// Progress is the outcome of one Feed call. Done is true exactly once
// per upload, when the worker has finished and the session has reset.
type Progress struct {
	Done bool

	// Code is the engine result code, valid when Done. Zero means the
	// update succeeded.
	Code int

	// Filename is the filename attribute of the data part, valid when
	// Done.
	Filename string

	// FirmwareBytes is the total number of bytes delivered to the
	// worker (excluding the terminator), valid when Done.
	FirmwareBytes int64
}

// Session reassembles one multipart firmware upload from arbitrarily
// split byte ranges. It is owned by a single request-handling
// goroutine and is not safe for concurrent use; only the Delivery it
// creates crosses the goroutine boundary.
type Session struct {
	manifestCap int
	chunkCap    int
	start       Starter

	state     State
	boundary  []byte
	delimiter []byte // "\r\n--" + boundary

	filename string

	// manifest holds the accumulated manifest part. Its backing array
	// carries len(delimiter) bytes of slack beyond manifestCap so a
	// delimiter straddling two chunks never triggers a false
	// overflow; confirmed content past manifestCap still errors.
	manifest []byte

	// pending holds bytes not yet classified: the part header being
	// accumulated, or firmware bytes awaiting handoff. Capacity is
	// chunkCap.
	pending []byte

	firmwareBytes int64
	delivery      Delivery
}

// NewSession returns an idle session. Panics if the chunk capacity
// cannot hold a part header plus the longest possible delimiter;
// capacities are static configuration, not runtime input.
func NewSession(cfg Config) *Session {
	manifestCap := cfg.ManifestCapacity
	if manifestCap == 0 {
		manifestCap = DefaultManifestCapacity
	}
	chunkCap := cfg.ChunkCapacity
	if chunkCap == 0 {
		chunkCap = DefaultChunkCapacity
	}
	if chunkCap < MinChunkCapacity {
		panic(fmt.Sprintf("multipart: chunk capacity %d too small", chunkCap))
	}
	if cfg.Start == nil {
		panic("multipart: Config.Start is required")
	}
	return &Session{
		manifestCap: manifestCap,
		chunkCap:    chunkCap,
		start:       cfg.Start,
		pending:     make([]byte, 0, chunkCap),
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Manifest returns a copy of the manifest accumulated so far.
func (s *Session) Manifest() []byte {
	return append([]byte(nil), s.manifest...)
}

// FirmwareBytes returns the number of firmware bytes delivered to the
// worker so far.
func (s *Session) FirmwareBytes() int64 { return s.firmwareBytes }

// Feed processes one arriving byte range. It returns Progress{Done:
// true} when the upload completed and the worker finished (the
// session has already reset to Idle), Progress{} when more data is
// needed, or an error (the session has reset; a worker that was
// already started has been terminated via the zero-length
// terminator).
func (s *Session) Feed(ctx context.Context, chunk []byte) (Progress, error) {
	progress, err := s.advance(ctx, chunk)
	if err != nil {
		s.Abort(ctx)
		return Progress{}, err
	}
	if progress.Done {
		s.Reset()
	}
	return progress, nil
}

// Abort terminates the upload: if a worker was started it is allowed
// to finish via the end-of-stream terminator, then the session resets
// to Idle. Safe to call in any state.
func (s *Session) Abort(ctx context.Context) {
	if s.delivery != nil {
		// Result code and error are irrelevant on the abort path; the
		// terminator is what matters, so the worker goroutine exits.
		s.delivery.Close(ctx)
	}
	s.Reset()
}

// Reset returns the session to its initial Idle state.
func (s *Session) Reset() {
	s.state = StateIdle
	s.boundary = nil
	s.delimiter = nil
	s.filename = ""
	s.manifest = nil
	s.pending = s.pending[:0]
	s.firmwareBytes = 0
	s.delivery = nil
}

// advance runs the state machine over one input range. Multiple
// transitions can happen within a single call when the range spans
// header, data, and boundary bytes.
func (s *Session) advance(ctx context.Context, chunk []byte) (Progress, error) {
	input := chunk
	for {
		switch s.state {
		case StateIdle, StateManifestComplete:
			n := s.fillPending(input)
			input = input[n:]

			header, ok, err := ParseHeader(s.pending)
			if err != nil {
				return Progress{}, err
			}
			if !ok {
				if len(s.pending) == s.chunkCap {
					return Progress{}, fmt.Errorf("%w: part header exceeds %d bytes", ErrMalformed, s.chunkCap)
				}
				// Need more data; fillPending drained the input.
				return Progress{}, nil
			}

			rest := append([]byte(nil), s.pending[header.DataOffset:]...)
			s.pending = s.pending[:0]

			if s.state == StateIdle {
				if header.FieldName != manifestField {
					return Progress{}, fmt.Errorf("%w: first part %q, want %q",
						ErrUnexpectedField, header.FieldName, manifestField)
				}
				s.boundary = append([]byte(nil), header.Boundary...)
				s.delimiter = append([]byte("\r\n--"), s.boundary...)
				s.manifest = make([]byte, 0, s.manifestCap+len(s.delimiter))
				s.state = StateManifestStarted
			} else {
				if header.FieldName != dataField {
					return Progress{}, fmt.Errorf("%w: second part %q, want %q",
						ErrUnexpectedField, header.FieldName, dataField)
				}
				if !bytes.Equal(header.Boundary, s.boundary) {
					return Progress{}, fmt.Errorf("%w: boundary token changed mid-stream", ErrMalformed)
				}
				s.filename = header.Filename
				s.state = StateFirmwareStarted
			}
			input = prepend(rest, input)

		case StateManifestStarted:
			if len(input) == 0 {
				return Progress{}, nil
			}
			leftover, err := s.consumeManifest(input)
			if err != nil {
				return Progress{}, err
			}
			input = leftover

		case StateFirmwareStarted:
			delivery, err := s.start(ctx, s.manifest)
			if err != nil {
				return Progress{}, fmt.Errorf("%w: %v", ErrWorkerStart, err)
			}
			s.delivery = delivery
			s.state = StateFirmwareChunk

		case StateFirmwareChunk:
			var err error
			input, err = s.consumeFirmware(ctx, input)
			if err != nil {
				return Progress{}, err
			}
			if s.state == StateFirmwareChunk {
				// Input exhausted without reaching the boundary; await
				// the next arriving chunk.
				return Progress{}, nil
			}

		case StateFirmwareComplete:
			delivery := s.delivery
			s.delivery = nil
			code, err := delivery.Close(ctx)
			if err != nil {
				return Progress{}, err
			}
			return Progress{
				Done:          true,
				Code:          code,
				Filename:      s.filename,
				FirmwareBytes: s.firmwareBytes,
			}, nil
		}
	}
}

// consumeManifest routes input bytes into the manifest buffer,
// scanning for the boundary delimiter across the chunk border. On
// finding the delimiter it completes the manifest and returns the
// unconsumed remainder, positioned at the next part's "--token"
// marker line so the header parser sees a normal part header.
func (s *Session) consumeManifest(input []byte) ([]byte, error) {
	delimiterLen := len(s.delimiter)

	// The delimiter may straddle the previous chunk border, so the
	// scan covers the last delimiterLen-1 manifest bytes plus the new
	// input.
	tailLen := min(len(s.manifest), delimiterLen-1)
	scratch := make([]byte, 0, tailLen+len(input))
	scratch = append(scratch, s.manifest[len(s.manifest)-tailLen:]...)
	scratch = append(scratch, input...)

	if idx := bytes.Index(scratch, s.delimiter); idx >= 0 {
		// Confirmed manifest length: everything before the
		// delimiter's leading CRLF.
		cut := len(s.manifest) - tailLen + idx
		if cut > s.manifestCap {
			return nil, fmt.Errorf("%w: manifest %d bytes, capacity %d", ErrOverflow, cut, s.manifestCap)
		}
		if cut <= len(s.manifest) {
			s.manifest = s.manifest[:cut]
		} else {
			s.manifest = append(s.manifest, input[:cut-len(s.manifest)]...)
		}
		s.state = StateManifestComplete
		return scratch[idx+len(crlf):], nil
	}

	s.manifest = append(s.manifest, input...)

	// Bytes that could be the start of a straddling delimiter are not
	// yet confirmed content and do not count against the capacity.
	hold := prefixHold(s.manifest, s.delimiter)
	if len(s.manifest)-hold > s.manifestCap {
		return nil, fmt.Errorf("%w: manifest exceeds %d bytes", ErrOverflow, s.manifestCap)
	}
	return nil, nil
}

// consumeFirmware routes input bytes through the pending chunk
// buffer, handing full chunks to the worker and watching for the
// closing boundary. Returns the unconsumed remainder; on boundary
// detection the state is FirmwareComplete and the remainder (the
// closing "--" and trailing CRLF) has been discarded.
func (s *Session) consumeFirmware(ctx context.Context, input []byte) ([]byte, error) {
	for {
		if idx := bytes.Index(s.pending, s.delimiter); idx >= 0 {
			// Final firmware chunk: everything before the delimiter's
			// leading CRLF. Neither the CRLF nor any boundary byte is
			// ever delivered.
			if idx > 0 {
				if err := s.send(ctx, s.pending[:idx]); err != nil {
					return nil, err
				}
			}
			s.pending = s.pending[:0]
			s.state = StateFirmwareComplete
			return nil, nil
		}

		if len(s.pending) == s.chunkCap {
			// Full chunk, boundary not found. Hold back any suffix
			// that could be the start of a straddling delimiter so
			// boundary bytes never leak into a handoff.
			hold := prefixHold(s.pending, s.delimiter)
			flush := len(s.pending) - hold
			if err := s.send(ctx, s.pending[:flush]); err != nil {
				return nil, err
			}
			copy(s.pending, s.pending[flush:])
			s.pending = s.pending[:hold]
			continue
		}

		if len(input) == 0 {
			return nil, nil
		}
		n := s.fillPending(input)
		input = input[n:]
	}
}

// send hands one firmware chunk to the worker through the delivery.
func (s *Session) send(ctx context.Context, chunk []byte) error {
	if err := s.delivery.Send(ctx, chunk); err != nil {
		return fmt.Errorf("delivering firmware chunk: %w", err)
	}
	s.firmwareBytes += int64(len(chunk))
	return nil
}

// fillPending copies input into the pending buffer up to its
// capacity, returning the number of bytes consumed.
func (s *Session) fillPending(input []byte) int {
	n := min(s.chunkCap-len(s.pending), len(input))
	s.pending = append(s.pending, input[:n]...)
	return n
}

// prefixHold returns the length of the longest proper suffix of b
// that is a prefix of delim. Those bytes cannot be classified until
// more data arrives: they may be the start of the boundary delimiter.
func prefixHold(b, delim []byte) int {
	longest := len(delim) - 1
	if longest > len(b) {
		longest = len(b)
	}
	for k := longest; k > 0; k-- {
		if bytes.Equal(b[len(b)-k:], delim[:k]) {
			return k
		}
	}
	return 0
}

// prepend returns head followed by tail. Used when a transition
// leaves already-buffered bytes that must be processed before the
// rest of the current input.
func prepend(head, tail []byte) []byte {
	if len(head) == 0 {
		return tail
	}
	if len(tail) == 0 {
		return head
	}
	out := make([]byte, 0, len(head)+len(tail))
	out = append(out, head...)
	return append(out, tail...)
}
