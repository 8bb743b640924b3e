// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/otaforge/otaforge/lib/clock"
	"github.com/otaforge/otaforge/lib/config"
	"github.com/otaforge/otaforge/lib/handoff"
	"github.com/otaforge/otaforge/lib/history"
	"github.com/otaforge/otaforge/lib/imagestore"
	"github.com/otaforge/otaforge/lib/multipart"
	"github.com/otaforge/otaforge/lib/resource"
	"github.com/otaforge/otaforge/lib/updater"
)

// ServerConfig wires the HTTP server to its collaborators.
type ServerConfig struct {
	Upload   config.UploadConfig
	Store    *imagestore.Store
	Journal  *history.Journal
	Registry *resource.Registry
	Clock    clock.Clock
	Logger   *slog.Logger
}

// registration is one queued PUT request. The registrar goroutine
// applies registrations strictly in arrival order; the reply channel
// carries the outcome back to the waiting handler.
type registration struct {
	entry resource.Entry
	reply chan error
}

// Server handles all HTTP traffic: firmware uploads, the status page,
// and the resource registry.
type Server struct {
	upload   config.UploadConfig
	store    *imagestore.Store
	journal  *history.Journal
	registry *resource.Registry
	clk      clock.Clock
	logger   *slog.Logger

	readyTimeout  time.Duration
	finishTimeout time.Duration

	// uploadMu admits one firmware upload at a time; the update worker
	// and the staging area are single-flight by design.
	uploadMu sync.Mutex

	registerCh chan registration
	registrar  sync.WaitGroup

	startedAt time.Time
}

// NewServer validates the upload configuration and starts the
// registrar goroutine.
func NewServer(cfg ServerConfig) (*Server, error) {
	readyTimeout, err := cfg.Upload.ParseReadyTimeout()
	if err != nil {
		return nil, err
	}
	finishTimeout, err := cfg.Upload.ParseFinishTimeout()
	if err != nil {
		return nil, err
	}

	s := &Server{
		upload:        cfg.Upload,
		store:         cfg.Store,
		journal:       cfg.Journal,
		registry:      cfg.Registry,
		clk:           cfg.Clock,
		logger:        cfg.Logger,
		readyTimeout:  readyTimeout,
		finishTimeout: finishTimeout,
		registerCh:    make(chan registration, 8),
		startedAt:     cfg.Clock.Now(),
	}

	s.registrar.Add(1)
	go s.runRegistrar()

	return s, nil
}

// Close stops the registrar goroutine. The server must not receive
// further requests.
func (s *Server) Close() {
	close(s.registerCh)
	s.registrar.Wait()
}

// runRegistrar serializes registry writes. Requests arrive from
// concurrent handler goroutines; applying them from a single place
// keeps first-come ordering under a full registry.
func (s *Server) runRegistrar() {
	defer s.registrar.Done()
	for reg := range s.registerCh {
		err := s.registry.Register(reg.entry)
		if err != nil {
			s.logger.Warn("resource registration rejected",
				"name", reg.entry.Name, "error", err)
		} else {
			s.logger.Info("resource registered",
				"name", reg.entry.Name, "value", reg.entry.Value)
		}
		reg.reply <- err
	}
}

// ServeHTTP dispatches on method and path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/":
		s.handleUpload(w, r)
	case r.Method == http.MethodPut:
		s.handleRegister(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/":
		s.handleStatus(w, r)
	case r.Method == http.MethodGet:
		s.handleResource(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleUpload streams the multipart request body through the
// reassembly session and reports the worker's result.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.uploadMu.TryLock() {
		http.Error(w, "an update is already in progress", http.StatusConflict)
		return
	}
	defer s.uploadMu.Unlock()

	ctx := r.Context()
	started := s.clk.Now()

	// The engine and worker for this upload, captured by the starter
	// closure so the response and the journal record can report what
	// the worker actually did.
	var engine *updater.StageEngine
	var worker *updater.Worker

	session := multipart.NewSession(multipart.Config{
		ManifestCapacity: s.upload.ManifestCapacity,
		ChunkCapacity:    s.upload.ChunkCapacity,
		Start: func(ctx context.Context, manifest []byte) (multipart.Delivery, error) {
			engine = updater.NewStageEngine(s.store)
			ch := handoff.New(s.upload.ChunkCapacity)
			worker = updater.Start(ctx, engine, manifest, ch, s.clk)
			if err := worker.WaitReady(ctx, s.readyTimeout); err != nil {
				return nil, err
			}
			return &updater.Delivery{
				Channel:       ch,
				Worker:        worker,
				FinishTimeout: s.finishTimeout,
			}, nil
		},
	})

	buf := make([]byte, s.upload.ReadBufferSize)
	for {
		n, readErr := r.Body.Read(buf)
		if n > 0 {
			progress, err := session.Feed(ctx, buf[:n])
			if err != nil {
				s.logger.Warn("upload failed", "error", err)
				http.Error(w, err.Error(), uploadErrorStatus(err))
				return
			}
			if progress.Done {
				s.finishUpload(w, progress, engine, worker, started)
				return
			}
		}
		if readErr != nil {
			session.Abort(ctx)
			if readErr == io.EOF {
				s.logger.Warn("upload truncated")
				http.Error(w, multipart.ErrTruncated.Error(), http.StatusBadRequest)
			} else {
				s.logger.Warn("upload read error", "error", readErr)
				http.Error(w, readErr.Error(), http.StatusBadRequest)
			}
			return
		}
	}
}

// finishUpload writes the journal record and the HTTP response for a
// completed upload.
func (s *Server) finishUpload(w http.ResponseWriter, progress multipart.Progress,
	engine *updater.StageEngine, worker *updater.Worker, started time.Time) {

	duration := s.clk.Now().Sub(started)
	record := &history.Record{
		Time:       s.journal.Now(),
		DurationMS: duration.Milliseconds(),
		Code:       progress.Code,
		Filename:   progress.Filename,
	}
	if info := engine.Info(); info != nil {
		record.ImageSize = info.Size
		record.ImageDigest = info.Digest
		record.Compression = info.Compression.String()
	}
	if err := worker.Err(); err != nil {
		record.Message = err.Error()
	}
	if err := s.journal.Append(record); err != nil {
		s.logger.Error("writing history record", "error", err)
	}

	if progress.Code != 0 {
		s.logger.Warn("update failed",
			"code", progress.Code,
			"filename", progress.Filename,
			"error", record.Message,
		)
		http.Error(w, fmt.Sprintf("update failed: code=%d: %s", progress.Code, record.Message),
			http.StatusInternalServerError)
		return
	}

	s.logger.Info("update applied",
		"filename", progress.Filename,
		"bytes", progress.FirmwareBytes,
		"digest", record.ImageDigest,
		"duration_ms", record.DurationMS,
	)
	fmt.Fprintf(w, "update applied: filename=%s bytes=%d digest=%s\n",
		progress.Filename, progress.FirmwareBytes, record.ImageDigest)
}

// uploadErrorStatus maps reassembly errors to HTTP status codes:
// client-caused stream problems are 400s, a worker that never became
// ready is a server-side 500.
func uploadErrorStatus(err error) int {
	switch {
	case errors.Is(err, multipart.ErrWorkerStart):
		return http.StatusInternalServerError
	case errors.Is(err, multipart.ErrMalformed),
		errors.Is(err, multipart.ErrUnexpectedField),
		errors.Is(err, multipart.ErrOverflow),
		errors.Is(err, multipart.ErrTruncated):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleRegister queues a name=value registration from the request
// body and waits for the registrar to apply it.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, resource.MaxRequest+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entry, err := resource.Parse(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reg := registration{entry: entry, reply: make(chan error, 1)}
	s.registerCh <- reg

	select {
	case err := <-reg.reply:
		if errors.Is(err, resource.ErrFull) {
			http.Error(w, err.Error(), http.StatusInsufficientStorage)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "registered %s\n", entry.Name)
	case <-r.Context().Done():
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
	}
}

// handleResource serves a registered resource value by path.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	value, ok := s.registry.Get(name)
	if !ok {
		http.Error(w, "unknown resource", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, value)
}

// handleStatus renders the status page: the most recent update and
// the registered resources.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	last, err := s.journal.Last()
	if err != nil {
		s.logger.Error("reading history", "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<!DOCTYPE html>\n<html><head><title>otaforge</title></head><body>\n")
	fmt.Fprint(w, "<h1>otaforge firmware update server</h1>\n")
	fmt.Fprintf(w, "<p>Uptime: %s</p>\n", s.clk.Now().Sub(s.startedAt).Round(time.Second))

	if last == nil {
		fmt.Fprint(w, "<p>No updates recorded.</p>\n")
	} else if last.Succeeded() {
		fmt.Fprintf(w, "<p>Last update: <b>ok</b> at %s — %s (%d bytes, digest %s, %d ms)</p>\n",
			last.Time.Format(time.RFC3339),
			html.EscapeString(last.Filename),
			last.ImageSize,
			html.EscapeString(last.ImageDigest),
			last.DurationMS,
		)
	} else {
		fmt.Fprintf(w, "<p>Last update: <b>failed</b> (code %d) at %s — %s</p>\n",
			last.Code,
			last.Time.Format(time.RFC3339),
			html.EscapeString(last.Message),
		)
	}

	entries := s.registry.Snapshot()
	if len(entries) == 0 {
		fmt.Fprint(w, "<p>No resources registered.</p>\n")
	} else {
		fmt.Fprint(w, "<h2>Resources</h2>\n<ul>\n")
		for _, entry := range entries {
			fmt.Fprintf(w, "<li>%s = %s</li>\n",
				html.EscapeString(entry.Name), html.EscapeString(entry.Value))
		}
		fmt.Fprint(w, "</ul>\n")
	}
	fmt.Fprint(w, "</body></html>\n")
}
