// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/otaforge/otaforge/lib/clock"
	"github.com/otaforge/otaforge/lib/config"
	"github.com/otaforge/otaforge/lib/history"
	"github.com/otaforge/otaforge/lib/imagestore"
	"github.com/otaforge/otaforge/lib/resource"
)

func newTestServer(t *testing.T) (*Server, *history.Journal, *imagestore.Store) {
	t.Helper()
	store, err := imagestore.NewStore(t.TempDir(), imagestore.CompressionZstd)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	clk := clock.Real()
	journal, err := history.NewJournal(t.TempDir(), clk)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	server, err := NewServer(ServerConfig{
		Upload:   config.Default().Upload,
		Store:    store,
		Journal:  journal,
		Registry: resource.NewRegistry(3),
		Clock:    clk,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(server.Close)
	return server, journal, store
}

// formBody builds a manifest+data multipart body.
func formBody(t *testing.T, manifest string, firmware []byte) (io.Reader, string) {
	t.Helper()
	var b bytes.Buffer
	writer := multipart.NewWriter(&b)
	field, err := writer.CreateFormField("manifest")
	if err != nil {
		t.Fatalf("CreateFormField: %v", err)
	}
	if _, err := field.Write([]byte(manifest)); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	file, err := writer.CreateFormFile("data", "fw.bin")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := file.Write(firmware); err != nil {
		t.Fatalf("writing firmware: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing writer: %v", err)
	}
	return &b, writer.FormDataContentType()
}

func TestUploadEndToEnd(t *testing.T) {
	server, journal, _ := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	firmware := bytes.Repeat([]byte("firmware content "), 300)
	body, contentType := formBody(t, "version=2\nboard=rev4", firmware)

	resp, err := http.Post(ts.URL+"/", contentType, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, text)
	}
	if !strings.Contains(string(text), "update applied") {
		t.Errorf("response %q does not confirm the update", text)
	}

	records, err := journal.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("journal has %d records, want 1", len(records))
	}
	record := records[0]
	if !record.Succeeded() {
		t.Errorf("record code = %d, want 0 (%s)", record.Code, record.Message)
	}
	if record.Filename != "fw.bin" {
		t.Errorf("record filename = %q, want fw.bin", record.Filename)
	}
	if record.ImageSize != int64(len(firmware)) {
		t.Errorf("record image size = %d, want %d", record.ImageSize, len(firmware))
	}
	if record.ImageDigest == "" {
		t.Error("record has no image digest")
	}
}

func TestUploadRejectsWrongFirstField(t *testing.T) {
	server, journal, _ := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	var b bytes.Buffer
	writer := multipart.NewWriter(&b)
	field, _ := writer.CreateFormField("payload")
	field.Write([]byte("not a manifest"))
	writer.Close()

	resp, err := http.Post(ts.URL+"/", writer.FormDataContentType(), &b)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	records, err := journal.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("rejected upload left %d journal records", len(records))
	}
}

func TestUploadTruncated(t *testing.T) {
	server, _, _ := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	full, contentType := formBody(t, "version=2", bytes.Repeat([]byte("f"), 4000))
	raw, _ := io.ReadAll(full)
	truncated := raw[:len(raw)-30]

	resp, err := http.Post(ts.URL+"/", contentType, bytes.NewReader(truncated))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (%s)", resp.StatusCode, text)
	}
	if !strings.Contains(string(text), "truncated") {
		t.Errorf("response %q does not mention truncation", text)
	}
}

func TestUploadEmptyManifestFails(t *testing.T) {
	// The stage engine rejects an empty manifest during Prepare, so
	// the worker never becomes ready.
	server, journal, _ := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	body, contentType := formBody(t, "", []byte("fw"))
	resp, err := http.Post(ts.URL+"/", contentType, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}

	records, err := journal.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("failed start left %d journal records", len(records))
	}
}

func TestResourceRegistry(t *testing.T) {
	server, _, _ := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	put := func(body string) *http.Response {
		req, err := http.NewRequest(http.MethodPut, ts.URL+"/resources", strings.NewReader(body))
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT: %v", err)
		}
		return resp
	}

	resp := put("led=on")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200", resp.StatusCode)
	}

	get, err := http.Get(ts.URL + "/led")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer get.Body.Close()
	value, _ := io.ReadAll(get.Body)
	if get.StatusCode != http.StatusOK || strings.TrimSpace(string(value)) != "on" {
		t.Errorf("GET /led = %d %q, want 200 on", get.StatusCode, value)
	}

	// Malformed body.
	resp = put("no separator")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed PUT status = %d, want 400", resp.StatusCode)
	}

	// Unknown resource.
	get, err = http.Get(ts.URL + "/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusNotFound {
		t.Errorf("GET /missing status = %d, want 404", get.StatusCode)
	}

	// Registry full (capacity 3, led already taken).
	for _, body := range []string{"a=1", "b=2"} {
		resp = put(body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("PUT %q status = %d", body, resp.StatusCode)
		}
	}
	resp = put("overflow=1")
	resp.Body.Close()
	if resp.StatusCode != http.StatusInsufficientStorage {
		t.Errorf("PUT into full registry status = %d, want 507", resp.StatusCode)
	}
	// Updating an existing name still succeeds.
	resp = put("led=off")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("update PUT status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusPage(t *testing.T) {
	server, _, _ := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	page, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(page), "No updates recorded") {
		t.Errorf("empty-journal page missing placeholder: %s", page)
	}

	// After a successful upload the page shows the result.
	firmware := []byte("tiny firmware")
	body, contentType := formBody(t, "version=2", firmware)
	post, err := http.Post(ts.URL+"/", contentType, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	post.Body.Close()

	resp, err = http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	page, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(page), "fw.bin") {
		t.Errorf("status page does not mention the uploaded file: %s", page)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
