// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import (
	"errors"
	"strings"
	"testing"
)

func TestParseHeaderComplete(t *testing.T) {
	buf := []byte("--frontier42\r\n" +
		"Content-Disposition: form-data; name=\"manifest\"\r\n" +
		"\r\n" +
		"version=2\r\n")

	h, ok, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if !ok {
		t.Fatal("ParseHeader ok=false for a complete header")
	}
	if string(h.Boundary) != "frontier42" {
		t.Errorf("Boundary = %q, want frontier42", h.Boundary)
	}
	if h.FieldName != "manifest" {
		t.Errorf("FieldName = %q, want manifest", h.FieldName)
	}
	if h.Filename != "" {
		t.Errorf("Filename = %q, want empty", h.Filename)
	}
	if want := strings.Index(string(buf), "\r\n\r\n") + 4; h.DataOffset != want {
		t.Errorf("DataOffset = %d, want %d", h.DataOffset, want)
	}
	if string(buf[h.DataOffset:h.DataOffset+7]) != "version" {
		t.Errorf("data at offset = %q, want to start at the payload", buf[h.DataOffset:])
	}
}

func TestParseHeaderFilename(t *testing.T) {
	buf := []byte("--b\r\n" +
		"Content-Disposition: form-data; name=\"data\"; filename=\"fw-2026.bin\"\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"\r\n")

	h, ok, err := ParseHeader(buf)
	if err != nil || !ok {
		t.Fatalf("ParseHeader = ok=%v err=%v", ok, err)
	}
	if h.FieldName != "data" {
		t.Errorf("FieldName = %q, want data", h.FieldName)
	}
	if h.Filename != "fw-2026.bin" {
		t.Errorf("Filename = %q, want fw-2026.bin", h.Filename)
	}
}

func TestParseHeaderIncomplete(t *testing.T) {
	prefixes := []string{
		"",
		"-",
		"--frontier",
		"--frontier\r\nContent-Disposition: form-data; name=\"manifest\"",
		"--frontier\r\nContent-Disposition: form-data; name=\"manifest\"\r\n",
	}
	for _, prefix := range prefixes {
		_, ok, err := ParseHeader([]byte(prefix))
		if err != nil {
			t.Errorf("ParseHeader(%q) err = %v, want nil (incomplete)", prefix, err)
		}
		if ok {
			t.Errorf("ParseHeader(%q) ok = true, want false", prefix)
		}
	}
}

func TestParseHeaderIgnoresPreamble(t *testing.T) {
	buf := []byte("junk before the marker" +
		"--b\r\nContent-Disposition: form-data; name=\"manifest\"\r\n\r\n")
	h, ok, err := ParseHeader(buf)
	if err != nil || !ok {
		t.Fatalf("ParseHeader = ok=%v err=%v", ok, err)
	}
	if h.FieldName != "manifest" {
		t.Errorf("FieldName = %q", h.FieldName)
	}
}

func TestParseHeaderMalformed(t *testing.T) {
	tests := []struct {
		name string
		buf  string
	}{
		{
			name: "empty boundary",
			buf:  "--\r\nContent-Disposition: form-data; name=\"x\"\r\n\r\n",
		},
		{
			name: "overlong boundary",
			buf:  "--" + strings.Repeat("b", MaxBoundary+1) + "\r\n",
		},
		{
			name: "no content disposition",
			buf:  "--b\r\nX-Custom: 1\r\n\r\n",
		},
		{
			name: "no name attribute",
			buf:  "--b\r\nContent-Disposition: form-data\r\n\r\n",
		},
		{
			name: "filename only",
			buf:  "--b\r\nContent-Disposition: form-data; filename=\"f.bin\"\r\n\r\n",
		},
		{
			name: "unterminated name",
			buf:  "--b\r\nContent-Disposition: form-data; name=\"oops\r\n\r\n",
		},
		{
			name: "overlong field name",
			buf: "--b\r\nContent-Disposition: form-data; name=\"" +
				strings.Repeat("n", MaxFieldName+1) + "\"\r\n\r\n",
		},
		{
			name: "overlong filename",
			buf: "--b\r\nContent-Disposition: form-data; name=\"data\"; filename=\"" +
				strings.Repeat("f", MaxFilename+1) + "\"\r\n\r\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := ParseHeader([]byte(tt.buf))
			if err == nil {
				t.Fatalf("ParseHeader ok=%v, want error", ok)
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestQuotedAttributeSeparator(t *testing.T) {
	// "name" must not match inside "filename": with the filename
	// attribute first, the name attribute is still found.
	buf := []byte("--b\r\n" +
		"Content-Disposition: form-data; filename=\"f.bin\"; name=\"data\"\r\n" +
		"\r\n")
	h, ok, err := ParseHeader(buf)
	if err != nil || !ok {
		t.Fatalf("ParseHeader = ok=%v err=%v", ok, err)
	}
	if h.FieldName != "data" {
		t.Errorf("FieldName = %q, want data", h.FieldName)
	}
	if h.Filename != "f.bin" {
		t.Errorf("Filename = %q, want f.bin", h.Filename)
	}
}
