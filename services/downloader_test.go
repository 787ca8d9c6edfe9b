package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestDownloader(maxBytes int64, fn roundTripFunc) *HTTPDownloader {
	return NewHTTPDownloader(&http.Client{Transport: fn}, maxBytes)
}

func TestHTTPDownloader_Download(t *testing.T) {
	t.Parallel()

	d := newTestDownloader(0, func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodGet || r.URL.Path != "/file/bot123/music/a.flac" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte("fLaC\x00\x00"))),
			Header:     make(http.Header),
		}, nil
	})

	dst := filepath.Join(t.TempDir(), "in.flac")
	if err := d.Download(context.Background(), "http://example.invalid/file/bot123/music/a.flac", dst); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if string(data) != "fLaC\x00\x00" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestHTTPDownloader_StatusError(t *testing.T) {
	t.Parallel()

	d := newTestDownloader(0, func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader("not found")),
			Header:     make(http.Header),
		}, nil
	})

	err := d.Download(context.Background(), "http://example.invalid/x", filepath.Join(t.TempDir(), "x"))
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestHTTPDownloader_RejectsOversizedBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		contentLength int64
	}{
		{"declared", 64},
		{"undeclared", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDownloader(16, func(r *http.Request) (*http.Response, error) {
				return &http.Response{
					StatusCode:    http.StatusOK,
					ContentLength: tt.contentLength,
					Body:          io.NopCloser(bytes.NewReader(make([]byte, 64))),
					Header:        make(http.Header),
				}, nil
			})

			err := d.Download(context.Background(), "http://example.invalid/big", filepath.Join(t.TempDir(), "big"))
			if !errors.Is(err, ErrTooBig) {
				t.Fatalf("expected ErrTooBig, got %v", err)
			}
		})
	}
}

func TestHTTPDownloader_TransportErrorOmitsURL(t *testing.T) {
	t.Parallel()

	d := newTestDownloader(0, func(r *http.Request) (*http.Response, error) {
		return nil, io.EOF
	})

	err := d.Download(context.Background(), "https://api.telegram.org/file/bot123456:SECRET/music/a.flac", filepath.Join(t.TempDir(), "a"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if strings.Contains(err.Error(), "SECRET") || strings.Contains(err.Error(), "api.telegram.org") {
		t.Fatalf("error leaks the request url: %v", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected the transport cause to be kept, got %v", err)
	}
}

func TestWithoutURL(t *testing.T) {
	t.Parallel()

	plain := errors.New("boom")
	if got := WithoutURL(plain); got != plain {
		t.Fatalf("non-url errors must pass through, got %v", got)
	}
	if WithoutURL(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
