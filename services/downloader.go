package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

// ErrTooBig is returned when a download exceeds the configured byte limit.
var ErrTooBig = errors.New("file is too big")

// HTTPDownloader streams remote files to disk.
type HTTPDownloader struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPDownloader returns a downloader refusing bodies larger than
// maxBytes. Zero disables the limit.
func NewHTTPDownloader(client *http.Client, maxBytes int64) *HTTPDownloader {
	if client == nil {
		client = &http.Client{
			Timeout: 0, // Use context timeout instead
		}
	}
	return &HTTPDownloader{client: client, maxBytes: maxBytes}
}

// Download fetches rawURL into localPath. A partially written file is left
// for the caller to clean up. Returned errors never contain the URL, which
// may carry credentials.
func (d *HTTPDownloader) Download(ctx context.Context, rawURL string, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.New("failed to create request: invalid url")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", WithoutURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("download returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if d.maxBytes > 0 && resp.ContentLength > d.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooBig, resp.ContentLength, d.maxBytes)
	}

	outFile, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	var body io.Reader = resp.Body
	if d.maxBytes > 0 {
		body = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	n, err := io.Copy(outFile, body)
	if err != nil {
		return fmt.Errorf("failed to save downloaded file: %w", err)
	}
	if d.maxBytes > 0 && n > d.maxBytes {
		return fmt.Errorf("%w: more than %d bytes", ErrTooBig, d.maxBytes)
	}

	return outFile.Close()
}

// WithoutURL strips the request URL from transport errors so they can be
// shown or logged without leaking tokens embedded in the path.
func WithoutURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s request: %w", uerr.Op, uerr.Err)
	}
	return err
}
