package services

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

type fakeDownloader struct {
	body   []byte
	err    error
	gotKey string
	gotBkt string
}

func (f *fakeDownloader) Download(w io.WriterAt, in *s3.GetObjectInput, opts ...func(*s3manager.Downloader)) (int64, error) {
	return f.DownloadWithContext(context.Background(), w, in, opts...)
}

func (f *fakeDownloader) DownloadWithContext(_ aws.Context, w io.WriterAt, in *s3.GetObjectInput, _ ...func(*s3manager.Downloader)) (int64, error) {
	f.gotKey = aws.StringValue(in.Key)
	f.gotBkt = aws.StringValue(in.Bucket)
	if f.err != nil {
		return 0, f.err
	}
	n, err := w.WriteAt(f.body, 0)
	return int64(n), err
}

type fakeUploader struct {
	err     error
	got     *s3manager.UploadInput
	gotBody []byte
}

func (f *fakeUploader) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(context.Background(), in, opts...)
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.gotBody = body
	return &s3manager.UploadOutput{Location: "s3://bucket/" + aws.StringValue(in.Key)}, nil
}

func TestS3Service_Download(t *testing.T) {
	dl := &fakeDownloader{body: []byte("fLaC-data")}
	svc := NewS3ServiceWith("bucket", dl, &fakeUploader{})

	dst := filepath.Join(t.TempDir(), "in.flac")
	if err := svc.Download(context.Background(), "uploads/a.flac", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if dl.gotKey != "uploads/a.flac" || dl.gotBkt != "bucket" {
		t.Fatalf("unexpected request %s/%s", dl.gotBkt, dl.gotKey)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "fLaC-data" {
		t.Fatalf("unexpected file content %q, %v", data, err)
	}
}

func TestS3Service_DownloadError(t *testing.T) {
	svc := NewS3ServiceWith("bucket", &fakeDownloader{err: errors.New("NoSuchKey")}, &fakeUploader{})

	err := svc.Download(context.Background(), "missing", filepath.Join(t.TempDir(), "in.flac"))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestS3Service_Upload(t *testing.T) {
	ul := &fakeUploader{}
	svc := NewS3ServiceWith("bucket", &fakeDownloader{}, ul)

	src := filepath.Join(t.TempDir(), "out.mp3")
	if err := os.WriteFile(src, []byte("ID3"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	meta := map[string]string{"original-name": "song.flac"}
	if err := svc.Upload(context.Background(), src, "converted/song.mp3", meta); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if aws.StringValue(ul.got.Key) != "converted/song.mp3" || aws.StringValue(ul.got.Bucket) != "bucket" {
		t.Fatalf("unexpected destination %s/%s", aws.StringValue(ul.got.Bucket), aws.StringValue(ul.got.Key))
	}
	if aws.StringValue(ul.got.ContentType) != "audio/mpeg" {
		t.Fatalf("unexpected content type %q", aws.StringValue(ul.got.ContentType))
	}
	if aws.StringValue(ul.got.Metadata["original-name"]) != "song.flac" {
		t.Fatalf("metadata not attached: %v", ul.got.Metadata)
	}
	if string(ul.gotBody) != "ID3" {
		t.Fatalf("unexpected body %q", ul.gotBody)
	}
}

func TestS3Service_UploadMissingFile(t *testing.T) {
	ul := &fakeUploader{}
	svc := NewS3ServiceWith("bucket", &fakeDownloader{}, ul)

	if err := svc.Upload(context.Background(), filepath.Join(t.TempDir(), "nope.mp3"), "k", nil); err == nil {
		t.Fatal("expected error for missing file")
	}
	if ul.got != nil {
		t.Fatal("uploader should not be called")
	}
}
