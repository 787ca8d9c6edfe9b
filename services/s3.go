package services

import (
	"context"
	"fmt"
	"os"

	"flac2mp3/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

const mp3ContentType = "audio/mpeg"

type S3Service struct {
	bucket     string
	downloader s3manageriface.DownloaderAPI
	uploader   s3manageriface.UploaderAPI
}

func NewS3Service(cfg *config.Config) (*S3Service, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}

	if cfg.AWSS3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		)
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Service{
		bucket:     cfg.S3Bucket,
		downloader: s3manager.NewDownloader(sess),
		uploader:   s3manager.NewUploader(sess),
	}, nil
}

// NewS3ServiceWith builds the service around explicit transfer managers.
func NewS3ServiceWith(bucket string, downloader s3manageriface.DownloaderAPI, uploader s3manageriface.UploaderAPI) *S3Service {
	return &S3Service{bucket: bucket, downloader: downloader, uploader: uploader}
}

// Download writes the object at key into localPath, creating or truncating
// it. The caller owns localPath and removes it on failure.
func (s *S3Service) Download(ctx context.Context, key string, localPath string) error {
	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()

	_, err = s.downloader.DownloadWithContext(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download from S3: %w", err)
	}

	return nil
}

// Upload stores localPath at key as an MP3, attaching metadata to the object.
func (s *S3Service) Upload(ctx context.Context, localPath string, key string, metadata map[string]string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(mp3ContentType),
	}
	if len(metadata) > 0 {
		input.Metadata = aws.StringMap(metadata)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}
