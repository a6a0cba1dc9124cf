package proc

import (
	"context"
	"fmt"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/minio/minio-go/v7"
)

// S3Store archives finished episode files to S3-compatible storage.
type S3Store struct {
	Client   *minio.Client
	Location string
	Bucket   string
}

// ArchiveEpisode uploads a finished episode file to the bucket and returns
// its location.
func (s *S3Store) ArchiveEpisode(ctx context.Context, objectName, filePath string) (string, error) {
	uploadInfo, err := s.uploadFile(ctx, objectName, filePath, "audio/mp3")
	if err != nil {
		return "", err
	}
	return uploadInfo.Location, nil
}

// DeleteEpisode from s3 storage
func (s *S3Store) DeleteEpisode(ctx context.Context, objectName string) error {
	exists, errBucketExists := s.Client.BucketExists(ctx, s.Bucket)
	if errBucketExists != nil {
		return fmt.Errorf("can't check exists bucket %s: %w", s.Bucket, errBucketExists)
	}
	if !exists {
		return nil
	}
	return s.Client.RemoveObject(ctx, s.Bucket, objectName, minio.RemoveObjectOptions{})
}

func (s *S3Store) uploadFile(ctx context.Context, objectName, filePath, contentType string) (*minio.UploadInfo, error) {
	exists, errBucketExists := s.Client.BucketExists(ctx, s.Bucket)
	if errBucketExists != nil {
		return nil, fmt.Errorf("can't check exists bucket %s: %w", s.Bucket, errBucketExists)
	}

	if !exists {
		if err := s.Client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{Region: s.Location}); err != nil {
			return nil, fmt.Errorf("can't create bucket %s: %w", s.Bucket, err)
		}
	}

	uploadInfo, err := s.Client.FPutObject(ctx, s.Bucket, objectName, filePath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, err
	}

	if uploadInfo.Location == "" {
		location, err := s.getLocation(ctx, objectName)
		if err != nil {
			log.Printf("[WARN] can't get file location %s in bucket %s, %v", objectName, s.Bucket, err)
		} else {
			uploadInfo.Location = location
		}
	}
	return &uploadInfo, nil
}

func (s *S3Store) getLocation(ctx context.Context, objectName string) (string, error) {
	endpoint := s.Client.EndpointURL()

	statInfo, err := s.Client.StatObject(ctx, s.Bucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint.String(), "/"), s.Bucket, statInfo.Key), nil
}
