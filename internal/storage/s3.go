package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Config selects the bucket and credentials. Endpoint may point at any
// S3 compatible service.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3 stores archives in a bucket.
type S3 struct {
	bucket   string
	client   *s3.S3
	uploader *s3manager.Uploader
	deleter  *s3manager.BatchDelete
}

func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.Endpoint != ""),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	client := s3.New(sess)
	return &S3{
		bucket:   cfg.Bucket,
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		deleter:  s3manager.NewBatchDeleteWithClient(client),
	}, nil
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader) (Handle, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Handle{}, err
	}
	body := &countingReader{r: r}
	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return Handle{Key: key, Size: body.n, Location: out.Location}, nil
}

func (s *S3) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	return out.Body, nil
}

func (s *S3) Delete(ctx context.Context, prefix string) error {
	prefix, err := cleanKey(prefix)
	if err != nil {
		return err
	}
	iter := s3manager.NewDeleteListIterator(s.client, &s3.ListObjectsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	if err := s.deleter.Delete(ctx, iter); err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, prefix, err)
	}
	return nil
}
