package fs

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// S3Config is the configuration for a S3-compatible storage provider
type S3Config struct {
	// S3 Bucket to store files
	Bucket string `toml:"bucket"`
	// Region of the S3 service
	Region string `toml:"region"`
	// EndpointURL is an HTTP endpoint of the S3 API
	EndpointURL string `toml:"endpoint_url"`
	// Prefix is prepended to every object key
	Prefix string `toml:"prefix"`
	// ACL of uploaded objects, bucket default if empty
	ACL string `toml:"acl"`
}

// S3 keeps episodes in a S3-compatible bucket.
type S3 struct {
	api      s3iface.S3API
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
	acl      string
}

func NewS3(c S3Config) (*S3, error) {
	if c.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}

	cfg := aws.NewConfig().
		WithEndpoint(c.EndpointURL).
		WithRegion(c.Region).
		WithS3ForcePathStyle(c.EndpointURL != "").
		WithLogger(s3logger{}).
		WithLogLevel(aws.LogDebug)

	sess, err := session.NewSessionWithOptions(session.Options{Config: *cfg})
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize S3 session")
	}

	return &S3{
		api:      s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   c.Bucket,
		prefix:   strings.Trim(c.Prefix, "/"),
		acl:      c.ACL,
	}, nil
}

func (s *S3) Create(ctx context.Context, name string, reader io.Reader) (int64, error) {
	var (
		key    = s.buildKey(name)
		logger = log.WithField("key", key)
	)

	logger.Infof("uploading file to %s", s.bucket)

	input := &s3manager.UploadInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   &countingReader{Reader: reader},
	}

	if s.acl != "" {
		input.ACL = aws.String(s.acl)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return 0, errors.Wrap(err, "failed to upload file")
	}

	written := input.Body.(*countingReader).n
	logger.Debugf("uploaded %d bytes", written)
	return written, nil
}

func (s *S3) Delete(ctx context.Context, name string) error {
	key := s.buildKey(name)

	_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})

	if isNotFound(err) {
		return os.ErrNotExist
	}

	return err
}

func (s *S3) Size(ctx context.Context, name string) (int64, error) {
	key := s.buildKey(name)

	resp, err := s.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return 0, os.ErrNotExist
		}

		return 0, errors.Wrap(err, "failed to get file size")
	}

	return aws.Int64Value(resp.ContentLength), nil
}

func (s *S3) buildKey(name string) string {
	name = strings.TrimPrefix(name, "/")
	if s.prefix == "" {
		return name
	}

	return path.Join(s.prefix, name)
}

func isNotFound(err error) bool {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case "NotFound", s3.ErrCodeNoSuchKey:
			return true
		}
	}

	return false
}

type countingReader struct {
	io.Reader
	n int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.n += int64(n)
	return n, err
}

type s3logger struct{}

func (s s3logger) Log(args ...interface{}) {
	log.Debug(args...)
}
