package storage

import (
	"bytes"
	"context"
	"net/url"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// S3 stores files in an S3 bucket under a prefix.
type S3 struct {
	log    *logrus.Entry
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3 connects to the bucket described by config.
func NewS3(config S3Config) (*S3, error) {
	awsConfig := &aws.Config{HTTPClient: cleanhttp.DefaultPooledClient()}
	if config.Region != "" {
		awsConfig.Region = aws.String(config.Region)
	}
	if config.EndpointURL != "" {
		awsConfig.Endpoint = aws.String(config.EndpointURL)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.Wrap(err, "creating aws session")
	}
	return newS3(s3.New(sess), config.Bucket, config.Prefix), nil
}

func newS3(client s3iface.S3API, bucket, prefix string) *S3 {
	return &S3{
		log:    logrus.WithFields(logrus.Fields{"component": "storage", "bucket": bucket}),
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3) key(p string) string {
	return path.Join(s.prefix, p)
}

// JoinPath implements Service.
func (s *S3) JoinPath(parts ...string) string {
	return JoinPath(parts...)
}

// CopyDirectory implements Service.
func (s *S3) CopyDirectory(ctx context.Context, src, dst string, recursive bool) (string, error) {
	base := filepath.Base(filepath.Clean(src))
	if recursive {
		content, err := tarGzBytes(src)
		if err != nil {
			return "", err
		}
		name := path.Join(dst, base+".tar.gz")
		return name, s.Save(ctx, content, name)
	}

	files, err := topLevelFiles(src)
	if err != nil {
		return "", err
	}
	target := path.Join(dst, base)
	for _, f := range files {
		content, err := readFile(filepath.Join(src, f))
		if err != nil {
			return "", err
		}
		if err := s.Save(ctx, content, path.Join(target, f)); err != nil {
			return "", err
		}
	}
	return target, nil
}

// Save implements Service.
func (s *S3) Save(ctx context.Context, content []byte, p string) error {
	key := s.key(p)
	s.log.Debugf("uploading s3://%s/%s", s.bucket, key)
	return retry(ctx, func() error {
		_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(content),
		})
		return errors.Wrapf(err, "uploading %s", key)
	})
}

// Rename implements Service.
func (s *S3) Rename(ctx context.Context, p, newName string) error {
	from, to := s.key(p), s.key(renamed(p, newName))
	return retry(ctx, func() error {
		if _, err := s.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			CopySource: aws.String(url.PathEscape(s.bucket + "/" + from)),
			Key:        aws.String(to),
		}); err != nil {
			return errors.Wrapf(err, "copying %s to %s", from, to)
		}
		_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(from),
		})
		return errors.Wrapf(err, "deleting %s", from)
	})
}
