package storage

import (
	"context"
	"path"
	"path/filepath"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// GCS stores files in a Google Cloud Storage bucket under a prefix.
type GCS struct {
	log    *logrus.Entry
	bucket *gcs.BucketHandle
	name   string
	prefix string
}

// NewGCS connects to the bucket described by config.
func NewGCS(ctx context.Context, config GCSConfig) (*GCS, error) {
	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gcs client")
	}
	return &GCS{
		log:    logrus.WithFields(logrus.Fields{"component": "storage", "bucket": config.Bucket}),
		bucket: client.Bucket(config.Bucket),
		name:   config.Bucket,
		prefix: config.Prefix,
	}, nil
}

func (g *GCS) object(p string) *gcs.ObjectHandle {
	return g.bucket.Object(path.Join(g.prefix, p))
}

// JoinPath implements Service.
func (g *GCS) JoinPath(parts ...string) string {
	return JoinPath(parts...)
}

// CopyDirectory implements Service.
func (g *GCS) CopyDirectory(ctx context.Context, src, dst string, recursive bool) (string, error) {
	base := filepath.Base(filepath.Clean(src))
	if recursive {
		content, err := tarGzBytes(src)
		if err != nil {
			return "", err
		}
		name := path.Join(dst, base+".tar.gz")
		return name, g.Save(ctx, content, name)
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
		if err := g.Save(ctx, content, path.Join(target, f)); err != nil {
			return "", err
		}
	}
	return target, nil
}

// Save implements Service.
func (g *GCS) Save(ctx context.Context, content []byte, p string) error {
	g.log.Debugf("uploading gs://%s/%s", g.name, path.Join(g.prefix, p))
	return retry(ctx, func() error {
		w := g.object(p).NewWriter(ctx)
		if _, err := w.Write(content); err != nil {
			_ = w.Close()
			return errors.Wrapf(err, "writing %s", p)
		}
		return errors.Wrapf(w.Close(), "uploading %s", p)
	})
}

// Rename implements Service.
func (g *GCS) Rename(ctx context.Context, p, newName string) error {
	src, dst := g.object(p), g.object(renamed(p, newName))
	return retry(ctx, func() error {
		if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
			return errors.Wrapf(err, "copying %s", p)
		}
		return errors.Wrapf(src.Delete(ctx), "deleting %s", p)
	})
}
