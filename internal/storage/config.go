package storage

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialdispatcher/pkg/check"
)

// Storage types.
const (
	MountedType = "mounted"
	S3Type      = "s3"
	GCSType     = "gcs"
)

// Config selects and configures a storage backend.
type Config struct {
	Type    string         `json:"type"`
	Mounted *MountedConfig `json:"mounted,omitempty"`
	S3      *S3Config      `json:"s3,omitempty"`
	GCS     *GCSConfig     `json:"gcs,omitempty"`
}

// MountedConfig configures a mounted store.
type MountedConfig struct {
	// Root defaults to the experiment directory.
	Root string `json:"root"`
}

// S3Config configures an S3 store.
type S3Config struct {
	Bucket      string `json:"bucket"`
	Prefix      string `json:"prefix"`
	Region      string `json:"region"`
	EndpointURL string `json:"endpoint_url"`
}

// Validate implements the check.Validatable interface.
func (c S3Config) Validate() []error {
	return []error{check.NotEmpty(c.Bucket, "s3 bucket")}
}

// GCSConfig configures a GCS store.
type GCSConfig struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	CredentialsFile string `json:"credentials_file"`
}

// Validate implements the check.Validatable interface.
func (c GCSConfig) Validate() []error {
	return []error{check.NotEmpty(c.Bucket, "gcs bucket")}
}

// DefaultConfig returns a mounted store in the experiment directory.
func DefaultConfig() Config {
	return Config{Type: MountedType}
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	errs := []error{
		check.Contains(c.Type, []interface{}{MountedType, S3Type, GCSType}, "storage type"),
	}
	switch {
	case c.Type == S3Type && c.S3 == nil:
		errs = append(errs, errors.New("storage type s3 requires an s3 section"))
	case c.Type == GCSType && c.GCS == nil:
		errs = append(errs, errors.New("storage type gcs requires a gcs section"))
	}
	return errs
}

// New builds the configured store. defaultRoot is used for a mounted store without a root.
func New(ctx context.Context, c Config, defaultRoot string) (Service, error) {
	switch c.Type {
	case MountedType:
		root := defaultRoot
		if c.Mounted != nil && c.Mounted.Root != "" {
			root = c.Mounted.Root
		}
		return NewMounted(filepath.Clean(root))
	case S3Type:
		return NewS3(*c.S3)
	case GCSType:
		return NewGCS(ctx, *c.GCS)
	default:
		return nil, errors.Errorf("unknown storage type %q", c.Type)
	}
}
