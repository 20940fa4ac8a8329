// Package artifact stores diagnostic snapshots captured during delivery
// attempts. A missing or failing store never fails an attempt; callers treat
// the returned URL as best-effort.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jvalenc/webmta/internal/metrics"
)

// Config selects and parameterizes the backend
type Config struct {
	Backend   string // "local", "s3", "none"
	Dir       string
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PublicURL string
}

// Store persists one named artifact and returns a reference URL. An empty
// URL with nil error means stored without a public view.
type Store interface {
	Store(ctx context.Context, name string, data []byte) (string, error)
}

// New builds the configured artifact store
func New(cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "none", "":
		return &Discard{}, nil
	case "local":
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating artifact directory: %w", err)
		}
		return &Local{dir: cfg.Dir, publicURL: strings.TrimSuffix(cfg.PublicURL, "/"), logger: logger.With("component", "artifact", "backend", "local")}, nil
	case "s3":
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("creating object storage client: %w", err)
		}
		return &S3{
			client:    client,
			bucket:    cfg.Bucket,
			endpoint:  cfg.Endpoint,
			useSSL:    cfg.UseSSL,
			publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
			logger:    logger.With("component", "artifact", "backend", "s3"),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported artifact backend: %s", cfg.Backend)
	}
}

// Discard accepts everything and stores nothing
type Discard struct{}

func (d *Discard) Store(ctx context.Context, name string, data []byte) (string, error) {
	return "", nil
}

// Local writes artifacts to a directory on disk
type Local struct {
	dir       string
	publicURL string
	logger    *slog.Logger
}

func (l *Local) Store(ctx context.Context, name string, data []byte) (string, error) {
	name = filepath.Base(name) // no traversal out of the artifact dir
	path := filepath.Join(l.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		metrics.Get().ArtifactFailures.Inc()
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	metrics.Get().ArtifactUploads.Inc()
	l.logger.Debug("artifact stored", "name", name, "bytes", len(data))
	if l.publicURL != "" {
		return l.publicURL + "/" + name, nil
	}
	return "file://" + path, nil
}

// S3 uploads artifacts to S3-compatible object storage
type S3 struct {
	client    *minio.Client
	bucket    string
	endpoint  string
	useSSL    bool
	publicURL string
	logger    *slog.Logger
}

// EnsureBucket creates the bucket if it does not exist yet
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking artifact bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating artifact bucket: %w", err)
	}
	return nil
}

func (s *S3) Store(ctx context.Context, name string, data []byte) (string, error) {
	name = filepath.Base(name)
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType(name)})
	if err != nil {
		metrics.Get().ArtifactFailures.Inc()
		return "", fmt.Errorf("uploading artifact: %w", err)
	}
	metrics.Get().ArtifactUploads.Inc()
	s.logger.Debug("artifact uploaded", "name", name, "bytes", len(data))

	if s.publicURL != "" {
		return s.publicURL + "/" + name, nil
	}
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.endpoint, s.bucket, name), nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
