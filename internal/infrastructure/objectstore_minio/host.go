package objectstore_minio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/davarch/relpipe/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	UseSSL    bool
}

type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Host publishes releases to an S3-compatible bucket. A release is the
// object <prefix>/<tag>/release.json; its assets sit next to it.
type Host struct {
	store  objectAPI
	bucket string
	prefix string
	base   string
}

type manifest struct {
	Tag           string    `json:"tag"`
	Commit        string    `json:"commit,omitempty"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	GenerateNotes bool      `json:"generate_notes"`
	Prerelease    bool      `json:"prerelease"`
	CreatedAt     time.Time `json:"created_at"`
}

func New(cfg Config) (*Host, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return newHost(client, cfg.Bucket, cfg.Prefix, scheme+"://"+cfg.Endpoint), nil
}

func newHost(store objectAPI, bucket, prefix, base string) *Host {
	return &Host{store: store, bucket: bucket, prefix: strings.Trim(prefix, "/"), base: strings.TrimRight(base, "/")}
}

// CheckBucket fails when the release bucket is missing or unreachable.
func (h *Host) CheckBucket(ctx context.Context) error {
	ok, err := h.store.BucketExists(ctx, h.bucket)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", h.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket missing: %s", h.bucket)
	}
	return nil
}

func (h *Host) ReleaseExists(ctx context.Context, tag domain.Version) (bool, error) {
	_, err := h.store.StatObject(ctx, h.bucket, h.key(tag, "release.json"), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func (h *Host) CreateRelease(ctx context.Context, r domain.ReleaseRequest) (domain.ReleaseRecord, error) {
	m := manifest{
		Tag:           string(r.Tag),
		Commit:        r.Commit,
		Title:         r.Title,
		Description:   r.Description,
		GenerateNotes: r.GenerateNotes,
		Prerelease:    r.Prerelease,
		CreatedAt:     time.Now().UTC(),
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return domain.ReleaseRecord{}, err
	}

	key := h.key(r.Tag, "release.json")
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	// create-only: a concurrent publisher that already wrote the manifest wins
	opts.SetMatchETagExcept("*")
	if _, err := h.store.PutObject(ctx, h.bucket, key, bytes.NewReader(b), int64(len(b)), opts); err != nil {
		if minio.ToErrorResponse(err).Code == minio.PreconditionFailed {
			return domain.ReleaseRecord{}, &domain.ReleaseAlreadyExistsError{Tag: r.Tag}
		}
		return domain.ReleaseRecord{}, fmt.Errorf("put %s: %w", key, err)
	}

	return domain.ReleaseRecord{
		ID:          key,
		Tag:         r.Tag,
		Title:       r.Title,
		Description: r.Description,
		URL:         h.base + "/" + h.bucket + "/" + h.key(r.Tag, ""),
		CreatedAt:   m.CreatedAt,
	}, nil
}

func (h *Host) UploadAsset(ctx context.Context, rel domain.ReleaseRecord, a domain.Artifact) error {
	name := filepath.Base(a.Path)
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if strings.EqualFold(filepath.Ext(name), ".zip") {
		opts.ContentType = "application/zip"
	}
	if a.SHA256 != "" {
		opts.UserMetadata = map[string]string{"sha256": a.SHA256}
	}

	if _, err := h.store.FPutObject(ctx, h.bucket, h.key(rel.Tag, name), a.Path, opts); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

func (h *Host) key(tag domain.Version, name string) string {
	k := path.Join(h.prefix, string(tag), name)
	if name == "" {
		k += "/"
	}
	return k
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
