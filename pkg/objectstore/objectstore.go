// Package objectstore handles source-asset bytes: presigned upload/download
// URLs for clients, and server-side reads for the import stage.
package objectstore

import (
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
)

// Signer produces time-limited URLs for direct client access to a bucket.
type Signer interface {
	// PresignUpload returns a URL the client can PUT the asset bytes to.
	PresignUpload(objectKey, contentType string, expiry time.Duration) (string, error)
	// PresignDownload returns a URL the client can GET the asset bytes from.
	PresignDownload(objectKey string, expiry time.Duration) (string, error)
}

// Config configures the bucket signer.
type Config struct {
	Bucket         string `mapstructure:"bucket"`
	GoogleAccessID string `mapstructure:"google_access_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
}

type bucketSigner struct {
	bucket     string
	accessID   string
	privateKey []byte
}

// New creates a Signer backed by V4 signed bucket URLs.
func New(cfg Config) (Signer, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("objectstore: bucket is required")
	}
	key, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "objectstore: read private key")
	}
	return &bucketSigner{
		bucket:     cfg.Bucket,
		accessID:   cfg.GoogleAccessID,
		privateKey: key,
	}, nil
}

func (s *bucketSigner) PresignUpload(objectKey, contentType string, expiry time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         http.MethodPut,
		GoogleAccessID: s.accessID,
		PrivateKey:     s.privateKey,
		Expires:        time.Now().Add(expiry),
		ContentType:    contentType,
	}
	u, err := storage.SignedURL(s.bucket, objectKey, opts)
	if err != nil {
		return "", eris.Wrapf(err, "objectstore: presign upload %s", objectKey)
	}
	return u, nil
}

func (s *bucketSigner) PresignDownload(objectKey string, expiry time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         http.MethodGet,
		GoogleAccessID: s.accessID,
		PrivateKey:     s.privateKey,
		Expires:        time.Now().Add(expiry),
	}
	u, err := storage.SignedURL(s.bucket, objectKey, opts)
	if err != nil {
		return "", eris.Wrapf(err, "objectstore: presign download %s", objectKey)
	}
	return u, nil
}
