package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
)

// Opener reads stored asset bytes by storage key.
type Opener interface {
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
}

type bucketOpener struct {
	client *storage.Client
	bucket string
}

// NewOpener creates an Opener over a bucket using ambient credentials.
func NewOpener(ctx context.Context, bucket string) (Opener, error) {
	if bucket == "" {
		return nil, eris.New("objectstore: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "objectstore: create client")
	}
	return &bucketOpener{client: client, bucket: bucket}, nil
}

func (o *bucketOpener) Open(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	r, err := o.client.Bucket(o.bucket).Object(storageKey).NewReader(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "objectstore: open %s", storageKey)
	}
	return r, nil
}

// DirOpener serves assets from a local directory. Used by the CLI import
// path and in tests; storage keys are relative file paths.
type DirOpener struct {
	Root string
}

func (o DirOpener) Open(_ context.Context, storageKey string) (io.ReadCloser, error) {
	clean := filepath.Clean(storageKey)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, eris.Errorf("objectstore: storage key %q escapes root", storageKey)
	}
	f, err := os.Open(filepath.Join(o.Root, clean))
	if err != nil {
		return nil, eris.Wrapf(err, "objectstore: open %s", storageKey)
	}
	return f, nil
}
