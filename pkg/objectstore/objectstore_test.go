package objectstore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")

	_, err = New(Config{Bucket: "b", PrivateKeyPath: "/does/not/exist"})
	require.Error(t, err)
}

func TestSigner_PresignsURLs(t *testing.T) {
	signer, err := New(Config{
		Bucket:         "spendmatch-assets",
		GoogleAccessID: "svc@example.iam.gserviceaccount.com",
		PrivateKeyPath: writeTestKey(t),
	})
	require.NoError(t, err)

	up, err := signer.PresignUpload("assets/2024/03/01/spend.csv", "text/csv", 15*time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(up)
	require.NoError(t, err)
	assert.Contains(t, u.Path, "spendmatch-assets/assets/2024/03/01/spend.csv")
	assert.NotEmpty(t, u.Query().Get("X-Goog-Signature"))

	down, err := signer.PresignDownload("assets/2024/03/01/spend.csv", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, up, down)
}

func TestDirOpener(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "assets", "spend.csv"), []byte("Buyer,Supplier\n"), 0o600))

	o := DirOpener{Root: root}
	rc, err := o.Open(context.Background(), "assets/spend.csv")
	require.NoError(t, err)
	defer rc.Close()

	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "Buyer,Supplier\n", string(content))
}

func TestDirOpener_RejectsEscapingKeys(t *testing.T) {
	o := DirOpener{Root: t.TempDir()}

	_, err := o.Open(context.Background(), "../outside.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes root")

	_, err = o.Open(context.Background(), "/etc/passwd")
	require.Error(t, err)
}

func TestDirOpener_MissingFile(t *testing.T) {
	o := DirOpener{Root: t.TempDir()}
	_, err := o.Open(context.Background(), "assets/nope.csv")
	require.Error(t, err)
}
