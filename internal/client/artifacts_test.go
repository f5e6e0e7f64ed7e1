package client

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestExtractLogBundle_ExtractsFiles(t *testing.T) {
	raw := buildZip(t, map[string]string{
		"console.log":             "ok",
		"state.json":              "{}",
		"nested/diagnostics.json": "{}",
	})
	outDir := filepath.Join(t.TempDir(), "out")
	if err := ExtractLogBundle(raw, outDir); err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	for _, path := range []string{
		filepath.Join(outDir, "console.log"),
		filepath.Join(outDir, "state.json"),
		filepath.Join(outDir, "nested", "diagnostics.json"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected file %s: %v", path, err)
		}
	}
}

func TestExtractLogBundle_RejectsPathTraversal(t *testing.T) {
	raw := buildZip(t, map[string]string{"../evil.txt": "x"})
	if err := ExtractLogBundle(raw, filepath.Join(t.TempDir(), "out")); err == nil {
		t.Fatalf("expected traversal rejection")
	}
}

func TestDownloadArtifact_VerifiesChecksum(t *testing.T) {
	payload := []byte("apk-bytes")
	sum := sha256.Sum256(payload)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	c := &HTTPClient{}
	dest := filepath.Join(t.TempDir(), "out", "com.acme.shop.apk")
	if err := c.DownloadArtifact(context.Background(), ts.URL+"/artifacts/com.acme.shop.apk", dest, hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("unexpected download %q (%v)", got, err)
	}

	other := filepath.Join(t.TempDir(), "bad.apk")
	if err := c.DownloadArtifact(context.Background(), ts.URL+"/artifacts/x.apk", other, "deadbeef"); err == nil {
		t.Fatalf("expected checksum mismatch")
	}
	if _, err := os.Stat(other); !os.IsNotExist(err) {
		t.Fatalf("mismatched download must not be kept, got %v", err)
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
