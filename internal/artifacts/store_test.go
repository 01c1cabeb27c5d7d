package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/testrig/testrig/internal/runtimeconfig"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestLocalStorePut(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}

	src := writeTempFile(t, "shot-001.png", "png bytes")
	ref, err := store.Put(context.Background(), "exec_abc", src)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	want := filepath.Join(dir, "exec_abc", "shot-001.png")
	if ref != want {
		t.Errorf("ref = %q, want %q", ref, want)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		t.Fatalf("read stored artifact: %v", err)
	}
	if string(data) != "png bytes" {
		t.Errorf("stored content = %q", data)
	}
}

func TestLocalStorePutMissingSource(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	if _, err := store.Put(context.Background(), "exec_abc", "/no/such/file.png"); err == nil {
		t.Fatal("expected error for missing source file")
	}
}

func TestNopStoreEchoesPath(t *testing.T) {
	ref, err := NopStore{}.Put(context.Background(), "exec_abc", "/tmp/outbox/output.log")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != "/tmp/outbox/output.log" {
		t.Errorf("ref = %q", ref)
	}
}

func TestFromConfigSelection(t *testing.T) {
	store, err := FromConfig(runtimeconfig.ArtifactsConfig{})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if _, ok := store.(NopStore); !ok {
		t.Errorf("store = %T, want NopStore", store)
	}

	store, err = FromConfig(runtimeconfig.ArtifactsConfig{LocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Errorf("store = %T, want *LocalStore", store)
	}
}

func TestObjectStoreRequiresBucket(t *testing.T) {
	_, err := NewObjectStore(runtimeconfig.ArtifactsConfig{Endpoint: "127.0.0.1:9000"})
	if err == nil {
		t.Fatal("expected error for missing bucket")
	}
}
