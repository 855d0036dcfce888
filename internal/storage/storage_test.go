package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStorage(t *testing.T, files bool) *Storage {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "resolver-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir, WriteSecretFiles: files})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	store := newTestStorage(t, true)

	if _, err := os.Stat(store.Path()); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if filepath.Base(store.Path()) != DBFileName {
		t.Errorf("Path() = %s, want file %s", store.Path(), DBFileName)
	}
	if store.SecretFiles() == nil {
		t.Fatal("SecretFiles() = nil with WriteSecretFiles set")
	}
	if _, err := os.Stat(store.SecretFiles().Dir()); err != nil {
		t.Errorf("secrets dir missing: %v", err)
	}
}

func TestNewWithoutSecretFiles(t *testing.T) {
	store := newTestStorage(t, false)
	if store.SecretFiles() != nil {
		t.Error("SecretFiles() should be nil when disabled")
	}
}

func TestStorageSchema(t *testing.T) {
	store := newTestStorage(t, false)

	for _, table := range []string{"secrets", "swaps", "swaps_archive", "lease", "settings"} {
		var name string
		err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("%s table not found: %v", table, err)
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "resolver-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.SetSetting("k", "v"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	store.Close()

	store, err = New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()

	v, ok, err := store.GetSetting("k")
	if err != nil || !ok || v != "v" {
		t.Errorf("GetSetting() = %q, %v, %v; want v, true, nil", v, ok, err)
	}
}

func TestSettings(t *testing.T) {
	store := newTestStorage(t, false)

	if _, ok, err := store.GetSetting("missing"); err != nil || ok {
		t.Errorf("GetSetting(missing) ok = %v, err = %v", ok, err)
	}
	if err := store.SetSetting("a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSetting("a", "2"); err != nil {
		t.Fatal(err)
	}
	v, _, _ := store.GetSetting("a")
	if v != "2" {
		t.Errorf("GetSetting(a) = %s, want 2", v)
	}
}

func TestBindResolver(t *testing.T) {
	store := newTestStorage(t, false)
	owner := "0xF39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

	if err := store.BindResolver(owner); err != nil {
		t.Fatalf("BindResolver() error = %v", err)
	}
	if err := store.BindResolver(strings.ToLower(owner)); err != nil {
		t.Errorf("BindResolver(same, lowercase) error = %v", err)
	}
	err := store.BindResolver("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	if !errors.Is(err, ErrResolverMismatch) {
		t.Errorf("BindResolver(other) error = %v, want ErrResolverMismatch", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got, want := expandPath("~/.test"), filepath.Join(home, ".test"); got != want {
		t.Errorf("expandPath(~/.test) = %s, want %s", got, want)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("expandPath(/abs/path) = %s", got)
	}
}
