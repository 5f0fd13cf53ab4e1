package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"serveml/internal/store"
	"serveml/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: filepath.Join(t.TempDir(), "products")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.TestStore(t,
		func(t *testing.T) store.Store { return newTestStore(t) },
		func(t *testing.T, s store.Store, name string, data []byte) {
			t.Helper()
			if err := os.WriteFile(filepath.Join(s.(*Store).Dir(), name), data, 0o644); err != nil {
				t.Fatalf("plant %s: %v", name, err)
			}
		})
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(context.Background(), 1, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(context.Background(), 1, []byte("y")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "product_1.blob" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("unexpected directory contents %v", names)
	}
}

func TestNewSweepsStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".product-123.tmp")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{Dir: dir}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale temp file still present: %v", err)
	}
}

func TestSubdirectoryIgnored(t *testing.T) {
	s := newTestStore(t)
	if err := os.Mkdir(filepath.Join(s.Dir(), "product_5.blob"), 0o755); err != nil {
		t.Fatal(err)
	}
	keys, err := s.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("directory counted as product: %v", keys)
	}
}

func TestPutRejectsNonRegularOccupant(t *testing.T) {
	tests := []struct {
		name  string
		plant func(path string) error
	}{
		{"directory", func(path string) error { return os.Mkdir(path, 0o755) }},
		{"dangling symlink", func(path string) error { return os.Symlink(filepath.Join(filepath.Dir(path), "missing"), path) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			if err := tc.plant(filepath.Join(s.Dir(), store.Identifier(7))); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(context.Background(), 7, []byte("x")); err == nil {
				t.Fatal("Put succeeded over a non-regular file")
			}
		})
	}
}

func TestFileMode(t *testing.T) {
	s, err := New(Config{Dir: t.TempDir(), FileMode: 0o600})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Put(context.Background(), 1, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	info, err := os.Stat(filepath.Join(s.Dir(), store.Identifier(1)))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	if _, err := f(map[string]string{}, nil); err != ErrMissingDirParam {
		t.Fatalf("expected ErrMissingDirParam, got %v", err)
	}
	s, err := f(map[string]string{ParamDir: t.TempDir(), ParamFileMode: "640"}, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if got := s.(*Store).fileMode; got != 0o640 {
		t.Errorf("fileMode = %o", got)
	}
}
