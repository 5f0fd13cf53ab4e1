// Package home manages the serveml home directory layout.
//
// The home directory owns all local persistent state.
//
// Layout:
//
//	<root>/
//	  node_id                          (instance identity, UUIDv7)
//	  products/                        (file store: one product_<key>.blob per product)
//	  products.db                      (sqlite store, when --store sqlite)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir represents a serveml home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/serveml
//   - macOS:   ~/Library/Application Support/serveml
//   - Windows: %APPDATA%/serveml
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "serveml")}, nil
}

// Resolve returns New(root) when root is non-empty, Default() otherwise.
func Resolve(root string) (Dir, error) {
	if root != "" {
		return New(root), nil
	}
	return Default()
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ProductsDir returns the directory holding file-store product blobs.
func (d Dir) ProductsDir() string {
	return filepath.Join(d.root, "products")
}

// DatabasePath returns the path of the sqlite product database.
func (d Dir) DatabasePath() string {
	return filepath.Join(d.root, "products.db")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// NodeID reads the persistent instance identity from <root>/node_id.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) NodeID() (string, error) {
	return d.readOrCreate("node_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: node-id file is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
