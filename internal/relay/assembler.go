package relay

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Assembler concatenates buffered fragments into a single media file under a
// server-controlled scratch directory. File names are always generated; client
// input never reaches the filesystem.
type Assembler struct {
	dir string
}

// NewAssembler initialises an assembler writing into dir, creating the
// directory when missing.
func NewAssembler(dir string) (*Assembler, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	return &Assembler{dir: dir}, nil
}

// Dir exposes the scratch directory the assembler writes into.
func (a *Assembler) Dir() string { return a.dir }

// Materialize writes the fragments in arrival order into a new scratch file
// and returns a handle to it. Zero fragments (or fragments totalling zero
// bytes) return ErrEmptyUpload without touching the filesystem.
func (a *Assembler) Materialize(fragments [][]byte) (*MediaHandle, error) {
	var total int64
	for _, fragment := range fragments {
		total += int64(len(fragment))
	}
	if total == 0 {
		return nil, ErrEmptyUpload
	}

	path := filepath.Join(a.dir, uuid.NewString()+".webm")
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	for _, fragment := range fragments {
		if _, err := file.Write(fragment); err != nil {
			file.Close()
			os.Remove(path)
			return nil, fmt.Errorf("write scratch file: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close scratch file: %w", err)
	}
	return &MediaHandle{path: path, size: total}, nil
}

// MediaHandle references an assembled media blob on scratch storage.
type MediaHandle struct {
	path string
	size int64

	disposed sync.Once
	err      error
}

// Path exposes the scratch file location.
func (h *MediaHandle) Path() string { return h.path }

// Size reports the assembled blob size in bytes.
func (h *MediaHandle) Size() int64 { return h.size }

// Open returns a reader over the assembled blob. The caller closes it.
func (h *MediaHandle) Open() (io.ReadCloser, error) {
	return os.Open(h.path)
}

// Dispose removes the scratch file. It is safe to call multiple times; only
// the first removal runs and a missing file is not an error.
func (h *MediaHandle) Dispose() error {
	h.disposed.Do(func() {
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			h.err = &CleanupError{Path: h.path, Err: err}
		}
	})
	return h.err
}
