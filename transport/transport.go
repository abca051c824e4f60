// Package transport provides the byte sinks the writer streams data and
// metadata into.
//
// A Transport appends with Write and back-patches already written bytes with
// WriteAt; the stream header's active flag is cleared that way on close.
package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/arloliu/bpstream/errs"
)

// Transport is an append-only byte sink that also supports patching bytes it
// has already written.
type Transport interface {
	// Write appends p.
	Write(ctx context.Context, p []byte) error
	// WriteAt overwrites len(p) bytes at off, which must lie within the
	// bytes already written.
	WriteAt(ctx context.Context, p []byte, off int64) error
	// Position returns the number of bytes written so far.
	Position() int64
	// Close flushes and releases the sink.
	Close() error
}

// Opener creates named transports. Names are file names relative to the
// output location, for example "data.0" or "md.0".
type Opener interface {
	Open(name string) (Transport, error)
}

func checkPatch(name string, off int64, n int, pos int64) error {
	if off < 0 || off+int64(n) > pos {
		return fmt.Errorf("%w: patch of %d bytes at %d beyond %d written bytes of %s",
			errs.ErrProtocolMisuse, n, off, pos, name)
	}

	return nil
}

// File is a Transport over an operating system file.
type File struct {
	f   *os.File
	pos int64
}

var _ Transport = (*File)(nil)

// CreateFile creates or truncates the file at path.
func CreateFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint: gosec
	if err != nil {
		return nil, err
	}

	return &File{f: f}, nil
}

func (t *File) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := t.f.WriteAt(p, t.pos)
	t.pos += int64(n)

	return err
}

func (t *File) WriteAt(ctx context.Context, p []byte, off int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPatch(t.f.Name(), off, len(p), t.pos); err != nil {
		return err
	}
	_, err := t.f.WriteAt(p, off)

	return err
}

func (t *File) Position() int64 { return t.pos }

// Close syncs and closes the file; both failures are reported.
func (t *File) Close() error {
	var result *multierror.Error
	if err := t.f.Sync(); err != nil {
		result = multierror.Append(result, fmt.Errorf("sync %s: %w", t.f.Name(), err))
	}
	if err := t.f.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close %s: %w", t.f.Name(), err))
	}

	return result.ErrorOrNil()
}

// Dir opens file transports inside a directory.
type Dir string

// Open creates the directory if needed and then the named file in it.
func (d Dir) Open(name string) (Transport, error) {
	if err := os.MkdirAll(string(d), 0o755); err != nil { //nolint: gosec
		return nil, err
	}

	return CreateFile(filepath.Join(string(d), name))
}

// Memory is an in-memory Transport. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	name   string
	data   []byte
	closed bool
}

var _ Transport = (*Memory)(nil)

// NewMemory returns an empty memory transport.
func NewMemory(name string) *Memory {
	return &Memory{name: name}
}

func (t *Memory) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("%w: %s", errs.ErrClosed, t.name)
	}
	t.data = append(t.data, p...)

	return nil
}

func (t *Memory) WriteAt(ctx context.Context, p []byte, off int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("%w: %s", errs.ErrClosed, t.name)
	}
	if err := checkPatch(t.name, off, len(p), int64(len(t.data))); err != nil {
		return err
	}
	copy(t.data[off:], p)

	return nil
}

func (t *Memory) Position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return int64(len(t.data))
}

// Bytes returns a copy of everything written.
func (t *Memory) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.data...)
}

func (t *Memory) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("%w: %s closed twice", errs.ErrClosed, t.name)
	}
	t.closed = true

	return nil
}

// MemoryStore opens memory transports and keeps them for inspection.
type MemoryStore struct {
	mu    sync.Mutex
	files map[string]*Memory
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]*Memory)}
}

// Open creates the named transport, replacing any earlier one.
func (s *MemoryStore) Open(name string) (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := NewMemory(name)
	s.files[name] = m

	return m, nil
}

// Get returns the named transport.
func (s *MemoryStore) Get(name string) (*Memory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.files[name]

	return m, ok
}

// CloseAll closes every non-nil transport and reports all failures.
func CloseAll(ts ...Transport) error {
	var result *multierror.Error
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
