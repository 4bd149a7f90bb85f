package flashsim

import (
	"errors"
	"fmt"
	"io"
	"os"

	"flashctl/internal/flashregs"
)

// ErrWriteRequiresErase is reported when a program would set a bit that is
// currently zero. Flash programming can only clear bits; setting them back
// needs a page erase.
var ErrWriteRequiresErase = errors.New("flash write requires erase")

// Store is the flash array behind the controller model. Programming has
// NOR semantics: bits can only be cleared, and erasing fills with 0xFF.
type Store interface {
	SizeBytes() uint32
	ReadAt(p []byte, off uint32) (int, error)
	ProgramAt(p []byte, off uint32) (int, error)
	Erase(off, size uint32) error
}

// MemStore is a memory-backed flash array, erased at creation.
type MemStore struct {
	buf []byte
}

// NewMemStore returns an all-0xFF array of the given size.
func NewMemStore(size uint32) *MemStore {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xFF
	}
	return &MemStore{buf: buf}
}

func (m *MemStore) SizeBytes() uint32 { return uint32(len(m.buf)) }

func (m *MemStore) ReadAt(p []byte, off uint32) (int, error) {
	if off >= m.SizeBytes() {
		return 0, fmt.Errorf("flash read at %d: %w", off, os.ErrInvalid)
	}
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *MemStore) ProgramAt(p []byte, off uint32) (int, error) {
	if off >= m.SizeBytes() || uint32(len(p)) > m.SizeBytes()-off {
		return 0, fmt.Errorf("flash program at %d: %w", off, os.ErrInvalid)
	}
	for i, b := range p {
		cur := m.buf[off+uint32(i)]
		if cur&b != b {
			return i, fmt.Errorf("flash program at %d: %w", off+uint32(i), ErrWriteRequiresErase)
		}
		m.buf[off+uint32(i)] = cur & b
	}
	return len(p), nil
}

func (m *MemStore) Erase(off, size uint32) error {
	if off%flashregs.PageSize != 0 || size%flashregs.PageSize != 0 {
		return fmt.Errorf("flash erase off=%d size=%d: %w", off, size, os.ErrInvalid)
	}
	if off >= m.SizeBytes() || size > m.SizeBytes()-off {
		return fmt.Errorf("flash erase off=%d size=%d: %w", off, size, os.ErrInvalid)
	}
	for i := off; i < off+size; i++ {
		m.buf[i] = 0xFF
	}
	return nil
}

// FileStore is a file-backed flash array, so page contents survive across
// process runs. A fresh (empty or missing) file starts fully erased.
type FileStore struct {
	f       *os.File
	size    uint32
	scratch []byte
}

// OpenFileStore opens or creates a flash image of the given size.
func OpenFileStore(path string, size uint32) (*FileStore, error) {
	if size == 0 || size%flashregs.PageSize != 0 {
		return nil, fmt.Errorf("flash image size %d not a multiple of the page size", size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open flash image %q: %w", path, err)
	}

	fs := &FileStore{f: f, size: size, scratch: make([]byte, flashregs.PageSize)}
	for i := range fs.scratch {
		fs.scratch[i] = 0xFF
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat flash image %q: %w", path, err)
	}
	if st.Size() != int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate flash image %q to %d: %w", path, size, err)
		}
		if err := fs.Erase(0, size); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return fs, nil
}

func (fs *FileStore) Close() error { return fs.f.Close() }

func (fs *FileStore) SizeBytes() uint32 { return fs.size }

func (fs *FileStore) ReadAt(p []byte, off uint32) (int, error) {
	if off >= fs.size {
		return 0, fmt.Errorf("flash read at %d: %w", off, os.ErrInvalid)
	}
	if maxN := int(fs.size - off); len(p) > maxN {
		p = p[:maxN]
	}
	n, err := fs.f.ReadAt(p, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("flash read at %d: %w", off, err)
	}
	return n, nil
}

func (fs *FileStore) ProgramAt(p []byte, off uint32) (int, error) {
	if off >= fs.size || uint32(len(p)) > fs.size-off {
		return 0, fmt.Errorf("flash program at %d: %w", off, os.ErrInvalid)
	}

	cur := make([]byte, len(p))
	if _, err := fs.f.ReadAt(cur, int64(off)); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("flash read before program at %d: %w", off, err)
	}
	for i := range p {
		if cur[i]&p[i] != p[i] {
			return 0, fmt.Errorf("flash program at %d: %w", off+uint32(i), ErrWriteRequiresErase)
		}
		cur[i] &= p[i]
	}
	n, err := fs.f.WriteAt(cur, int64(off))
	if err != nil {
		return n, fmt.Errorf("flash program at %d: %w", off, err)
	}
	return n, nil
}

func (fs *FileStore) Erase(off, size uint32) error {
	if off%flashregs.PageSize != 0 || size%flashregs.PageSize != 0 {
		return fmt.Errorf("flash erase off=%d size=%d: %w", off, size, os.ErrInvalid)
	}
	if off >= fs.size || size > fs.size-off {
		return fmt.Errorf("flash erase off=%d size=%d: %w", off, size, os.ErrInvalid)
	}
	for size > 0 {
		if _, err := fs.f.WriteAt(fs.scratch, int64(off)); err != nil {
			return fmt.Errorf("flash erase page at %d: %w", off, err)
		}
		off += flashregs.PageSize
		size -= flashregs.PageSize
	}
	return nil
}
