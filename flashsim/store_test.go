package flashsim

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"flashctl/internal/flashregs"
)

func TestMemStoreProgramClearsBitsOnly(t *testing.T) {
	m := NewMemStore(flashregs.PageSize)

	// Fresh store reads erased.
	buf := make([]byte, 4)
	if _, err := m.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("fresh store reads %x, want all FF", buf)
	}

	if _, err := m.ProgramAt([]byte{0xF0}, 0); err != nil {
		t.Fatalf("ProgramAt: %v", err)
	}
	// 0xF0 -> 0x0F requires setting bits.
	if _, err := m.ProgramAt([]byte{0x0F}, 0); !errors.Is(err, ErrWriteRequiresErase) {
		t.Fatalf("reprogram: got %v, want ErrWriteRequiresErase", err)
	}
	// Clearing further bits of live data is allowed.
	if _, err := m.ProgramAt([]byte{0x30}, 0); err != nil {
		t.Fatalf("narrowing program: %v", err)
	}
	if _, err := m.ReadAt(buf[:1], 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if buf[0] != 0x30 {
		t.Fatalf("byte = %#02x, want 0x30", buf[0])
	}

	if err := m.Erase(0, flashregs.PageSize); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, err := m.ProgramAt([]byte{0x0F}, 0); err != nil {
		t.Fatalf("program after erase: %v", err)
	}
}

func TestMemStoreBounds(t *testing.T) {
	m := NewMemStore(flashregs.PageSize)
	if _, err := m.ReadAt(make([]byte, 4), flashregs.PageSize); err == nil {
		t.Error("read past end not rejected")
	}
	if n, err := m.ReadAt(make([]byte, 8), flashregs.PageSize-4); err != nil || n != 4 {
		t.Errorf("short read = %d,%v, want 4,nil", n, err)
	}
	if _, err := m.ProgramAt(make([]byte, 8), flashregs.PageSize-4); err == nil {
		t.Error("program past end not rejected")
	}
	if err := m.Erase(4, flashregs.PageSize); err == nil {
		t.Error("unaligned erase not rejected")
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")

	fs, err := OpenFileStore(path, flashregs.TotalBytes)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	want := []byte{0x12, 0x34, 0x56, 0x78}
	if _, err := fs.ProgramAt(want, 3*flashregs.PageSize); err != nil {
		t.Fatalf("ProgramAt: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fs, err = OpenFileStore(path, flashregs.TotalBytes)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fs.Close()

	got := make([]byte, 4)
	if _, err := fs.ReadAt(got, 3*flashregs.PageSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read %x, want %x", got, want)
	}

	// Unwritten space still reads erased.
	if _, err := fs.ReadAt(got, 5*flashregs.PageSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("unwritten space reads %x, want all FF", got)
	}
}

func TestOpenFileStoreRejectsBadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	if _, err := OpenFileStore(path, flashregs.PageSize+1); err == nil {
		t.Error("unaligned size not rejected")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("rejected open left a file behind")
	}
}
