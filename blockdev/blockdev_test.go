package blockdev

import (
	"bytes"
	"errors"
	"testing"

	"flashctl/flashctrl"
	"flashctl/flashsim"
)

func newDevice(t *testing.T) *Device {
	t.Helper()
	sim, err := flashsim.New(flashsim.NewMemStore(flashctrl.TotalBytes))
	if err != nil {
		t.Fatalf("flashsim.New: %v", err)
	}
	ctrl, err := flashctrl.New(sim, flashctrl.Region0, flashctrl.Bank0)
	if err != nil {
		t.Fatalf("flashctrl.New: %v", err)
	}
	sim.SetIRQHandler(ctrl.HandleInterrupt)
	return New(ctrl, sim.Step)
}

func TestGeometry(t *testing.T) {
	d := newDevice(t)
	if got := d.Size(); got != flashctrl.TotalBytes {
		t.Errorf("Size = %d, want %d", got, flashctrl.TotalBytes)
	}
	if got := d.WriteBlockSize(); got != flashctrl.PageSize {
		t.Errorf("WriteBlockSize = %d, want %d", got, flashctrl.PageSize)
	}
	if got := d.EraseBlockSize(); got != flashctrl.PageSize {
		t.Errorf("EraseBlockSize = %d, want %d", got, flashctrl.PageSize)
	}
}

func TestReadWriteWholePages(t *testing.T) {
	d := newDevice(t)

	want := make([]byte, 2*flashctrl.PageSize)
	for i := range want {
		want[i] = byte(i / 3)
	}
	if err := d.EraseBlocks(4, 2); err != nil {
		t.Fatalf("EraseBlocks: %v", err)
	}
	if _, err := d.WriteAt(want, 4*flashctrl.PageSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(want))
	if _, err := d.ReadAt(got, 4*flashctrl.PageSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read back different data than written")
	}
}

// Sub-page writes merge with the page's current contents instead of
// clobbering the rest of the page.
func TestSubPageWriteMerges(t *testing.T) {
	d := newDevice(t)

	if err := d.EraseBlocks(0, 1); err != nil {
		t.Fatalf("EraseBlocks: %v", err)
	}
	if _, err := d.WriteAt([]byte{1, 2, 3, 4}, 16); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	page := make([]byte, flashctrl.PageSize)
	if _, err := d.ReadAt(page, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(page[16:20], []byte{1, 2, 3, 4}) {
		t.Errorf("written range = %x", page[16:20])
	}
	for i, b := range page {
		if i >= 16 && i < 20 {
			continue
		}
		if b != 0xFF {
			t.Fatalf("byte %d = %#02x, want untouched 0xFF", i, b)
		}
	}
}

func TestReadSpansPageBoundary(t *testing.T) {
	d := newDevice(t)

	if err := d.EraseBlocks(1, 2); err != nil {
		t.Fatalf("EraseBlocks: %v", err)
	}
	want := []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7}
	off := int64(2*flashctrl.PageSize - 4)
	if _, err := d.WriteAt(want, off); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := d.ReadAt(got, off); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read %x, want %x", got, want)
	}
}

func TestOutOfRange(t *testing.T) {
	d := newDevice(t)
	if _, err := d.ReadAt(make([]byte, 8), d.Size()-4); err == nil {
		t.Error("read past end not rejected")
	}
	if _, err := d.WriteAt(make([]byte, 8), -1); err == nil {
		t.Error("negative write offset not rejected")
	}
}

func TestStalledDevice(t *testing.T) {
	sim, err := flashsim.New(flashsim.NewMemStore(flashctrl.TotalBytes))
	if err != nil {
		t.Fatalf("flashsim.New: %v", err)
	}
	ctrl, err := flashctrl.New(sim, flashctrl.Region0, flashctrl.Bank0)
	if err != nil {
		t.Fatalf("flashctrl.New: %v", err)
	}
	// No IRQ handler and no pump: accepted operations never complete.
	d := New(ctrl, nil)
	if err := d.EraseBlocks(0, 1); !errors.Is(err, ErrStalled) {
		t.Errorf("got %v, want ErrStalled", err)
	}
}
