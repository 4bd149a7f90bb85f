package flashctrl

import (
	"bytes"
	"errors"
	"testing"

	"flashctl/flashsim"
	"flashctl/hal"
	"flashctl/internal/flashregs"
)

// testClient records completion callbacks so tests can assert on delivery
// count, order and results.
type testClient struct {
	reads  []hal.OpError
	writes []hal.OpError
	erases []hal.OpError
	buf    []byte
}

func (c *testClient) ReadComplete(buf []byte, result hal.OpError) {
	c.reads = append(c.reads, result)
	c.buf = buf
}

func (c *testClient) WriteComplete(buf []byte, result hal.OpError) {
	c.writes = append(c.writes, result)
	c.buf = buf
}

func (c *testClient) EraseComplete(result hal.OpError) {
	c.erases = append(c.erases, result)
}

func (c *testClient) total() int {
	return len(c.reads) + len(c.writes) + len(c.erases)
}

func newTestController(t *testing.T) (*Controller, *flashsim.Sim, *testClient) {
	t.Helper()
	sim, err := flashsim.New(flashsim.NewMemStore(TotalBytes))
	if err != nil {
		t.Fatalf("flashsim.New: %v", err)
	}
	ctrl, err := New(sim, Region0, Bank0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sim.SetIRQHandler(ctrl.HandleInterrupt)
	client := &testClient{}
	ctrl.SetClient(client)
	return ctrl, sim, client
}

func pagePattern(page int) []byte {
	buf := make([]byte, PageSize)
	for i := range buf {
		buf[i] = byte(page + i)
	}
	return buf
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Region0, Bank0); !errors.Is(err, hal.ErrNoDevice) {
		t.Errorf("nil bus: got %v, want ErrNoDevice", err)
	}
	sim, err := flashsim.New(flashsim.NewMemStore(TotalBytes))
	if err != nil {
		t.Fatalf("flashsim.New: %v", err)
	}
	if _, err := New(sim, Region(8), Bank0); !errors.Is(err, hal.ErrInvalid) {
		t.Errorf("region 8: got %v, want ErrInvalid", err)
	}
	if _, err := New(sim, Region0, Bank(2)); !errors.Is(err, hal.ErrInvalid) {
		t.Errorf("bank 2: got %v, want ErrInvalid", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctrl, sim, client := newTestController(t)

	const page = NumPages - 1
	want := pagePattern(page)

	if err := ctrl.ErasePage(page); err != nil {
		t.Fatalf("ErasePage: %v", err)
	}
	sim.Run(8)
	if err := ctrl.WritePage(page, append([]byte(nil), want...)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	sim.Run(64)
	if err := ctrl.ReadPage(page, make([]byte, PageSize)); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	sim.Run(64)

	if len(client.erases) != 1 || len(client.writes) != 1 || len(client.reads) != 1 {
		t.Fatalf("callbacks erase/write/read = %d/%d/%d, want 1/1/1",
			len(client.erases), len(client.writes), len(client.reads))
	}
	for _, r := range []hal.OpError{client.erases[0], client.writes[0], client.reads[0]} {
		if r != hal.OpComplete {
			t.Fatalf("result = %v, want complete", r)
		}
	}
	if !bytes.Equal(client.buf, want) {
		t.Errorf("read back different data than written")
	}
}

func TestEraseIsIdempotent(t *testing.T) {
	ctrl, sim, client := newTestController(t)

	const page = 500
	if err := ctrl.WritePage(page, pagePattern(page)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	sim.Run(64)

	for i := 0; i < 2; i++ {
		if err := ctrl.ErasePage(page); err != nil {
			t.Fatalf("ErasePage #%d: %v", i+1, err)
		}
		sim.Run(8)
	}

	buf := make([]byte, PageSize)
	if err := ctrl.ReadPage(page, buf); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	sim.Run(64)

	if len(client.erases) != 2 {
		t.Fatalf("erase callbacks = %d, want 2", len(client.erases))
	}
	for _, b := range client.buf {
		if b != 0xFF {
			t.Fatalf("erased page reads %#02x, want 0xFF", b)
		}
	}
}

// A full page programs as runs that never cross a programming window
// boundary: 16-word commands stepping through the page in order.
func TestWriteSplitsIntoWindowRuns(t *testing.T) {
	ctrl, sim, _ := newTestController(t)

	const page = 3
	if err := ctrl.WritePage(page, pagePattern(page)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	sim.Run(64)

	var progs []flashsim.Command
	for _, cmd := range sim.Commands() {
		if cmd.Op == flashsim.OpProg {
			progs = append(progs, cmd)
		}
	}
	wantRuns := PageSize / (flashregs.ProgWindowWords * flashregs.WordBytes)
	if len(progs) != wantRuns {
		t.Fatalf("program commands = %d, want %d", len(progs), wantRuns)
	}
	for i, cmd := range progs {
		wantAddr := uint32(page)*PageSize + uint32(i)*flashregs.ProgWindowWords*flashregs.WordBytes
		if cmd.Addr != wantAddr {
			t.Errorf("run %d addr = %#x, want %#x", i, cmd.Addr, wantAddr)
		}
		if cmd.Words != flashregs.ProgWindowWords {
			t.Errorf("run %d words = %d, want %d", i, cmd.Words, flashregs.ProgWindowWords)
		}
	}
}

func TestBusyRejection(t *testing.T) {
	ctrl, sim, client := newTestController(t)

	if err := ctrl.ReadPage(0, make([]byte, PageSize)); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}

	if err := ctrl.ReadPage(1, make([]byte, PageSize)); !errors.Is(err, hal.ErrBusy) {
		t.Errorf("second read: got %v, want ErrBusy", err)
	}
	if err := ctrl.WritePage(1, make([]byte, PageSize)); !errors.Is(err, hal.ErrBusy) {
		t.Errorf("write while reading: got %v, want ErrBusy", err)
	}
	if err := ctrl.ErasePage(1); !errors.Is(err, hal.ErrBusy) {
		t.Errorf("erase while reading: got %v, want ErrBusy", err)
	}

	sim.Run(64)
	if len(client.reads) != 1 {
		t.Fatalf("read callbacks = %d, want 1", len(client.reads))
	}
	// Idle again: the next operation is accepted.
	if err := ctrl.ErasePage(1); err != nil {
		t.Errorf("erase after completion: %v", err)
	}
	sim.Run(8)
}

func TestArgumentValidation(t *testing.T) {
	ctrl, _, client := newTestController(t)

	buf := make([]byte, PageSize)
	cases := []struct {
		name string
		err  error
	}{
		{"read page -1", ctrl.ReadPage(-1, buf)},
		{"read page max", ctrl.ReadPage(NumPages, buf)},
		{"read short buf", ctrl.ReadPage(0, make([]byte, PageSize-1))},
		{"write page max", ctrl.WritePage(NumPages, buf)},
		{"write long buf", ctrl.WritePage(0, make([]byte, PageSize+1))},
		{"erase page -1", ctrl.ErasePage(-1)},
		{"erase page max", ctrl.ErasePage(NumPages)},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, hal.ErrInvalid) {
			t.Errorf("%s: got %v, want ErrInvalid", tc.name, tc.err)
		}
	}
	if client.total() != 0 {
		t.Errorf("rejected operations delivered %d callbacks", client.total())
	}
}

// Programming can only clear bits. A second program over live data makes
// the array report an operation error, which surfaces through the ordinary
// write completion as a flash error, not a protection fault.
func TestWriteWithoutEraseFails(t *testing.T) {
	ctrl, sim, client := newTestController(t)

	const page = 7
	first := bytes.Repeat([]byte{0xAA}, PageSize)
	if err := ctrl.WritePage(page, first); err != nil {
		t.Fatalf("first WritePage: %v", err)
	}
	sim.Run(64)

	second := bytes.Repeat([]byte{0x55}, PageSize)
	if err := ctrl.WritePage(page, second); err != nil {
		t.Fatalf("second WritePage: %v", err)
	}
	sim.Run(64)

	if len(client.writes) != 2 {
		t.Fatalf("write callbacks = %d, want 2", len(client.writes))
	}
	if client.writes[0] != hal.OpComplete {
		t.Errorf("first write = %v, want complete", client.writes[0])
	}
	if client.writes[1] != hal.OpErrFlash {
		t.Errorf("second write = %v, want flash error", client.writes[1])
	}
	// The driver is idle again after the error.
	if err := ctrl.ErasePage(page); err != nil {
		t.Errorf("erase after failed write: %v", err)
	}
	sim.Run(8)
}

// A failed write must not leak its words into the next one: after the
// error completion the program FIFO is empty, so erase-and-retry programs
// exactly the retried data.
func TestWriteRetryAfterFailedWrite(t *testing.T) {
	ctrl, sim, client := newTestController(t)

	const page = 9
	if err := ctrl.WritePage(page, bytes.Repeat([]byte{0xAA}, PageSize)); err != nil {
		t.Fatalf("first WritePage: %v", err)
	}
	sim.Run(64)

	want := bytes.Repeat([]byte{0x55}, PageSize)
	if err := ctrl.WritePage(page, append([]byte(nil), want...)); err != nil {
		t.Fatalf("conflicting WritePage: %v", err)
	}
	sim.Run(64)
	if got := client.writes[len(client.writes)-1]; got != hal.OpErrFlash {
		t.Fatalf("conflicting write = %v, want flash error", got)
	}

	if err := ctrl.ErasePage(page); err != nil {
		t.Fatalf("ErasePage: %v", err)
	}
	sim.Run(8)
	if err := ctrl.WritePage(page, append([]byte(nil), want...)); err != nil {
		t.Fatalf("retry WritePage: %v", err)
	}
	sim.Run(64)
	if got := client.writes[len(client.writes)-1]; got != hal.OpComplete {
		t.Fatalf("retry write = %v, want complete", got)
	}

	if err := ctrl.ReadPage(page, make([]byte, PageSize)); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	sim.Run(64)
	if !bytes.Equal(client.buf, want) {
		t.Error("retried write read back different data")
	}
}

// A write denied by memory protection already seeded the program FIFO
// before the fault surfaced. The next write to a permitted page must see
// none of it.
func TestWriteAfterProtectionFault(t *testing.T) {
	ctrl, sim, client := newTestController(t)

	const denied = 100
	perms := hal.RegionPerms{Read: true, Erase: true}
	if err := ctrl.SetRegionPerms(denied, 1, 6, perms); err != nil {
		t.Fatalf("SetRegionPerms: %v", err)
	}

	if err := ctrl.WritePage(denied, pagePattern(denied)); err != nil {
		t.Fatalf("WritePage denied page: %v", err)
	}
	sim.Run(8)
	if got := client.writes[len(client.writes)-1]; got != hal.OpErrProtection {
		t.Fatalf("denied write = %v, want protection violation", got)
	}

	want := pagePattern(denied + 1)
	if err := ctrl.WritePage(denied+1, append([]byte(nil), want...)); err != nil {
		t.Fatalf("WritePage clean page: %v", err)
	}
	sim.Run(64)
	if got := client.writes[len(client.writes)-1]; got != hal.OpComplete {
		t.Fatalf("clean write = %v, want complete", got)
	}

	if err := ctrl.ReadPage(denied+1, make([]byte, PageSize)); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	sim.Run(64)
	if !bytes.Equal(client.buf, want) {
		t.Error("clean write read back different data")
	}
}

func TestMaxProgRunWords(t *testing.T) {
	cases := []struct {
		wordAddr uint32
		remBytes uint32
		want     uint32
	}{
		{0, PageSize, 16},
		{16, PageSize - 64, 16},
		// Runs may not cross a window boundary.
		{1, PageSize, 15},
		{15, PageSize, 1},
		// Capped by the bytes remaining.
		{0, 8, 2},
		{14, 128, 2},
		{0, 0, 0},
		// Final run of a page.
		{496, 64, 16},
	}
	for _, tc := range cases {
		if got := maxProgRunWords(tc.wordAddr, tc.remBytes); got != tc.want {
			t.Errorf("maxProgRunWords(%d, %d) = %d, want %d",
				tc.wordAddr, tc.remBytes, got, tc.want)
		}
	}
}
