// Package blockdev adapts the asynchronous page flash interface to
// tinyfs.BlockDevice so a littlefs filesystem can be mounted on top of the
// controller. The adapter turns each callback-driven page operation into a
// synchronous call by pumping the device until the completion arrives.
package blockdev

import (
	"errors"
	"fmt"

	"tinygo.org/x/tinyfs"

	"flashctl/hal"
)

// ErrStalled is returned when an operation was accepted by the driver but
// no completion arrived within the pump budget.
var ErrStalled = errors.New("blockdev: device stalled")

// maxPumps bounds how long a single page operation may run. A page is at
// most 32 FIFO bursts; anything past this is a wedged device, not a slow
// one.
const maxPumps = 4096

// Device exposes a hal.Flash as a tinyfs block device. Block geometry is
// the flash page: littlefs reads, programs and erases in whole pages.
//
// Device registers itself as the flash client. It is not safe for
// concurrent use.
type Device struct {
	flash hal.Flash
	pump  func()

	pageSize int
	numPages int

	done   bool
	result hal.OpError
}

var (
	_ tinyfs.BlockDevice = (*Device)(nil)
	_ hal.Client         = (*Device)(nil)
)

// New wraps f for filesystem use. pump advances the underlying device (on
// hosts, one model step); pass nil when interrupts are delivered out of
// band.
func New(f hal.Flash, pump func()) *Device {
	d := &Device{
		flash:    f,
		pump:     pump,
		pageSize: f.PageSize(),
		numPages: f.NumPages(),
	}
	f.SetClient(d)
	return d
}

// ReadComplete implements hal.Client.
func (d *Device) ReadComplete(buf []byte, result hal.OpError) {
	d.done = true
	d.result = result
}

// WriteComplete implements hal.Client.
func (d *Device) WriteComplete(buf []byte, result hal.OpError) {
	d.done = true
	d.result = result
}

// EraseComplete implements hal.Client.
func (d *Device) EraseComplete(result hal.OpError) {
	d.done = true
	d.result = result
}

func (d *Device) wait(op string) error {
	for i := 0; !d.done; i++ {
		if i >= maxPumps {
			return fmt.Errorf("%s: %w", op, ErrStalled)
		}
		if d.pump != nil {
			d.pump()
		}
	}
	if d.result != hal.OpComplete {
		return fmt.Errorf("%s: %s", op, d.result)
	}
	return nil
}

func (d *Device) readPage(page int, buf []byte) error {
	d.done = false
	if err := d.flash.ReadPage(page, buf); err != nil {
		return err
	}
	return d.wait("read page")
}

func (d *Device) writePage(page int, buf []byte) error {
	d.done = false
	if err := d.flash.WritePage(page, buf); err != nil {
		return err
	}
	return d.wait("write page")
}

func (d *Device) erasePage(page int) error {
	d.done = false
	if err := d.flash.ErasePage(page); err != nil {
		return err
	}
	return d.wait("erase page")
}

// ReadAt implements tinyfs.BlockDevice.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.Size() {
		return 0, fmt.Errorf("blockdev: read [%d,%d) out of range", off, off+int64(len(p)))
	}
	page := make([]byte, d.pageSize)
	n := 0
	for n < len(p) {
		idx := int(off) / d.pageSize
		in := int(off) % d.pageSize
		if err := d.readPage(idx, page); err != nil {
			return n, err
		}
		c := copy(p[n:], page[in:])
		n += c
		off += int64(c)
	}
	return n, nil
}

// WriteAt implements tinyfs.BlockDevice. Writes that do not cover a whole
// page are merged with the page's current contents. Programming follows
// NOR semantics; the filesystem erases blocks before rewriting them.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.Size() {
		return 0, fmt.Errorf("blockdev: write [%d,%d) out of range", off, off+int64(len(p)))
	}
	page := make([]byte, d.pageSize)
	n := 0
	for n < len(p) {
		idx := int(off) / d.pageSize
		in := int(off) % d.pageSize
		c := d.pageSize - in
		if c > len(p)-n {
			c = len(p) - n
		}
		if c < d.pageSize {
			if err := d.readPage(idx, page); err != nil {
				return n, err
			}
		}
		copy(page[in:], p[n:n+c])
		if err := d.writePage(idx, page); err != nil {
			return n, err
		}
		n += c
		off += int64(c)
	}
	return n, nil
}

// Size implements tinyfs.BlockDevice.
func (d *Device) Size() int64 {
	return int64(d.numPages) * int64(d.pageSize)
}

// WriteBlockSize implements tinyfs.BlockDevice.
func (d *Device) WriteBlockSize() int64 { return int64(d.pageSize) }

// EraseBlockSize implements tinyfs.BlockDevice.
func (d *Device) EraseBlockSize() int64 { return int64(d.pageSize) }

// EraseBlocks implements tinyfs.BlockDevice.
func (d *Device) EraseBlocks(start, len int64) error {
	for b := start; b < start+len; b++ {
		if err := d.erasePage(int(b)); err != nil {
			return err
		}
	}
	return nil
}
