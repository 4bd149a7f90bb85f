package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sigurn/crc16"

	"flashctl/flashctrl"
)

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

type infoCmd struct {
	Checksums bool `help:"Print a CRC-16 per page instead of the summary."`
}

func (cmd *infoCmd) Run(e *env) error {
	fmt.Printf("image:  %s\n", cli.Image)
	fmt.Printf("size:   %d bytes\n", flashctrl.TotalBytes)
	fmt.Printf("banks:  %d x %d pages\n", flashctrl.NumPages/flashctrl.PagesPerBank, flashctrl.PagesPerBank)
	fmt.Printf("page:   %d bytes\n", flashctrl.PageSize)

	buf := make([]byte, flashctrl.PageSize)
	erasedSum := crc16.Checksum(bytes.Repeat([]byte{0xFF}, flashctrl.PageSize), crcTable)
	used := 0
	for p := 0; p < flashctrl.NumPages; p++ {
		if _, err := e.dev.ReadAt(buf, int64(p)*flashctrl.PageSize); err != nil {
			return fmt.Errorf("page %d: %w", p, err)
		}
		sum := crc16.Checksum(buf, crcTable)
		if sum != erasedSum {
			used++
		}
		if cmd.Checksums {
			state := color.GreenString("%04X", sum)
			if sum == erasedSum {
				state = "erased"
			}
			fmt.Printf("page %3d  %s\n", p, state)
		}
	}
	fmt.Printf("in use: %d/%d pages\n", used, flashctrl.NumPages)
	return nil
}

type readCmd struct {
	Page  int    `arg:"" help:"First page to read."`
	Count int    `default:"1" help:"Number of pages."`
	Out   string `short:"o" help:"Output file (default stdout as hex)."`
}

func (cmd *readCmd) Run(e *env) error {
	if err := checkRange(cmd.Page, cmd.Count); err != nil {
		return err
	}
	data := make([]byte, cmd.Count*flashctrl.PageSize)
	if _, err := e.dev.ReadAt(data, int64(cmd.Page)*flashctrl.PageSize); err != nil {
		return err
	}
	if cmd.Out == "" {
		dumpHex(os.Stdout, data, uint32(cmd.Page)*flashctrl.PageSize)
		return nil
	}
	if err := os.WriteFile(cmd.Out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("read %d pages, crc16 %s\n",
		cmd.Count, color.GreenString("%04X", crc16.Checksum(data, crcTable)))
	return nil
}

type writeCmd struct {
	Page  int    `arg:"" help:"First page to program."`
	File  string `arg:"" type:"existingfile" help:"Data to program."`
	Erase bool   `help:"Erase the pages first."`
}

func (cmd *writeCmd) Run(e *env) error {
	data, err := os.ReadFile(cmd.File)
	if err != nil {
		return err
	}
	pages := (len(data) + flashctrl.PageSize - 1) / flashctrl.PageSize
	if err := checkRange(cmd.Page, pages); err != nil {
		return err
	}
	// Programming only clears bits; pad partial pages with the erased
	// pattern so the tail is left writable.
	padded := bytes.Repeat([]byte{0xFF}, pages*flashctrl.PageSize)
	copy(padded, data)

	if cmd.Erase {
		if err := e.dev.EraseBlocks(int64(cmd.Page), int64(pages)); err != nil {
			return err
		}
	}
	if _, err := e.dev.WriteAt(padded, int64(cmd.Page)*flashctrl.PageSize); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to pages %d..%d, crc16 %s\n",
		len(data), cmd.Page, cmd.Page+pages-1,
		color.GreenString("%04X", crc16.Checksum(data, crcTable)))
	return nil
}

type eraseCmd struct {
	Page  int `arg:"" help:"First page to erase."`
	Count int `default:"1" help:"Number of pages."`
}

func (cmd *eraseCmd) Run(e *env) error {
	if err := checkRange(cmd.Page, cmd.Count); err != nil {
		return err
	}
	if err := e.dev.EraseBlocks(int64(cmd.Page), int64(cmd.Count)); err != nil {
		return err
	}
	fmt.Printf("erased pages %d..%d\n", cmd.Page, cmd.Page+cmd.Count-1)
	return nil
}

type verifyCmd struct {
	Page int    `arg:"" help:"First page to compare."`
	File string `arg:"" type:"existingfile" help:"Expected contents."`
}

func (cmd *verifyCmd) Run(e *env) error {
	want, err := os.ReadFile(cmd.File)
	if err != nil {
		return err
	}
	pages := (len(want) + flashctrl.PageSize - 1) / flashctrl.PageSize
	if err := checkRange(cmd.Page, pages); err != nil {
		return err
	}
	got := make([]byte, len(want))
	if _, err := e.dev.ReadAt(got, int64(cmd.Page)*flashctrl.PageSize); err != nil {
		return err
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("mismatch at offset %#x: flash %02x, file %02x",
				cmd.Page*flashctrl.PageSize+i, got[i], want[i])
		}
	}
	fmt.Println(color.GreenString("verify ok"), "crc16",
		color.GreenString("%04X", crc16.Checksum(want, crcTable)))
	return nil
}

func checkRange(page, count int) error {
	if page < 0 || count < 1 || page+count > flashctrl.NumPages {
		return fmt.Errorf("page range %d..%d outside 0..%d",
			page, page+count-1, flashctrl.NumPages-1)
	}
	return nil
}

func dumpHex(w *os.File, data []byte, base uint32) {
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(w, "%08x ", base+uint32(i))
		for _, b := range data[i:end] {
			fmt.Fprintf(w, " %02x", b)
		}
		fmt.Fprintln(w)
	}
}
