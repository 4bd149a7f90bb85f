package main

import (
	"fmt"

	"github.com/fatih/color"

	"flashctl/hal"
)

type regionCmd struct {
	Show regionShowCmd `cmd:"" default:"1" help:"Print every region's configuration."`
	Set  regionSetCmd  `cmd:"" help:"Configure a protection region."`
	Lock regionLockCmd `cmd:"" help:"Lock a region until reset."`
}

type regionShowCmd struct{}

func (regionShowCmd) Run(e *env) error {
	var mp hal.MemoryProtection = e.ctrl
	for r := 0; r < mp.NumRegions(); r++ {
		perms, err := mp.ReadRegionPerms(r)
		if err != nil {
			return err
		}
		locked, err := mp.RegionLocked(r)
		if err != nil {
			return err
		}
		state := color.GreenString("unlocked")
		if locked {
			state = color.YellowString("locked")
		}
		fmt.Printf("region %d  %s  %s\n", r, permString(perms), state)
	}
	return nil
}

type regionSetCmd struct {
	Region   int  `arg:"" help:"Region config slot."`
	Page     int  `arg:"" help:"First page covered."`
	NumPages int  `arg:"" help:"Pages covered."`
	Read     bool `negatable:"" default:"true" help:"Allow reads."`
	Program  bool `negatable:"" default:"true" help:"Allow programming."`
	Erase    bool `negatable:"" default:"true" help:"Allow erase."`
	Scramble bool `help:"Enable scrambling."`
	Ecc      bool `help:"Enable ECC."`
	He       bool `help:"Enable high endurance."`
}

func (cmd *regionSetCmd) Run(e *env) error {
	perms := hal.RegionPerms{
		Read:          cmd.Read,
		Program:       cmd.Program,
		Erase:         cmd.Erase,
		Scramble:      cmd.Scramble,
		ECC:           cmd.Ecc,
		HighEndurance: cmd.He,
	}
	if err := e.ctrl.SetRegionPerms(cmd.Page, cmd.NumPages, cmd.Region, perms); err != nil {
		return err
	}
	fmt.Printf("region %d -> pages %d..%d %s\n",
		cmd.Region, cmd.Page, cmd.Page+cmd.NumPages-1, permString(perms))
	return nil
}

type regionLockCmd struct {
	Region int `arg:"" help:"Region config slot."`
}

func (cmd *regionLockCmd) Run(e *env) error {
	if err := e.ctrl.LockRegion(cmd.Region); err != nil {
		return err
	}
	fmt.Printf("region %d %s\n", cmd.Region, color.YellowString("locked"))
	return nil
}

func permString(p hal.RegionPerms) string {
	flag := func(on bool, c byte) byte {
		if on {
			return c
		}
		return '-'
	}
	return string([]byte{
		flag(p.Read, 'r'),
		flag(p.Program, 'p'),
		flag(p.Erase, 'e'),
		flag(p.Scramble, 's'),
		flag(p.ECC, 'c'),
		flag(p.HighEndurance, 'h'),
	})
}
