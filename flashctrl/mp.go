package flashctrl

import (
	"fmt"

	"flashctl/hal"
	"flashctl/internal/flashregs"
)

// Memory protection manager. Region configuration registers are only ever
// touched from these entry points; the transfer engine reads the fault
// side effects (ErrCode) but never writes region state.

// NumRegions returns the number of protection config slots.
func (c *Controller) NumRegions() int { return NumRegions }

// SetRegionPerms binds perms to numPages pages starting at page, programs
// the region's base/size and permission fields, then enables the region.
//
// Validation happens before any register write: an unaddressable page or
// region index is ErrUnsupported (the hardware cannot represent it), a
// range running past the partition is ErrInvalid. A locked region's
// registers silently ignore writes; locking state is the caller's to check.
func (c *Controller) SetRegionPerms(page, numPages, region int, perms hal.RegionPerms) error {
	if page < 0 || page >= NumPages {
		return fmt.Errorf("flashctrl: region base page %d not addressable: %w",
			page, hal.ErrUnsupported)
	}
	if region < 0 || region >= NumRegions {
		return fmt.Errorf("flashctrl: region %d out of range: %w", region, hal.ErrUnsupported)
	}
	if numPages < 1 || numPages > NumPages-page {
		return fmt.Errorf("flashctrl: %d pages from page %d exceeds partition: %w",
			numPages, page, hal.ErrInvalid)
	}

	slot := uint32(region)
	c.bus.Write32(flashregs.MpRegionCfg+4*slot, regionCfgWord(perms, false))
	c.bus.Write32(flashregs.MpRegion+4*slot,
		uint32(page)<<flashregs.MpBaseShift|uint32(numPages)<<flashregs.MpSizeShift)
	c.bus.Write32(flashregs.MpRegionCfg+4*slot, regionCfgWord(perms, true))
	return nil
}

// ReadRegionPerms decodes the permission fields programmed into region.
func (c *Controller) ReadRegionPerms(region int) (hal.RegionPerms, error) {
	if region < 0 || region >= NumRegions {
		return hal.RegionPerms{}, fmt.Errorf("flashctrl: region %d out of range: %w",
			region, hal.ErrUnsupported)
	}
	v := c.bus.Read32(flashregs.MpRegionCfg + 4*uint32(region))
	return hal.RegionPerms{
		Read:          mubiAt(v, flashregs.CfgRdShift),
		Program:       mubiAt(v, flashregs.CfgProgShift),
		Erase:         mubiAt(v, flashregs.CfgEraseShift),
		Scramble:      mubiAt(v, flashregs.CfgScrambleShift),
		ECC:           mubiAt(v, flashregs.CfgEccShift),
		HighEndurance: mubiAt(v, flashregs.CfgHeShift),
	}, nil
}

// LockRegion clears the region's write enable. The bit is RW0C: once
// cleared it stays cleared until system reset, and the region's
// configuration registers ignore writes from then on.
func (c *Controller) LockRegion(region int) error {
	if region < 0 || region >= NumRegions {
		return fmt.Errorf("flashctrl: region %d out of range: %w", region, hal.ErrUnsupported)
	}
	c.bus.Write32(flashregs.RegionCfgRegwen+4*uint32(region), 0)
	return nil
}

// RegionLocked reports whether the region's configuration is locked.
func (c *Controller) RegionLocked(region int) (bool, error) {
	if region < 0 || region >= NumRegions {
		return false, fmt.Errorf("flashctrl: region %d out of range: %w",
			region, hal.ErrUnsupported)
	}
	v := c.bus.Read32(flashregs.RegionCfgRegwen + 4*uint32(region))
	return v&flashregs.RegwenEnabled == 0, nil
}
