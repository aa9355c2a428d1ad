// Package rpi gives a single owner direct access to the BCM283x/BCM2711 GPIO and general purpose
// clock registers through /dev/mem.
//
// Many details here are from the BCM2835 reference at
// https://www.raspberrypi.org/app/uploads/2012/02/BCM2835-ARM-Peripherals.pdf
// Their page numbers are noted below.
package rpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/golang/glog"
)

const (
	RPI_HWVER_TYPE_UNKNOWN = iota
	RPI_HWVER_TYPE_PI1
	RPI_HWVER_TYPE_PI2
	RPI_HWVER_TYPE_PI4

	PERIPH_BASE_RPI  = 0x20000000
	PERIPH_BASE_RPI2 = 0x3f000000
	PERIPH_BASE_RPI4 = 0xfe000000

	GPIO_OFFSET  = uintptr(0x00200000)
	GPIO_SIZE    = 0xf0
	CM_GP_OFFSET = uintptr(0x00101070) // CM_GP0CTL
	CM_GP_SIZE   = 0x18                // CM_GP0CTL..CM_GP2DIV

	REVISION_FILE = "/proc/device-tree/system/linux,revision"
)

type hw struct {
	hwType     int
	periphBase uintptr
	name       string
}

var processors = map[uint32]hw{
	0: {RPI_HWVER_TYPE_PI1, PERIPH_BASE_RPI, "BCM2835"},
	1: {RPI_HWVER_TYPE_PI2, PERIPH_BASE_RPI2, "BCM2836"},
	2: {RPI_HWVER_TYPE_PI2, PERIPH_BASE_RPI2, "BCM2837"},
	3: {RPI_HWVER_TYPE_PI4, PERIPH_BASE_RPI4, "BCM2711"},
}

var models = map[uint32]string{
	0x00: "A",
	0x01: "B",
	0x02: "A+",
	0x03: "B+",
	0x04: "2B",
	0x06: "CM1",
	0x08: "3B",
	0x09: "Zero",
	0x0a: "CM3",
	0x0c: "Zero W",
	0x0d: "3B+",
	0x0e: "3A+",
	0x10: "CM3+",
	0x11: "4B",
	0x12: "Zero 2 W",
	0x13: "400",
	0x14: "CM4",
}

// decodeRevision turns a board revision code into the hardware description we need. New-style
// codes carry the processor in bits 12-15; old-style codes (all <= 0x15) are always BCM2835.
func decodeRevision(rev uint32) (*hw, error) {
	const newStyle = 1 << 23
	if rev&newStyle == 0 {
		code := rev & 0xffffff // bit 24 is the warranty bit on old boards
		if code < 0x02 || code > 0x15 {
			return nil, fmt.Errorf("couldn't identify hardware revision %X", rev)
		}
		h := processors[0]
		h.name = fmt.Sprintf("Pi rev %X (%s)", code, h.name)
		return &h, nil
	}
	proc := (rev >> 12) & 0xf
	h, ok := processors[proc]
	if !ok {
		return nil, fmt.Errorf("unknown processor %d in hardware revision %X", proc, rev)
	}
	model, ok := models[(rev>>4)&0xff]
	if !ok {
		model = fmt.Sprintf("type %X", (rev>>4)&0xff)
	}
	h.name = fmt.Sprintf("Pi %s (%s)", model, h.name)
	return &h, nil
}

func readRevisionFile(fn string) (uint32, error) {
	b, err := os.ReadFile(fn)
	if err != nil {
		return 0, fmt.Errorf("couldn't read revision: %w", err)
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("revision file got %d instead of 4 bytes", len(b))
	}
	var ver uint32
	err = binary.Read(bytes.NewReader(b), binary.BigEndian, &ver)
	if err != nil {
		return 0, fmt.Errorf("somehow couldn't convert 4 bytes to a uint32: %w", err)
	}
	return ver, nil
}

// Detect which version of a Raspberry Pi we're running on. The device tree is tried first; if
// it isn't readable, the firmware is asked through the mailbox.
func detectHardware() (*hw, error) {
	rev, err := readRevisionFile(REVISION_FILE)
	if err != nil {
		glog.Warningf("Device tree revision unavailable, asking the mailbox: %v", err)
		mb, merr := mboxOpen()
		if merr != nil {
			return nil, fmt.Errorf("couldn't detect revision: %v; %w", err, merr)
		}
		defer mb.Close()
		rev, err = mb.boardRevision()
		if err != nil {
			return nil, fmt.Errorf("couldn't get revision from mailbox: %w", err)
		}
	}
	return decodeRevision(rev)
}

// RPi owns the GPIO and clock manager register windows. It isn't safe for concurrent use; callers
// serialize access.
type RPi struct {
	hw      *hw
	opts    ClockOptions
	gpioWin *Window
	clkWin  *Window
	gpio    Registers
	clk     Registers
}

func NewRPi(opts ClockOptions) (*RPi, error) {
	hw, err := detectHardware()
	if err != nil {
		return nil, fmt.Errorf("couldn't detect RPi hardware: %w", err)
	}
	glog.Infof("Detected %s, peripherals at %08X", hw.name, hw.periphBase)
	return &RPi{hw: hw, opts: opts.withDefaults()}, nil
}

// NewRPiWithRegisters builds an RPi on already available register blocks, e.g. simulated ones.
// Either block may be nil if the corresponding functions won't be used.
func NewRPiWithRegisters(gpio, clk Registers, opts ClockOptions) *RPi {
	h := processors[2]
	return &RPi{hw: &h, opts: opts.withDefaults(), gpio: gpio, clk: clk}
}

func (rp *RPi) Name() string {
	return rp.hw.name
}

func (rp *RPi) InitGPIO() error {
	if rp.gpio != nil {
		return nil
	}
	w, err := MapWindow(GPIO_OFFSET+rp.hw.periphBase, GPIO_SIZE)
	if err != nil {
		return fmt.Errorf("couldn't map GPIO registers: %w", err)
	}
	glog.V(1).Infof("Got GPIO %v", w)
	rp.gpioWin, rp.gpio = w, w
	return nil
}

func (rp *RPi) InitClock() error {
	if rp.clk != nil {
		return nil
	}
	w, err := MapWindow(CM_GP_OFFSET+rp.hw.periphBase, CM_GP_SIZE)
	if err != nil {
		return fmt.Errorf("couldn't map clock registers: %w", err)
	}
	glog.V(1).Infof("Got clock %v", w)
	rp.clkWin, rp.clk = w, w
	return nil
}

// ReleaseClock gives up the clock manager registers. Clock operations fail afterwards.
func (rp *RPi) ReleaseClock() error {
	rp.clk = nil
	if rp.clkWin == nil {
		return nil
	}
	err := rp.clkWin.Close()
	rp.clkWin = nil
	return err
}

func (rp *RPi) ReleaseGPIO() error {
	rp.gpio = nil
	if rp.gpioWin == nil {
		return nil
	}
	err := rp.gpioWin.Close()
	rp.gpioWin = nil
	return err
}

// Close releases both register windows.
func (rp *RPi) Close() error {
	return errors.Join(rp.ReleaseClock(), rp.ReleaseGPIO())
}
