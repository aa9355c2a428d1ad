package rpi

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/physic"
)

// General purpose clock register byte offsets, relative to CM_GP0CTL. See p107.
const (
	CM_GP0CTL = 0x00
	CM_GP0DIV = 0x04
	CM_GP1CTL = 0x08
	CM_GP1DIV = 0x0c
	CM_GP2CTL = 0x10
	CM_GP2DIV = 0x14

	CM_PASSWD = uint32(0x5a << 24) // Must accompany every write to CTL and DIV

	// GPCLK1 is used by the system (ethernet on some boards) and is never touched.
	reservedClock = 1
)

var (
	cmPasswd = field{24, 8}
	ctlMash  = field{9, 2}
	ctlFlip  = field{8, 1}
	ctlBusy  = field{7, 1}
	ctlKill  = field{5, 1}
	ctlEnab  = field{4, 1}
	ctlSrc   = field{0, 4}
	divDivI  = field{12, 12}
	divDivF  = field{0, 12}
)

// ClockSource selects the oscillator or PLL a clock generator divides down.
type ClockSource uint32

const (
	SrcGND ClockSource = iota
	SrcOsc
	SrcTestDebug0
	SrcTestDebug1
	SrcPLLA
	SrcPLLC
	SrcPLLD
	SrcHDMI
)

var clockSources = []struct {
	name string
	freq physic.Frequency
}{
	SrcGND:        {"GND", 0},
	SrcOsc:        {"OSC", 19200 * physic.KiloHertz},
	SrcTestDebug0: {"Debug0", 0},
	SrcTestDebug1: {"Debug1", 0},
	SrcPLLA:       {"PLLA", 0},
	SrcPLLC:       {"PLLC", 1000 * physic.MegaHertz}, // changes with overclock settings
	SrcPLLD:       {"PLLD", 500 * physic.MegaHertz},
	SrcHDMI:       {"HDMI", 216 * physic.MegaHertz}, // may be disabled
}

func (s ClockSource) String() string {
	if int(s) < len(clockSources) {
		return clockSources[s].name
	}
	return fmt.Sprintf("ClockSource(%d)", uint32(s))
}

// Frequency is the nominal frequency of the source on BCM2835-7 boards.
func (s ClockSource) Frequency() physic.Frequency {
	if int(s) < len(clockSources) {
		return clockSources[s].freq
	}
	return 0
}

// Divider is the 12.12 fixed point divisor and noise shaping level of a clock generator.
type Divider struct {
	DivI int // 2..4095
	DivF int // 0..4095, ignored with MASH 0
	MASH int // 0..3
}

func (d Divider) Validate() error {
	if d.DivI < 2 || d.DivI > int(divDivI.max()) {
		return &ParamError{"DivI", d.DivI}
	}
	if d.DivF < 0 || d.DivF > int(divDivF.max()) {
		return &ParamError{"DivF", d.DivF}
	}
	if d.MASH < 0 || d.MASH > int(ctlMash.max()) {
		return &ParamError{"MASH", d.MASH}
	}
	return nil
}

// Output returns the average output frequency for a source frequency: src / (DivI + DivF/4096).
func (d Divider) Output(src physic.Frequency) physic.Frequency {
	den := int64(d.DivI)<<12 + int64(d.DivF)
	if d.MASH == 0 {
		den = int64(d.DivI) << 12
	}
	if den == 0 {
		return 0
	}
	mHz := int64(src/physic.Hertz) * 1000 << 12
	return physic.Frequency(mHz/den) * physic.MilliHertz
}

func (d Divider) String() string {
	return fmt.Sprintf("%d+%d/4096 MASH%d", d.DivI, d.DivF, d.MASH)
}

// DividerFor finds the divider that brings src down to want, truncating the fractional part.
func DividerFor(src, want physic.Frequency, mash int) (Divider, error) {
	if want < physic.Hertz {
		return Divider{}, &ParamError{"frequency", int(want / physic.Hertz)}
	}
	fixed := int64(src/physic.Hertz) << 12 / int64(want/physic.Hertz)
	d := Divider{DivI: int(fixed >> 12), DivF: int(fixed & 0xfff), MASH: mash}
	if d.MASH == 0 {
		d.DivF = 0
	}
	return d, d.Validate()
}

// ClockOptions tune how the clock generators are taken over and stopped.
type ClockOptions struct {
	ForceStop       bool          // Stop a clock that's already running instead of refusing
	PollInterval    time.Duration // First sleep between BUSY polls, doubled up to MaxPollInterval
	MaxPollInterval time.Duration
	GracefulPolls   int // BUSY polls after clearing ENAB before escalating to KILL
	KillPolls       int // BUSY polls after KILL before giving up with ErrStuckClock
	SettleDelay     time.Duration
}

func DefaultClockOptions() ClockOptions {
	return ClockOptions{
		PollInterval:    10 * time.Microsecond,
		MaxPollInterval: 100 * time.Microsecond,
		GracefulPolls:   10,
		KillPolls:       10000,
		SettleDelay:     10 * time.Microsecond,
	}
}

func (o ClockOptions) withDefaults() ClockOptions {
	def := DefaultClockOptions()
	if o.PollInterval < 0 {
		o.PollInterval = def.PollInterval
	}
	if o.MaxPollInterval < o.PollInterval {
		o.MaxPollInterval = o.PollInterval
	}
	if o.GracefulPolls <= 0 {
		o.GracefulPolls = def.GracefulPolls
	}
	if o.KillPolls <= 0 {
		o.KillPolls = def.KillPolls
	}
	return o
}

type clockPin struct {
	index int
	alt   PinFunction
}

func (c clockPin) ctl() uintptr {
	return CM_GP0CTL + uintptr(c.index)*8
}

func (c clockPin) div() uintptr {
	return CM_GP0DIV + uintptr(c.index)*8
}

// Pins that can carry a general purpose clock and the function that routes it there. See p102.
var clockPins = map[int]clockPin{
	4:  {0, Alt0},
	20: {0, Alt5},
	32: {0, Alt0},
	34: {0, Alt0},
	5:  {1, Alt0},
	21: {1, Alt5},
	42: {1, Alt0},
	44: {1, Alt0},
	6:  {2, Alt0},
	43: {2, Alt0},
}

func resolveClockPin(pin int) (clockPin, error) {
	c, ok := clockPins[pin]
	if !ok {
		return clockPin{}, &PinError{pin, ErrUnknownPin}
	}
	if c.index == reservedClock {
		return clockPin{}, &PinError{pin, ErrReservedPin}
	}
	return c, nil
}

func (rp *RPi) clockRegs() (Registers, error) {
	if rp.clk == nil {
		return nil, fmt.Errorf("clock registers: %w", ErrClosed)
	}
	if rp.gpio == nil {
		return nil, fmt.Errorf("GPIO registers: %w", ErrClosed)
	}
	return rp.clk, nil
}

// SourceFrequency is the frequency of a clock source on this board.
func (rp *RPi) SourceFrequency(src ClockSource) physic.Frequency {
	if rp.hw.hwType == RPI_HWVER_TYPE_PI4 {
		switch src {
		case SrcOsc:
			return 54 * physic.MegaHertz
		case SrcPLLD:
			return 750 * physic.MegaHertz
		}
	}
	return src.Frequency()
}

// InitClockSource routes the clock generator behind pin to the pin. The clock itself isn't
// started; ConfigureClock does that. A generator that is already running belongs to someone else,
// so ErrAlreadyRunning is returned unless ForceStop is set.
func (rp *RPi) InitClockSource(pin int) error {
	c, err := resolveClockPin(pin)
	if err != nil {
		return err
	}
	regs, err := rp.clockRegs()
	if err != nil {
		return err
	}
	glog.Infof("Configuring GPCLK%d on pin %d", c.index, pin)
	ctl := regs.Read(c.ctl())
	if ctlBusy.get(ctl) != 0 {
		glog.Errorf("There is a clock already running on GPIO %d (status reg: %08X)", pin, ctl)
		if !rp.opts.ForceStop {
			glog.Errorf("Not changing clock source")
			return &PinError{pin, ErrAlreadyRunning}
		}
		glog.Errorf("Forcing stop of clock source")
		err = rp.stopClock(regs, c)
		if err != nil {
			return &PinError{pin, err}
		}
	}
	return rp.GPIOSetFunction(pin, c.alt)
}

// StopClockSource returns pin to being an input and stops its clock generator. It blocks until
// the generator reports it isn't busy, or fails with ErrStuckClock once even KILL hasn't worked.
func (rp *RPi) StopClockSource(pin int) error {
	c, err := resolveClockPin(pin)
	if err != nil {
		return err
	}
	regs, err := rp.clockRegs()
	if err != nil {
		return err
	}
	glog.Infof("Removing GPCLK%d from pin %d", c.index, pin)
	err = rp.GPIOSetFunction(pin, Input)
	if err != nil {
		return err
	}
	err = rp.stopClock(regs, c)
	if err != nil {
		return &PinError{pin, err}
	}
	return nil
}

// ConfigureClock programs and starts the clock generator behind pin. All parameters are checked
// before any register is written.
func (rp *RPi) ConfigureClock(pin int, src ClockSource, d Divider) error {
	c, err := resolveClockPin(pin)
	if err != nil {
		return err
	}
	if src > SrcHDMI {
		return &ParamError{"source", int(src)}
	}
	err = d.Validate()
	if err != nil {
		return err
	}
	regs, err := rp.clockRegs()
	if err != nil {
		return err
	}

	err = rp.stopClock(regs, c)
	if err != nil {
		return &PinError{pin, err}
	}
	glog.V(1).Infof("GPCLK%d source %v, divider %v -> %v", c.index, src, d, d.Output(rp.SourceFrequency(src)))

	regs.Write(c.div(), CM_PASSWD|divDivI.set(0, uint32(d.DivI))|divDivF.set(0, uint32(d.DivF)))
	time.Sleep(rp.opts.SettleDelay)
	ctl := CM_PASSWD | ctlMash.set(0, uint32(d.MASH)) | ctlSrc.set(0, uint32(src))
	regs.Write(c.ctl(), ctl)
	regs.Write(c.ctl(), ctlEnab.set(ctl, 1))
	time.Sleep(rp.opts.SettleDelay)
	return nil
}

// stopClock disables the generator and waits for BUSY to clear, escalating to KILL if a graceful
// stop doesn't take. Once started it runs to a stopped clock or ErrStuckClock.
func (rp *RPi) stopClock(regs Registers, c clockPin) error {
	ctl := cmPasswd.set(regs.Read(c.ctl()), 0)
	if ctlBusy.get(ctl) == 0 && ctlEnab.get(ctl) == 0 {
		return nil
	}
	regs.Write(c.ctl(), CM_PASSWD|ctlEnab.set(ctl, 0))
	if rp.waitNotBusy(regs, c.ctl(), rp.opts.GracefulPolls) {
		return nil
	}

	glog.Errorf("Killing clock source GPCLK%d", c.index)
	ctl = cmPasswd.set(regs.Read(c.ctl()), 0)
	regs.Write(c.ctl(), CM_PASSWD|ctlKill.set(ctl, 1))
	if rp.waitNotBusy(regs, c.ctl(), rp.opts.KillPolls) {
		return nil
	}
	return fmt.Errorf("GPCLK%d still busy after kill (%08X): %w", c.index, regs.Read(c.ctl()), ErrStuckClock)
}

// waitNotBusy polls BUSY up to polls+1 times, sleeping with backoff in between.
func (rp *RPi) waitNotBusy(regs Registers, off uintptr, polls int) bool {
	d := rp.opts.PollInterval
	for i := 0; ; i++ {
		if ctlBusy.get(regs.Read(off)) == 0 {
			glog.V(2).Infof("Clock not busy after %d polls", i)
			return true
		}
		if i >= polls {
			return false
		}
		time.Sleep(d)
		d *= 2
		if d > rp.opts.MaxPollInterval {
			d = rp.opts.MaxPollInterval
		}
	}
}

// ClockState is a decoded snapshot of a clock generator's registers.
type ClockState struct {
	Pin     int
	Index   int
	Enabled bool
	Busy    bool
	Killed  bool
	Flip    bool
	Source  ClockSource
	Divider Divider
}

func (s ClockState) String() string {
	st := "stopped"
	if s.Busy {
		st = "running"
	} else if s.Enabled {
		st = "starting"
	}
	return fmt.Sprintf("GPCLK%d on GPIO%d %s, source %v, divider %v", s.Index, s.Pin, st, s.Source, s.Divider)
}

// ClockStatus reads the clock generator behind pin without changing it.
func (rp *RPi) ClockStatus(pin int) (ClockState, error) {
	c, err := resolveClockPin(pin)
	if err != nil {
		return ClockState{}, err
	}
	regs, err := rp.clockRegs()
	if err != nil {
		return ClockState{}, err
	}
	ctl := regs.Read(c.ctl())
	div := regs.Read(c.div())
	return ClockState{
		Pin:     pin,
		Index:   c.index,
		Enabled: ctlEnab.get(ctl) != 0,
		Busy:    ctlBusy.get(ctl) != 0,
		Killed:  ctlKill.get(ctl) != 0,
		Flip:    ctlFlip.get(ctl) != 0,
		Source:  ClockSource(ctlSrc.get(ctl)),
		Divider: Divider{
			DivI: int(divDivI.get(div)),
			DivF: int(divDivF.get(div)),
			MASH: int(ctlMash.get(ctl)),
		},
	}, nil
}
