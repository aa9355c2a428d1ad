// Package adagio is the machine driver connecting a Raspberry Pi to the WM8770 board of an Adagio
// sound server: it clocks the codec from a GPCLK pin, pulses its reset line, describes the card to
// the audio framework and mutes the amplifier around bias level changes.
package adagio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cburgoyne/adagio/rpi"
	"github.com/golang/glog"
)

const (
	// MClkPin is the GPIO wired to the WM8770 MCLK input.
	MClkPin = 4
	// MClkSource is the source all profiles' dividers are computed for.
	MClkSource = rpi.SrcPLLC
	// ResetHold covers the 20ns CE to ResetB hold time plus 20ns ResetB to SPI clock setup, with
	// 10ns to spare.
	ResetHold = 50 * time.Nanosecond
)

type Config struct {
	Oscillator bool // Program a GPCLK as the codec's master clock
	MClkPin    int
	ResetHold  time.Duration
}

func DefaultConfig() Config {
	return Config{MClkPin: MClkPin, ResetHold: ResetHold}
}

// Driver owns the register windows and lines for one card. All methods are serialized; the clock
// methods may block for up to a second while a clock generator is stopped.
type Driver struct {
	mu         sync.Mutex
	cfg        Config
	rp         *rpi.RPi
	mute       Line
	reset      Line
	card       *Card
	clocking   bool
	registered bool
	bias       BiasLevel
	rate       int
}

// New creates a driver. rp may be nil when the oscillator isn't used and no raw lines need it;
// mute and reset may be nil if the board doesn't have them.
func New(cfg Config, rp *rpi.RPi, mute, reset Line) *Driver {
	if cfg.ResetHold <= 0 {
		cfg.ResetHold = ResetHold
	}
	return &Driver{cfg: cfg, rp: rp, mute: mute, reset: reset, card: NewCard()}
}

func (d *Driver) Card() *Card {
	return d.card
}

// Probe brings the board up: master clock at the default rate, codec reset, card registration.
// A clock that can't be taken over isn't fatal; the codec may have an external clock.
func (d *Driver) Probe(fw Framework) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	glog.Infof("Adagio soundcard, Raspberry Pi connector")

	if d.cfg.Oscillator {
		err := d.initClock()
		if err != nil {
			d.teardown()
			return err
		}
	}

	err := d.hwReset()
	if err != nil {
		glog.Errorf("Reset failed: %v", err)
	}

	err = fw.RegisterCard(d.card)
	if err != nil {
		glog.Errorf("RegisterCard() failed: %v", err)
		d.teardown()
		return fmt.Errorf("couldn't register card %s: %w", d.card.Name, err)
	}
	d.registered = true
	glog.Infof("Registered %v", d.card)
	return nil
}

func (d *Driver) initClock() error {
	if d.rp == nil {
		return errors.New("oscillator enabled without register access")
	}
	glog.Infof("Configuring GPIOs")
	err := d.rp.InitGPIO()
	if err != nil {
		return err
	}
	err = d.rp.InitClock()
	if err != nil {
		return err
	}
	err = d.rp.InitClockSource(d.cfg.MClkPin)
	if err != nil {
		glog.Errorf("Not using GPIO %d as MCLK: %v", d.cfg.MClkPin, err)
		return d.rp.ReleaseClock()
	}
	d.clocking = true
	d.rate = DefaultRate
	p, err := Lookup(DefaultRate)
	if err != nil {
		return err
	}
	err = d.rp.ConfigureClock(d.cfg.MClkPin, MClkSource, p.Divider)
	if err != nil {
		glog.Errorf("Failed to start MCLK at %v: %v", p.MCLK, err)
	}
	return nil
}

// Remove unregisters the card and releases everything Probe acquired.
func (d *Driver) Remove(fw Framework) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.registered {
		err = fw.UnregisterCard(d.card)
		d.registered = false
	}
	err = errors.Join(err, d.teardown())
	glog.Infof("Removed")
	return err
}

func (d *Driver) teardown() error {
	var errs []error
	if d.clocking {
		errs = append(errs, d.rp.StopClockSource(d.cfg.MClkPin))
		d.clocking = false
	}
	if d.mute != nil {
		errs = append(errs, d.mute.Close())
		d.mute = nil
	}
	if d.reset != nil {
		errs = append(errs, d.reset.Close())
		d.reset = nil
	}
	// Raw lines use the GPIO registers, so these go last.
	if d.rp != nil {
		errs = append(errs, d.rp.Close())
	}
	return errors.Join(errs...)
}

// HWParams is called when a stream's sample rate is chosen. The master clock is reprogrammed
// for the rate if we drive it, and the link's bit clock ratio and the codec's system clock are
// set. Rates without a profile and clock programming failures are logged; playback carries on
// with whatever clock is running. Errors from the framework are returned.
func (d *Driver) HWParams(rate int, cpu, codec DAI) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	glog.V(1).Infof("HWParams(%d)", rate)

	p, err := Lookup(rate)
	if err != nil {
		glog.Errorf("Failed to setup MCLK: %v", err)
		return nil
	}
	d.rate = rate
	if d.clocking {
		err = d.rp.ConfigureClock(d.cfg.MClkPin, MClkSource, p.Divider)
		if err != nil {
			glog.Errorf("Failed to reclock MCLK for %v: %v", p, err)
		}
	}

	err = cpu.SetBCLKRatio(p.BCLKRatio)
	if err != nil {
		glog.Errorf("Failed to set BCLK ratio %d: %v", p.BCLKRatio, err)
		return err
	}
	err = codec.SetSysclk(0, p.MCLK, 0)
	if err != nil {
		glog.Errorf("Failed to set SYSCLK %v: %v", p.MCLK, err)
		return err
	}
	return nil
}

// SetBiasLevel records the codec's new power state, unmuting the amplifier when leaving standby
// for prepare and muting it on the way back.
func (d *Driver) SetBiasLevel(level BiasLevel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.bias
	d.bias = level
	switch {
	case level == BiasPrepare && prev == BiasStandby:
		return d.setMute(false)
	case level == BiasStandby && prev == BiasPrepare:
		return d.setMute(true)
	}
	return nil
}

func (d *Driver) setMute(mute bool) error {
	if d.mute == nil {
		return nil
	}
	v := 0
	if mute {
		v = 1
		glog.V(1).Infof("Enabling hardware mute")
	} else {
		glog.V(1).Infof("Disabling hardware mute")
	}
	err := d.mute.SetValue(v)
	if err != nil {
		return fmt.Errorf("couldn't set mute %v: %w", mute, err)
	}
	return nil
}

// Reset pulses the codec's reset line.
func (d *Driver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hwReset()
}

func (d *Driver) hwReset() error {
	if d.reset == nil {
		return nil
	}
	glog.Infof("Resetting board")
	err := d.reset.SetValue(1)
	if err != nil {
		return fmt.Errorf("couldn't assert reset: %w", err)
	}
	time.Sleep(d.cfg.ResetHold)
	err = d.reset.SetValue(0)
	if err != nil {
		return fmt.Errorf("couldn't release reset: %w", err)
	}
	return nil
}

// Status describes the current rate, bias level and master clock.
func (d *Driver) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := fmt.Sprintf("rate %d bias %v", d.rate, d.bias)
	if !d.clocking {
		return s + " mclk external"
	}
	st, err := d.rp.ClockStatus(d.cfg.MClkPin)
	if err != nil {
		return fmt.Sprintf("%s mclk error: %v", s, err)
	}
	return fmt.Sprintf("%s mclk %v (%v)", s, st.Divider.Output(d.rp.SourceFrequency(st.Source)), st)
}
