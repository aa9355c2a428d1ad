package adagio

import (
	"fmt"

	"github.com/cburgoyne/adagio/rpi"
	"github.com/golang/glog"
	"github.com/warthog618/gpiod"
)

// Line is a two-level output such as the reset or mute line. 1 is the active (asserted) level.
// *gpiod.Line satisfies it.
type Line interface {
	SetValue(value int) error
	Close() error
}

const consumer = "adagio"

// chipInfo is the part of *gpiod.Chip needed to find a line by name.
type chipInfo interface {
	Lines() int
	LineInfo(offset int) (gpiod.LineInfo, error)
}

// findLine returns the offset of the line called name on c.
func findLine(c chipInfo, name string) (int, bool) {
	for i := 0; i < c.Lines(); i++ {
		li, err := c.LineInfo(i)
		if err != nil {
			continue
		}
		if li.Name == name {
			return i, true
		}
	}
	return 0, false
}

// RequestLine finds a GPIO line by the name the platform gave it and requests it as an output
// holding initial. Every chip is searched; the first match wins.
func RequestLine(name string, initial int, activeLow bool) (Line, error) {
	opts := []gpiod.LineReqOption{gpiod.AsOutput(initial)}
	if activeLow {
		opts = append(opts, gpiod.AsActiveLow)
	}
	for _, cn := range gpiod.Chips() {
		c, err := gpiod.NewChip(cn, gpiod.WithConsumer(consumer))
		if err != nil {
			glog.Warningf("Couldn't open %s: %v", cn, err)
			continue
		}
		offset, ok := findLine(c, name)
		if !ok {
			c.Close()
			continue
		}
		l, err := c.RequestLine(offset, opts...)
		c.Close()
		if err != nil {
			return nil, fmt.Errorf("couldn't request line %q (%s:%d): %w", name, cn, offset, err)
		}
		glog.V(1).Infof("Got line %q at %s:%d", name, cn, offset)
		return l, nil
	}
	return nil, fmt.Errorf("couldn't find line %q", name)
}

// RawLine drives a pin directly through the GPIO registers, for setups without named lines.
type RawLine struct {
	rp        *rpi.RPi
	pin       int
	activeLow bool
}

// NewRawLine makes pin an output holding initial. The GPIO registers must already be mapped.
func NewRawLine(rp *rpi.RPi, pin int, initial int, activeLow bool) (*RawLine, error) {
	l := &RawLine{rp, pin, activeLow}
	// Set the level before switching to output so the pin doesn't glitch.
	err := l.SetValue(initial)
	if err != nil {
		return nil, err
	}
	err = rp.GPIOSetOutput(pin, rpi.PullNone)
	if err != nil {
		return nil, fmt.Errorf("couldn't make GPIO %d an output: %w", pin, err)
	}
	// The level register only reflected the input side before, so check again.
	err = l.SetValue(initial)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *RawLine) SetValue(value int) error {
	return l.rp.GPIOSetPin(l.pin, (value != 0) != l.activeLow)
}

// Close returns the pin to being an input.
func (l *RawLine) Close() error {
	return l.rp.GPIOSetInput(l.pin)
}
