package rpi

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// GPIO register byte offsets, p90.
const (
	GPFSEL0   = 0x00 // GPIO Function Select 0..5
	GPSET0    = 0x1c // GPIO Pin Output Set 0..1
	GPCLR0    = 0x28 // GPIO Pin Output Clear 0..1
	GPLEV0    = 0x34 // GPIO Pin Level 0..1
	GPPUD     = 0x94 // GPIO Pin Pull-up/down Enable
	GPPUDCLK0 = 0x98 // GPIO Pin Pull-up/down Enable Clock 0..1

	GPIO_PUP_PDN_CNTRL_REG0 = 0xe4 // BCM2711 only, 2 bits per pin

	GPIO_MAX_PIN = 53 // p94
)

// PinFunction is the 3-bit function select code of a pin. See p92.
type PinFunction uint32

const (
	Input  PinFunction = 0
	Output PinFunction = 1
	Alt0   PinFunction = 4
	Alt1   PinFunction = 5
	Alt2   PinFunction = 6
	Alt3   PinFunction = 7
	Alt4   PinFunction = 3
	Alt5   PinFunction = 2
)

var pinFunctionNames = map[PinFunction]string{
	Input:  "in",
	Output: "out",
	Alt0:   "alt0",
	Alt1:   "alt1",
	Alt2:   "alt2",
	Alt3:   "alt3",
	Alt4:   "alt4",
	Alt5:   "alt5",
}

func (f PinFunction) String() string {
	if n, ok := pinFunctionNames[f]; ok {
		return n
	}
	return fmt.Sprintf("PinFunction(%d)", uint32(f))
}

// AltFunction returns the function select code for alternate function n (0-5).
func AltFunction(n int) (PinFunction, error) {
	funcs := []PinFunction{Alt0, Alt1, Alt2, Alt3, Alt4, Alt5}
	if n < 0 || n >= len(funcs) {
		return 0, fmt.Errorf("%d is an invalid alt function", n)
	}
	return funcs[n], nil
}

type PullMode uint

const (
	// See p101. These are GPPUD values
	PullNone PullMode = 0
	PullDown PullMode = 1
	PullUp   PullMode = 2
)

func checkPin(pin int) error {
	if pin < 0 || pin > GPIO_MAX_PIN {
		return &PinError{pin, ErrInvalidPin}
	}
	return nil
}

func (rp *RPi) gpioRegs() (Registers, error) {
	if rp.gpio == nil {
		return nil, fmt.Errorf("GPIO registers: %w", ErrClosed)
	}
	return rp.gpio, nil
}

func fselField(pin int) (uintptr, field) {
	return GPFSEL0 + uintptr(pin/10)*4, field{shift: uint(pin%10) * 3, width: 3}
}

// GPIOSetFunction replaces the function select bits of one pin, leaving the other nine pins in the
// same register alone. The register is the only record of a pin's function.
func (rp *RPi) GPIOSetFunction(pin int, fnc PinFunction) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	regs, err := rp.gpioRegs()
	if err != nil {
		return err
	}
	off, f := fselField(pin)
	old := regs.Read(off)
	glog.V(1).Infof("Changing function of GPIO%d from %v to %v", pin, PinFunction(f.get(old)), fnc)
	regs.Write(off, f.set(old, uint32(fnc)))
	return nil
}

// GPIOFunction reads the current function of a pin.
func (rp *RPi) GPIOFunction(pin int) (PinFunction, error) {
	if err := checkPin(pin); err != nil {
		return 0, err
	}
	regs, err := rp.gpioRegs()
	if err != nil {
		return 0, err
	}
	off, f := fselField(pin)
	return PinFunction(f.get(regs.Read(off))), nil
}

func (rp *RPi) GPIOSetInput(pin int) error {
	return rp.GPIOSetFunction(pin, Input)
}

func (rp *RPi) GPIOSetOutput(pin int, pm PullMode) error {
	err := rp.GPIOSetPull(pin, pm)
	if err != nil {
		return fmt.Errorf("couldn't set pull mode: %w", err)
	}
	err = rp.GPIOSetFunction(pin, Output)
	if err != nil {
		return fmt.Errorf("couldn't set pin as output: %w", err)
	}
	return nil
}

// GPIOSetPin drives an output pin. The level register is checked first and GPSET/GPCLR are only
// written when the level needs to change. Both are write-1 registers, so other pins in the bank
// aren't touched.
func (rp *RPi) GPIOSetPin(pin int, high bool) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	regs, err := rp.gpioRegs()
	if err != nil {
		return err
	}
	bank := uintptr(pin/32) * 4
	bit := uint32(1) << uint(pin%32)
	cur := regs.Read(GPLEV0+bank)&bit != 0
	if cur == high {
		return nil
	}
	if high {
		regs.Write(GPSET0+bank, bit)
	} else {
		regs.Write(GPCLR0+bank, bit)
	}
	return nil
}

func (rp *RPi) GPIOGetPin(pin int) (bool, error) {
	if err := checkPin(pin); err != nil {
		return false, err
	}
	regs, err := rp.gpioRegs()
	if err != nil {
		return false, err
	}
	return regs.Read(GPLEV0+uintptr(pin/32)*4)&(1<<uint(pin%32)) != 0, nil
}

func (rp *RPi) GPIOSetPull(pin int, pm PullMode) error {
	if pm > PullUp {
		return fmt.Errorf("%d is an invalid pull mode", pm)
	}
	if err := checkPin(pin); err != nil {
		return err
	}
	regs, err := rp.gpioRegs()
	if err != nil {
		return err
	}
	if rp.hw.hwType == RPI_HWVER_TYPE_PI4 {
		// BCM2711 swaps up and down relative to GPPUD.
		v := map[PullMode]uint32{PullNone: 0, PullUp: 1, PullDown: 2}[pm]
		off := GPIO_PUP_PDN_CNTRL_REG0 + uintptr(pin/16)*4
		f := field{shift: uint(pin%16) * 2, width: 2}
		regs.Write(off, f.set(regs.Read(off), v))
		return nil
	}

	// See p101 for the description of this procedure.
	regs.Write(GPPUD, uint32(pm))
	time.Sleep(10 * time.Microsecond) // Datasheet says to sleep for 150 cycles after setting pud
	clk := GPPUDCLK0 + uintptr(pin/32)*4
	regs.Write(clk, 1<<uint(pin%32))
	time.Sleep(10 * time.Microsecond) // Datasheet says to sleep for 150 cycles after setting pudclk
	regs.Write(GPPUD, 0)
	regs.Write(clk, 0)
	return nil
}
