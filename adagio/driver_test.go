package adagio

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cburgoyne/adagio/rpi"
	"periph.io/x/conn/v3/physic"
)

// memRegs is plain register memory. BUSY never sets, so clocks always stop gracefully.
// Bits in strip aren't stored, which keeps the clock manager password out of the readback.
type memRegs struct {
	mem    map[uintptr]uint32
	strip  uint32
	writes int
}

func newMemRegs(strip uint32) *memRegs {
	return &memRegs{mem: map[uintptr]uint32{}, strip: strip}
}

func (r *memRegs) Read(off uintptr) uint32 {
	return r.mem[off]
}

func (r *memRegs) Write(off uintptr, val uint32) {
	r.writes++
	r.mem[off] = val &^ r.strip
}

type levelChange struct {
	value int
	at    time.Time
}

type fakeLine struct {
	name    string
	log     *[]string
	changes []levelChange
	closed  bool
	err     error
}

func (l *fakeLine) SetValue(v int) error {
	if l.err != nil {
		return l.err
	}
	l.changes = append(l.changes, levelChange{v, time.Now()})
	if l.log != nil {
		*l.log = append(*l.log, l.name+"="+string(rune('0'+v)))
	}
	return nil
}

func (l *fakeLine) Close() error {
	l.closed = true
	if l.log != nil {
		*l.log = append(*l.log, l.name+" closed")
	}
	return nil
}

func (l *fakeLine) values() []int {
	var v []int
	for _, c := range l.changes {
		v = append(v, c.value)
	}
	return v
}

type fakeFramework struct {
	log         *[]string
	registerErr error
	cards       []*Card
}

func (f *fakeFramework) RegisterCard(c *Card) error {
	*f.log = append(*f.log, "register")
	if f.registerErr != nil {
		return f.registerErr
	}
	f.cards = append(f.cards, c)
	return nil
}

func (f *fakeFramework) UnregisterCard(c *Card) error {
	*f.log = append(*f.log, "unregister")
	f.cards = nil
	return nil
}

type fakeDAI struct {
	ratio  uint
	sysclk physic.Frequency
	err    error
}

func (d *fakeDAI) SetBCLKRatio(ratio uint) error {
	if d.err != nil {
		return d.err
	}
	d.ratio = ratio
	return nil
}

func (d *fakeDAI) SetSysclk(clkID int, freq physic.Frequency, dir int) error {
	if d.err != nil {
		return d.err
	}
	d.sysclk = freq
	return nil
}

type testBoard struct {
	log   []string
	gpio  *memRegs
	clk   *memRegs
	mute  *fakeLine
	reset *fakeLine
	fw    *fakeFramework
	d     *Driver
}

func newTestBoard(oscillator bool) *testBoard {
	b := &testBoard{gpio: newMemRegs(0), clk: newMemRegs(rpi.CM_PASSWD)}
	b.mute = &fakeLine{name: "mute", log: &b.log}
	b.reset = &fakeLine{name: "reset", log: &b.log}
	b.fw = &fakeFramework{log: &b.log}
	rp := rpi.NewRPiWithRegisters(b.gpio, b.clk, rpi.ClockOptions{})
	cfg := DefaultConfig()
	cfg.Oscillator = oscillator
	b.d = New(cfg, rp, b.mute, b.reset)
	return b
}

func (b *testBoard) divider() rpi.Divider {
	div := b.clk.mem[rpi.CM_GP0DIV]
	ctl := b.clk.mem[rpi.CM_GP0CTL]
	return rpi.Divider{DivI: int(div >> 12 & 0xfff), DivF: int(div & 0xfff), MASH: int(ctl >> 9 & 3)}
}

func TestProbeStartsClockAndResets(t *testing.T) {
	b := newTestBoard(true)
	if err := b.d.Probe(b.fw); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got, want := b.divider(), (rpi.Divider{DivI: 88, DivF: 2363, MASH: 1}); got != want {
		t.Errorf("divider: got %v, want %v", got, want)
	}
	ctl := b.clk.mem[rpi.CM_GP0CTL]
	if ctl&0x10 == 0 || rpi.ClockSource(ctl&0xf) != rpi.SrcPLLC {
		t.Errorf("CTL %08X: want enabled from PLLC", ctl)
	}
	if fsel := b.gpio.mem[rpi.GPFSEL0] >> 12 & 7; fsel != uint32(rpi.Alt0) {
		t.Errorf("GPIO4 function %d, want ALT0", fsel)
	}
	if got := strings.Join(b.log, ","); got != "reset=1,reset=0,register" {
		t.Errorf("Probe did %s", got)
	}
	if len(b.fw.cards) != 1 || b.fw.cards[0] != b.d.Card() {
		t.Errorf("card not registered")
	}
	if s := b.d.Status(); !strings.Contains(s, "rate 44100") || !strings.Contains(s, "GPCLK0") {
		t.Errorf("Status: %q", s)
	}
}

func TestResetPulse(t *testing.T) {
	b := newTestBoard(false)
	b.d.cfg.ResetHold = time.Millisecond
	if err := b.d.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	c := b.reset.changes
	if len(c) != 2 || c[0].value != 1 || c[1].value != 0 {
		t.Fatalf("got %v, want 1 then 0", b.reset.values())
	}
	if held := c[1].at.Sub(c[0].at); held < time.Millisecond {
		t.Errorf("reset held %v", held)
	}
}

func TestProbeWithoutOscillatorLeavesClockAlone(t *testing.T) {
	b := newTestBoard(false)
	if err := b.d.Probe(b.fw); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if b.clk.writes != 0 || b.gpio.writes != 0 {
		t.Errorf("%d clock and %d GPIO writes", b.clk.writes, b.gpio.writes)
	}
	if s := b.d.Status(); !strings.Contains(s, "external") {
		t.Errorf("Status: %q", s)
	}
}

func TestProbeWithRunningClock(t *testing.T) {
	b := newTestBoard(true)
	b.clk.mem[rpi.CM_GP0CTL] = 0x90 // ENAB|BUSY
	if err := b.d.Probe(b.fw); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if b.clk.writes != 0 {
		t.Errorf("someone else's clock was written %d times", b.clk.writes)
	}
	if !strings.Contains(strings.Join(b.log, ","), "register") {
		t.Errorf("card not registered: %v", b.log)
	}
}

func TestProbeRegisterFailure(t *testing.T) {
	b := newTestBoard(true)
	b.fw.registerErr = errors.New("no i2s")
	err := b.d.Probe(b.fw)
	if !errors.Is(err, b.fw.registerErr) {
		t.Fatalf("Probe: got %v", err)
	}
	if !b.mute.closed || !b.reset.closed {
		t.Errorf("lines not released")
	}
	if ctl := b.clk.mem[rpi.CM_GP0CTL]; ctl&0x10 != 0 {
		t.Errorf("clock left enabled: %08X", ctl)
	}
	if err := b.d.Remove(b.fw); err != nil {
		t.Errorf("Remove after failed Probe: %v", err)
	}
	if strings.Contains(strings.Join(b.log, ","), "unregister") {
		t.Errorf("unregistered a card that was never registered")
	}
}

func TestRemove(t *testing.T) {
	b := newTestBoard(true)
	if err := b.d.Probe(b.fw); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	b.log = nil
	if err := b.d.Remove(b.fw); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := strings.Join(b.log, ","); got != "unregister,mute closed,reset closed" {
		t.Errorf("Remove did %s", got)
	}
	if ctl := b.clk.mem[rpi.CM_GP0CTL]; ctl&0x10 != 0 {
		t.Errorf("clock left enabled: %08X", ctl)
	}
	if fsel := b.gpio.mem[rpi.GPFSEL0] >> 12 & 7; fsel != uint32(rpi.Input) {
		t.Errorf("GPIO4 function %d, want input", fsel)
	}
}

func TestHWParams(t *testing.T) {
	tests := []struct {
		rate int
		div  rpi.Divider
		mclk physic.Frequency
	}{
		{32000, rpi.Divider{DivI: 122, DivF: 288, MASH: 1}, 8192 * physic.KiloHertz},
		{48000, rpi.Divider{DivI: 81, DivF: 1557, MASH: 1}, 12288 * physic.KiloHertz},
		{88200, rpi.Divider{DivI: 44, DivF: 1181, MASH: 1}, 22579200 * physic.Hertz},
		{96000, rpi.Divider{DivI: 40, DivF: 2826, MASH: 1}, 24576 * physic.KiloHertz},
		{44100, rpi.Divider{DivI: 88, DivF: 2363, MASH: 1}, 11289600 * physic.Hertz},
	}
	b := newTestBoard(true)
	if err := b.d.Probe(b.fw); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	for _, test := range tests {
		cpu, codec := &fakeDAI{}, &fakeDAI{}
		if err := b.d.HWParams(test.rate, cpu, codec); err != nil {
			t.Errorf("HWParams(%d): %v", test.rate, err)
			continue
		}
		if got := b.divider(); got != test.div {
			t.Errorf("HWParams(%d): divider %v, want %v", test.rate, got, test.div)
		}
		if cpu.ratio != 64 || codec.sysclk != test.mclk {
			t.Errorf("HWParams(%d): ratio %d sysclk %v", test.rate, cpu.ratio, codec.sysclk)
		}
	}
}

func TestHWParamsUnknownRate(t *testing.T) {
	b := newTestBoard(true)
	if err := b.d.Probe(b.fw); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	writes := b.clk.writes
	cpu, codec := &fakeDAI{}, &fakeDAI{}
	if err := b.d.HWParams(22050, cpu, codec); err != nil {
		t.Errorf("HWParams(22050): %v", err)
	}
	if b.clk.writes != writes {
		t.Errorf("clock written for a rate without a profile")
	}
	if cpu.ratio != 0 || codec.sysclk != 0 {
		t.Errorf("DAIs configured for a rate without a profile")
	}
	if got, want := b.divider(), (rpi.Divider{DivI: 88, DivF: 2363, MASH: 1}); got != want {
		t.Errorf("divider: got %v, want %v", got, want)
	}
}

func TestHWParamsDAIErrors(t *testing.T) {
	b := newTestBoard(false)
	fail := errors.New("rejected")
	if err := b.d.HWParams(48000, &fakeDAI{err: fail}, &fakeDAI{}); !errors.Is(err, fail) {
		t.Errorf("BCLK ratio: got %v", err)
	}
	codec := &fakeDAI{err: fail}
	if err := b.d.HWParams(48000, &fakeDAI{}, codec); !errors.Is(err, fail) {
		t.Errorf("SYSCLK: got %v", err)
	}
}

func TestBiasLevelMute(t *testing.T) {
	b := newTestBoard(false)
	steps := []struct {
		level BiasLevel
		mute  []int
	}{
		{BiasStandby, nil},
		{BiasPrepare, []int{0}},
		{BiasOn, []int{0}},
		{BiasPrepare, []int{0}},
		{BiasStandby, []int{0, 1}},
		{BiasOff, []int{0, 1}},
		{BiasPrepare, []int{0, 1}},
		{BiasStandby, []int{0, 1, 1}},
	}
	for i, s := range steps {
		if err := b.d.SetBiasLevel(s.level); err != nil {
			t.Fatalf("step %d: SetBiasLevel(%v): %v", i, s.level, err)
		}
		got := b.mute.values()
		if len(got) != len(s.mute) {
			t.Fatalf("step %d: %v: mute %v, want %v", i, s.level, got, s.mute)
		}
		for j := range got {
			if got[j] != s.mute[j] {
				t.Fatalf("step %d: %v: mute %v, want %v", i, s.level, got, s.mute)
			}
		}
	}
}

func TestBiasLevelWithoutMuteLine(t *testing.T) {
	d := New(DefaultConfig(), nil, nil, nil)
	for _, l := range []BiasLevel{BiasStandby, BiasPrepare, BiasStandby} {
		if err := d.SetBiasLevel(l); err != nil {
			t.Errorf("SetBiasLevel(%v): %v", l, err)
		}
	}
	if err := d.Reset(); err != nil {
		t.Errorf("Reset: %v", err)
	}
}

func TestParseBiasLevel(t *testing.T) {
	for _, l := range []BiasLevel{BiasOff, BiasStandby, BiasPrepare, BiasOn} {
		got, err := ParseBiasLevel(strings.ToLower(l.String()))
		if err != nil || got != l {
			t.Errorf("ParseBiasLevel(%v): got %v, %v", l, got, err)
		}
	}
	if _, err := ParseBiasLevel("loud"); err == nil {
		t.Errorf("ParseBiasLevel accepted loud")
	}
}

func TestRawLine(t *testing.T) {
	gpio := newMemRegs(0)
	rp := rpi.NewRPiWithRegisters(gpio, nil, rpi.ClockOptions{})

	l, err := NewRawLine(rp, 17, 1, false)
	if err != nil {
		t.Fatalf("NewRawLine: %v", err)
	}
	if f, _ := rp.GPIOFunction(17); f != rpi.Output {
		t.Errorf("GPIO17 is %v, want output", f)
	}
	if gpio.mem[rpi.GPSET0] != 1<<17 {
		t.Errorf("GPSET0 %08X", gpio.mem[rpi.GPSET0])
	}
	gpio.mem[rpi.GPLEV0] = 1 << 17
	if err := l.SetValue(0); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if gpio.mem[rpi.GPCLR0] != 1<<17 {
		t.Errorf("GPCLR0 %08X", gpio.mem[rpi.GPCLR0])
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f, _ := rp.GPIOFunction(17); f != rpi.Input {
		t.Errorf("GPIO17 is %v after Close, want input", f)
	}

	// Active low: asserting drives the pin low.
	gpio.mem[rpi.GPLEV0] = 1 << 22
	if _, err := NewRawLine(rp, 22, 1, true); err != nil {
		t.Fatalf("NewRawLine: %v", err)
	}
	if gpio.mem[rpi.GPCLR0] != 1<<22 {
		t.Errorf("GPCLR0 %08X, want pin 22 cleared", gpio.mem[rpi.GPCLR0])
	}

	if _, err := NewRawLine(rp, 54, 0, false); !errors.Is(err, rpi.ErrInvalidPin) {
		t.Errorf("NewRawLine(54): got %v", err)
	}
}
