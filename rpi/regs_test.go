package rpi

import "fmt"

type regWrite struct {
	off uintptr
	val uint32
}

func (w regWrite) String() string {
	return fmt.Sprintf("[%02X]<-%08X", w.off, w.val)
}

// fakeRegs is plain memory that records every write.
type fakeRegs struct {
	mem    map[uintptr]uint32
	writes []regWrite
	reads  int
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{mem: map[uintptr]uint32{}}
}

func (r *fakeRegs) Read(off uintptr) uint32 {
	r.reads++
	return r.mem[off]
}

func (r *fakeRegs) Write(off uintptr, val uint32) {
	r.writes = append(r.writes, regWrite{off, val})
	r.mem[off] = val
}

// simClock behaves like the general purpose clock generators: writes without the password are
// dropped, ENAB sets BUSY, clearing ENAB clears BUSY unless the clock is stubborn, and KILL clears
// BUSY after killReads further reads of CTL.
type simClock struct {
	fakeRegs
	stubborn  bool
	killReads int
	pending   map[uintptr]int
}

func newSimClock() *simClock {
	return &simClock{fakeRegs: *newFakeRegs(), pending: map[uintptr]int{}}
}

func isCtl(off uintptr) bool {
	return off%8 == 0
}

func (s *simClock) Read(off uintptr) uint32 {
	v := s.fakeRegs.Read(off)
	if n, ok := s.pending[off]; ok {
		if n <= 1 {
			delete(s.pending, off)
			s.mem[off] &^= ctlBusy.mask()
		} else {
			s.pending[off] = n - 1
		}
	}
	return v
}

func (s *simClock) Write(off uintptr, val uint32) {
	s.writes = append(s.writes, regWrite{off, val})
	if cmPasswd.get(val) != 0x5a {
		return
	}
	val = cmPasswd.set(val, 0)
	if !isCtl(off) {
		s.mem[off] = val
		return
	}
	busy := s.mem[off] & ctlBusy.mask()
	switch {
	case ctlEnab.get(val) != 0:
		busy = ctlBusy.mask()
		delete(s.pending, off)
	case ctlKill.get(val) != 0:
		if s.killReads == 0 {
			busy = 0
		} else {
			s.pending[off] = s.killReads
		}
	case !s.stubborn:
		busy = 0
	}
	s.mem[off] = (val &^ ctlBusy.mask()) | busy
}

// running puts the generator at off into the enabled and busy state without recording a write.
func (s *simClock) running(off uintptr) {
	s.mem[off] = ctlEnab.mask() | ctlBusy.mask() | ctlSrc.set(0, uint32(SrcOsc))
}

func testOptions() ClockOptions {
	return ClockOptions{GracefulPolls: 3, KillPolls: 50}
}
