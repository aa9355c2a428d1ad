package rpi

// field describes a bitfield inside a 32-bit register.
type field struct {
	shift uint
	width uint
}

func (f field) mask() uint32 {
	return ((1 << f.width) - 1) << f.shift
}

func (f field) get(reg uint32) uint32 {
	return (reg & f.mask()) >> f.shift
}

// set returns reg with the field replaced by val. Bits of val beyond the field width are dropped.
func (f field) set(reg uint32, val uint32) uint32 {
	return (reg &^ f.mask()) | ((val << f.shift) & f.mask())
}

func (f field) max() uint32 {
	return (1 << f.width) - 1
}
