package rpi

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

const (
	PAGE_SIZE = 4096 // Theoretically, we could get this via whatever getconf does
	MEM_FILE  = "/dev/mem"
)

// Registers is word-level access to a block of peripheral registers. Offsets are in bytes from the
// start of the block.
type Registers interface {
	Read(offset uintptr) uint32
	Write(offset uintptr, val uint32)
}

// Window is a physical register block mapped into our address space. It is valid from MapWindow until
// Close; any access after Close panics.
type Window struct {
	phys uintptr
	size int
	buf  mmap.MMap
	offs uintptr
}

// MapWindow opens /dev/mem and uses mmap to map a given physical address into our address space.
// Since the mapping has to start at a page boundary, the physical address is rounded down to the
// nearest page boundary and the in-page offset is remembered for later accesses.
func MapWindow(physAddr uintptr, size int) (*Window, error) {
	fd, err := unix.Open(MEM_FILE, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &MapError{physAddr, size, fmt.Errorf("couldn't open %s: %w", MEM_FILE, err)}
	}
	f := os.NewFile(uintptr(fd), MEM_FILE)
	// The mapping survives closing the file.
	defer f.Close()

	pagemask := ^uintptr(PAGE_SIZE - 1)
	mapAddr := physAddr & pagemask
	mapSize := size + int(physAddr-mapAddr)
	glog.V(1).Infof("MapRegion(%s, %d, RDWR, 0, %08X), physAddr %08X", MEM_FILE, mapSize, mapAddr, physAddr)
	mm, err := mmap.MapRegion(f, mapSize, mmap.RDWR, 0, int64(mapAddr))
	if err != nil {
		return nil, &MapError{physAddr, size, err}
	}
	return &Window{
		phys: physAddr,
		size: size,
		buf:  mm,
		offs: physAddr - mapAddr,
	}, nil
}

func (w *Window) reg(offset uintptr) *uint32 {
	if w.buf == nil {
		panic(fmt.Sprintf("access to register %08X: %v", w.phys+offset, ErrClosed))
	}
	if offset+4 > uintptr(w.size) || offset%4 != 0 {
		panic(fmt.Sprintf("register offset %#x outside %d byte window at %08X", offset, w.size, w.phys))
	}
	return (*uint32)(unsafe.Pointer(&w.buf[w.offs+offset]))
}

func (w *Window) Read(offset uintptr) uint32 {
	return atomic.LoadUint32(w.reg(offset))
}

func (w *Window) Write(offset uintptr, val uint32) {
	atomic.StoreUint32(w.reg(offset), val)
}

// Close unmaps the window. Closing an already-closed window returns ErrClosed.
func (w *Window) Close() error {
	if w.buf == nil {
		return ErrClosed
	}
	err := w.buf.Unmap()
	w.buf = nil
	if err != nil {
		return fmt.Errorf("couldn't unmap %08X: %w", w.phys, err)
	}
	return nil
}

func (w *Window) String() string {
	return fmt.Sprintf("window{%08X+%d}", w.phys, w.size)
}
