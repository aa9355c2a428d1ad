package rpi

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang/glog"
)

// The mailbox is documented at
// https://github.com/raspberrypi/firmware/wiki/Mailbox-property-interface

const (
	VIDEOCORE_MAJOR_NUM = 100
	VCIO_FILE           = "/dev/vcio"

	MBOX_TAG_BOARD_REVISION = 0x00010002
	MBOX_REQUEST            = 0x00000000
	MBOX_RESPONSE_OK        = 0x80000000
)

type mailbox struct {
	f *os.File
}

func mboxOpen() (*mailbox, error) {
	f, err := os.OpenFile(VCIO_FILE, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("couldn't open %s: %w", VCIO_FILE, err)
	}
	return &mailbox{f}, nil
}

func (mb *mailbox) Close() error {
	if mb.f == nil {
		return errors.New("mailbox not open")
	}
	err := mb.f.Close()
	mb.f = nil
	return err
}

// property uses ioctl to send a property message via the mailbox. The firmware writes its
// response into the same buffer.
func (mb *mailbox) property(buf []uint32) error {
	if mb.f == nil {
		return errors.New("mailbox not open")
	}
	err := ioctlArrUint32(mb.f.Fd(), iowrPtr(VIDEOCORE_MAJOR_NUM, 0), buf)
	if err != nil {
		return fmt.Errorf("failed ioctl mbox property: %w", err)
	}
	return nil
}

// boardRevision asks the firmware for the board revision code, the same value found in
// /proc/device-tree/system/linux,revision.
func (mb *mailbox) boardRevision() (uint32, error) {
	p := []uint32{
		0,                       // size, filled below
		MBOX_REQUEST,            // process request
		MBOX_TAG_BOARD_REVISION, // tag ID
		4,                       // size of the tag value buffer
		0,                       // request/response code
		0,                       // value: revision
		0,                       // no more tags
	}
	p[0] = uint32(len(p) * 4)
	err := mb.property(p)
	if err != nil {
		return 0, err
	}
	if p[1] != MBOX_RESPONSE_OK {
		return 0, fmt.Errorf("mailbox request failed: %08X", p[1])
	}
	if p[4]&MBOX_RESPONSE_OK == 0 {
		return 0, fmt.Errorf("response tag unset: %v", p[4])
	}
	glog.V(1).Infof("Mailbox board revision %08X", p[5])
	return p[5], nil
}
