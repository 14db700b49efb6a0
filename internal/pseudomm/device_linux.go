//go:build linux

package pseudomm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl command numbers, matching pseudo_mm_ioctl.h.
const (
	iocCreate  uintptr = 0x80081c01
	iocAddMap  uintptr = 0x40381c03
	iocSetupPt uintptr = 0x40301c04
	iocAttach  uintptr = 0x40081c05
)

// Field order and padding must match the kernel module's param structs.
type addMapParam struct {
	id     int32
	_      [4]byte
	start  uint64
	end    uint64
	prot   uint64
	flags  uint64
	fd     int32
	_      [4]byte
	offset int64
}

type setupPtParam struct {
	id     int32
	_      [4]byte
	start  uint64
	size   uint64
	pgoff  uint64
	ptType uint32
	_      [4]byte
	flags  uint64
}

type attachParam struct {
	pid int32
	id  int32
}

// Client drives the pseudo_mm character device.
type Client struct {
	devicePath string
	pageSize   uint64
}

// NewClient verifies the device is present and usable. A missing module is a
// startup error for the whole run, so this fails eagerly.
func NewClient(devicePath string, pageSize uint64) (*Client, error) {
	device, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open pseudo_mm device %s: %w", devicePath, err)
	}

	if err := device.Close(); err != nil {
		return nil, fmt.Errorf("failed to close pseudo_mm device: %w", err)
	}

	return &Client{devicePath: devicePath, pageSize: pageSize}, nil
}

func (c *Client) ioctl(request uintptr, argp unsafe.Pointer) error {
	device, err := os.OpenFile(c.devicePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open pseudo_mm device %s: %w", c.devicePath, err)
	}
	defer device.Close()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, device.Fd(), request, uintptr(argp))
	if errno != 0 {
		return errno
	}

	return nil
}

func (c *Client) Reserve(desiredBase *uint64) (Reservation, error) {
	base := DefaultBase
	if desiredBase != nil {
		if *desiredBase%c.pageSize != 0 {
			return Reservation{}, fmt.Errorf("requested base 0x%x is not page aligned", *desiredBase)
		}

		base = *desiredBase
	}

	var id int32
	if err := c.ioctl(iocCreate, unsafe.Pointer(&id)); err != nil {
		return Reservation{}, fmt.Errorf("failed to create pseudo_mm instance: %w", err)
	}

	return Reservation{ID: id, Base: base}, nil
}

func (c *Client) AddMapping(id int32, start, end uint64) error {
	param := addMapParam{
		id:     id,
		start:  start,
		end:    end,
		prot:   uint64(unix.PROT_READ | unix.PROT_WRITE),
		flags:  uint64(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED),
		fd:     -1,
		offset: 0,
	}

	if err := c.ioctl(iocAddMap, unsafe.Pointer(&param)); err != nil {
		return fmt.Errorf("failed to add mapping [0x%x, 0x%x) to pseudo_mm %d: %w", start, end, id, err)
	}

	return nil
}

func (c *Client) SetupPageTable(id int32, start, size, poolPageOffset uint64) error {
	param := setupPtParam{
		id:     id,
		start:  start,
		size:   size,
		pgoff:  poolPageOffset,
		ptType: RdmaMem,
	}

	if err := c.ioctl(iocSetupPt, unsafe.Pointer(&param)); err != nil {
		return fmt.Errorf("failed to set up page table for pseudo_mm %d at 0x%x: %w", id, start, err)
	}

	return nil
}

// Attach binds the instance to a running process. Used by the restore binder,
// not by template creation.
func (c *Client) Attach(pid, id int32) error {
	param := attachParam{pid: pid, id: id}

	if err := c.ioctl(iocAttach, unsafe.Pointer(&param)); err != nil {
		return fmt.Errorf("failed to attach pseudo_mm %d to pid %d: %w", id, pid, err)
	}

	return nil
}
