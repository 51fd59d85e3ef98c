// Package smbus issues SMBus transactions through the Linux i2c-dev
// character devices (/dev/i2c-N).
package smbus

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Bus is the subset of SMBus transfers the rail controllers need.
type Bus interface {
	ReadWordData(addr, reg uint8) (uint16, error)
	WriteWordData(addr, reg uint8, value uint16) error
	WriteByteData(addr, reg, value uint8) error
	Close() error
}

// Opener opens a bus by its numeric id. Tests substitute fakes.
type Opener func(id int, force bool) (Bus, error)

// ioctl numbers and transaction constants from include/uapi/linux/i2c-dev.h
// and include/uapi/linux/i2c.h.
const (
	ioctlSlave      = 0x0703
	ioctlSlaveForce = 0x0706
	ioctlSMBus      = 0x0720

	smbusWrite = 0
	smbusRead  = 1

	sizeByteData = 2
	sizeWordData = 3

	// I2C_SMBUS_BLOCK_MAX + 2
	dataLen = 34
)

// ioctlData mirrors struct i2c_smbus_ioctl_data. The data pointer
// refers to a union i2c_smbus_data.
type ioctlData struct {
	readWrite uint8
	command   uint8
	size      uint32
	data      *[dataLen]byte
}

// Device is an open i2c-dev bus. Selecting the target address and
// issuing the transfer are two ioctls, so transactions are serialized.
type Device struct {
	mu    sync.Mutex
	file  *os.File
	id    int
	force bool
	addr  int
}

// Open opens /dev/i2c-<id>. With force set, I2C_SLAVE_FORCE is used so
// addresses already claimed by a kernel driver (hwmon) can be reached.
func Open(id int, force bool) (Bus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", id)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Device{file: f, id: id, force: force, addr: -1}, nil
}

func (d *Device) ReadWordData(addr, reg uint8) (uint16, error) {
	var buf [dataLen]byte
	if err := d.transfer(addr, smbusRead, reg, sizeWordData, &buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:2]), nil
}

func (d *Device) WriteWordData(addr, reg uint8, value uint16) error {
	var buf [dataLen]byte
	binary.LittleEndian.PutUint16(buf[:2], value)
	return d.transfer(addr, smbusWrite, reg, sizeWordData, &buf)
}

func (d *Device) WriteByteData(addr, reg, value uint8) error {
	var buf [dataLen]byte
	buf[0] = value
	return d.transfer(addr, smbusWrite, reg, sizeByteData, &buf)
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}

func (d *Device) transfer(addr, readWrite, reg uint8, size uint32, buf *[dataLen]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fd := int(d.file.Fd())
	if d.addr != int(addr) {
		req := uint(ioctlSlave)
		if d.force {
			req = ioctlSlaveForce
		}
		if err := unix.IoctlSetInt(fd, req, int(addr)); err != nil {
			return fmt.Errorf("i2c-%d: selecting address %#02x: %w", d.id, addr, err)
		}
		d.addr = int(addr)
	}

	args := ioctlData{
		readWrite: readWrite,
		command:   reg,
		size:      size,
		data:      buf,
	}
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(ioctlSMBus),
		uintptr(unsafe.Pointer(&args)),
	)
	if errno != 0 {
		return fmt.Errorf("i2c-%d: smbus transfer addr %#02x reg %#02x: %w", d.id, addr, reg, errno)
	}
	return nil
}
