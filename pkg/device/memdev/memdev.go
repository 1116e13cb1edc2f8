// Package memdev provides an in-memory loopback BlockDevice for tests,
// standing in for a real NVMe-oF/TCP or S3-backed child so nexus logic
// (channel fan-out, rebuild, retire) can be exercised without hardware.
package memdev

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/nexuscore/nexusd/pkg/device"
)

func init() {
	device.Register("mem", open)
}

func open(ctx context.Context, u *url.URL, parentSize uint64) (device.BlockDevice, error) {
	blockLen := uint32(512)
	numBlocks := parentSize / uint64(blockLen)
	if parentSize%uint64(blockLen) != 0 {
		numBlocks++
	}
	if numBlocks == 0 {
		numBlocks = 1
	}
	return New(u.String(), blockLen, numBlocks), nil
}

// Device is an in-memory BlockDevice.
type Device struct {
	mu        sync.RWMutex
	uri       string
	blockLen  uint32
	numBlocks uint64
	data      []byte
	closed    bool
}

// New creates a Device with the given capacity, zero-filled.
func New(uri string, blockLen uint32, numBlocks uint64) *Device {
	return &Device{
		uri:       uri,
		blockLen:  blockLen,
		numBlocks: numBlocks,
		data:      make([]byte, uint64(blockLen)*numBlocks),
	}
}

func (d *Device) checkRange(startBlk, numBlocks uint64) (int64, int64, error) {
	if startBlk+numBlocks > d.numBlocks {
		return 0, 0, device.ErrOutOfRange
	}
	off := int64(startBlk) * int64(d.blockLen)
	length := int64(numBlocks) * int64(d.blockLen)
	return off, length, nil
}

// ReadAt implements device.BlockDevice.
func (d *Device) ReadAt(ctx context.Context, buf []byte, startBlk, numBlocks uint64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return device.ErrClosed
	}
	off, length, err := d.checkRange(startBlk, numBlocks)
	if err != nil {
		return err
	}
	if int64(len(buf)) < length {
		return fmt.Errorf("memdev: buffer too small: have %d, need %d", len(buf), length)
	}
	copy(buf[:length], d.data[off:off+length])
	return nil
}

// WriteAt implements device.BlockDevice.
func (d *Device) WriteAt(ctx context.Context, buf []byte, startBlk, numBlocks uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return device.ErrClosed
	}
	off, length, err := d.checkRange(startBlk, numBlocks)
	if err != nil {
		return err
	}
	if int64(len(buf)) < length {
		return fmt.Errorf("memdev: buffer too small: have %d, need %d", len(buf), length)
	}
	copy(d.data[off:off+length], buf[:length])
	return nil
}

// UnmapAt implements device.BlockDevice by zeroing the range.
func (d *Device) UnmapAt(ctx context.Context, startBlk, numBlocks uint64) error {
	return d.WriteZeroesAt(ctx, startBlk, numBlocks)
}

// WriteZeroesAt implements device.BlockDevice.
func (d *Device) WriteZeroesAt(ctx context.Context, startBlk, numBlocks uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return device.ErrClosed
	}
	off, length, err := d.checkRange(startBlk, numBlocks)
	if err != nil {
		return err
	}
	clear(d.data[off : off+length])
	return nil
}

// Flush is a no-op for an in-memory device.
func (d *Device) Flush(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return device.ErrClosed
	}
	return nil
}

// BlockLen implements device.BlockDevice.
func (d *Device) BlockLen() uint32 { return d.blockLen }

// NumBlocks implements device.BlockDevice.
func (d *Device) NumBlocks() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.numBlocks
}

// URI implements device.BlockDevice.
func (d *Device) URI() string { return d.uri }

// Close marks the device closed and releases its backing buffer.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.data = nil
	return nil
}

var _ device.BlockDevice = (*Device)(nil)
