// Package device defines the backing-device contract a nexus child opens
// against and a URI-based dispatcher that resolves a
// child's creation URI to a concrete backend: an in-memory loopback device
// for tests (pkg/device/memdev), an NVMe-oF/TCP replica (pkg/device/nvmf),
// or an S3-backed remote replica (pkg/device/s3backed).
//
// Every backend speaks in fixed-size blocks rather than raw byte ranges,
// matching the nexus's LBA-addressed I/O path: channel fan-out, the
// rebuild engine's segment copies, and range locks all operate on block
// offsets and counts, never byte offsets.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// Common errors returned by BlockDevice implementations.
var (
	// ErrNotFound is returned when the backing device/object does not exist.
	ErrNotFound = errors.New("device: backing store not found")

	// ErrClosed is returned when an operation is attempted on a closed device.
	ErrClosed = errors.New("device: closed")

	// ErrOutOfRange is returned when a requested block range exceeds the
	// device's block count.
	ErrOutOfRange = errors.New("device: block range out of bounds")

	// ErrTooSmall is returned by Open when the backing device is smaller
	// than the size the caller requires (ChildTooSmall).
	ErrTooSmall = errors.New("device: backing store smaller than required size")

	// ErrUnsupportedScheme is returned by OpenByURI for an unregistered
	// URI scheme.
	ErrUnsupportedScheme = errors.New("device: unsupported URI scheme")
)

// BlockDevice is the contract a nexus child holds once opened: block-
// granular reads and writes plus the destructive/maintenance operations
// the I/O channel fans write-class bios out to.
type BlockDevice interface {
	// ReadAt reads numBlocks blocks starting at startBlk into buf. buf must
	// be at least numBlocks*BlockLen() bytes.
	ReadAt(ctx context.Context, buf []byte, startBlk, numBlocks uint64) error

	// WriteAt writes buf to numBlocks blocks starting at startBlk. buf must
	// be at least numBlocks*BlockLen() bytes.
	WriteAt(ctx context.Context, buf []byte, startBlk, numBlocks uint64) error

	// UnmapAt marks a block range as no longer containing valid data.
	UnmapAt(ctx context.Context, startBlk, numBlocks uint64) error

	// WriteZeroesAt writes zeroes to a block range, without necessarily
	// transferring a zero-filled buffer over the wire.
	WriteZeroesAt(ctx context.Context, startBlk, numBlocks uint64) error

	// Flush forces any buffered writes to stable storage.
	Flush(ctx context.Context) error

	// BlockLen returns the device's block size in bytes.
	BlockLen() uint32

	// NumBlocks returns the device's capacity in blocks.
	NumBlocks() uint64

	// URI returns the creation URI this device was opened from.
	URI() string

	// Close releases the device's claim. Idempotent.
	Close(ctx context.Context) error
}

// Opener constructs a BlockDevice from a parsed URI. Registered per scheme
// via Register.
type Opener func(ctx context.Context, u *url.URL, parentSize uint64) (BlockDevice, error)

var openers = map[string]Opener{}

// Register associates a URI scheme (e.g. "nvmf", "s3", "mem") with an
// Opener. Backend packages call this from an init function.
func Register(scheme string, open Opener) {
	openers[scheme] = open
}

// OpenByURI resolves uri's scheme to a registered Opener and opens the
// device. Once it is open, OpenByURI compares its capacity with parentSize
// and, when it is smaller, closes it and returns ErrTooSmall.
func OpenByURI(ctx context.Context, uri string, parentSize uint64) (BlockDevice, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("device: parse uri %q: %w", uri, err)
	}

	open, ok := openers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	dev, err := open(ctx, u, parentSize)
	if err != nil {
		return nil, err
	}

	if dev.NumBlocks()*uint64(dev.BlockLen()) < parentSize {
		dev.Close(ctx)
		return nil, ErrTooSmall
	}

	return dev, nil
}
