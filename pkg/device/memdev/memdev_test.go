package memdev

import (
	"context"
	"testing"

	"github.com/nexuscore/nexusd/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevice_WriteAndReadRoundTrip(t *testing.T) {
	d := New("mem://test", 512, 100)
	ctx := context.Background()

	buf := make([]byte, 512*4)
	for i := range buf {
		buf[i] = byte(i % 256)
	}

	require.NoError(t, d.WriteAt(ctx, buf, 10, 4))

	out := make([]byte, 512*4)
	require.NoError(t, d.ReadAt(ctx, out, 10, 4))
	assert.Equal(t, buf, out)
}

func TestDevice_OutOfRange(t *testing.T) {
	d := New("mem://test", 512, 10)
	ctx := context.Background()
	buf := make([]byte, 512)

	err := d.ReadAt(ctx, buf, 9, 2)
	assert.ErrorIs(t, err, device.ErrOutOfRange)
}

func TestDevice_UnmapZeroesRange(t *testing.T) {
	d := New("mem://test", 512, 10)
	ctx := context.Background()

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = 0xFF
	}
	require.NoError(t, d.WriteAt(ctx, buf, 0, 1))
	require.NoError(t, d.UnmapAt(ctx, 0, 1))

	out := make([]byte, 512)
	require.NoError(t, d.ReadAt(ctx, out, 0, 1))
	for _, b := range out {
		assert.Zero(t, b)
	}
}

func TestDevice_ClosedRejectsIO(t *testing.T) {
	d := New("mem://test", 512, 10)
	ctx := context.Background()
	require.NoError(t, d.Close(ctx))

	buf := make([]byte, 512)
	assert.ErrorIs(t, d.ReadAt(ctx, buf, 0, 1), device.ErrClosed)
	assert.ErrorIs(t, d.WriteAt(ctx, buf, 0, 1), device.ErrClosed)
}

func TestOpenByURI_Mem(t *testing.T) {
	ctx := context.Background()
	dev, err := device.OpenByURI(ctx, "mem://loop0", 1024*1024)
	require.NoError(t, err)
	defer dev.Close(ctx)

	assert.GreaterOrEqual(t, dev.NumBlocks()*uint64(dev.BlockLen()), uint64(1024*1024))
}

func TestOpenByURI_UnsupportedScheme(t *testing.T) {
	ctx := context.Background()
	_, err := device.OpenByURI(ctx, "ftp://nope", 1024)
	assert.ErrorIs(t, err, device.ErrUnsupportedScheme)
}
