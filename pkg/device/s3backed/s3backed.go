// Package s3backed pages a nexus child's data through an S3-compatible
// object store. Each device block is stored as its own object, addressed
// by block index under a per-device key prefix; this trades the I/O
// amplification of a real block device for the ability to host a replica
// on commodity object storage, one of the "remote replica" URI schemes a
// nexus child may be opened against, alongside nvmf://.
package s3backed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/nexuscore/nexusd/pkg/device"
)

func init() {
	device.Register("s3", open)
}

// DefaultBlockLen is used when the URI carries no block_size query
// parameter.
const DefaultBlockLen = 4096

func open(ctx context.Context, u *url.URL, parentSize uint64) (device.BlockDevice, error) {
	bucket := u.Host
	prefix := strings.TrimPrefix(u.Path, "/")
	q := u.Query()

	blockLen := uint32(DefaultBlockLen)
	if v := q.Get("block_size"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("s3backed: invalid block_size: %w", err)
		}
		blockLen = uint32(n)
	}

	numBlocks := parentSize / uint64(blockLen)
	if parentSize%uint64(blockLen) != 0 {
		numBlocks++
	}
	if v := q.Get("num_blocks"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("s3backed: invalid num_blocks: %w", err)
		}
		numBlocks = n
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3backed: load aws config: %w", err)
	}

	if ak := q.Get("access_key"); ak != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(ak, q.Get("secret_key"), "")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := q.Get("endpoint"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if q.Get("path_style") == "true" {
			o.UsePathStyle = true
		}
	})

	return &Device{
		uri:       u.String(),
		client:    client,
		bucket:    bucket,
		prefix:    prefix,
		blockLen:  blockLen,
		numBlocks: numBlocks,
	}, nil
}

// Device is an S3-object-paged BlockDevice.
type Device struct {
	mu        sync.Mutex
	uri       string
	client    *s3.Client
	bucket    string
	prefix    string
	blockLen  uint32
	numBlocks uint64
	closed    bool
}

func (d *Device) key(blk uint64) string {
	return fmt.Sprintf("%s/blk-%020d", strings.TrimSuffix(d.prefix, "/"), blk)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// ReadAt implements device.BlockDevice.
func (d *Device) ReadAt(ctx context.Context, buf []byte, startBlk, numBlocks uint64) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return device.ErrClosed
	}
	if startBlk+numBlocks > d.numBlocks {
		return device.ErrOutOfRange
	}

	for i := uint64(0); i < numBlocks; i++ {
		blk := startBlk + i
		dst := buf[i*uint64(d.blockLen) : (i+1)*uint64(d.blockLen)]

		out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(d.key(blk)),
		})
		if err != nil {
			if isNotFound(err) {
				clear(dst)
				continue
			}
			return fmt.Errorf("s3backed: get block %d: %w", blk, err)
		}

		n, err := io.ReadFull(out.Body, dst)
		out.Body.Close()
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("s3backed: read block %d body: %w", blk, err)
		}
		if n < len(dst) {
			clear(dst[n:])
		}
	}
	return nil
}

// WriteAt implements device.BlockDevice.
func (d *Device) WriteAt(ctx context.Context, buf []byte, startBlk, numBlocks uint64) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return device.ErrClosed
	}
	if startBlk+numBlocks > d.numBlocks {
		return device.ErrOutOfRange
	}

	for i := uint64(0); i < numBlocks; i++ {
		blk := startBlk + i
		src := buf[i*uint64(d.blockLen) : (i+1)*uint64(d.blockLen)]

		_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(d.key(blk)),
			Body:   bytes.NewReader(src),
		})
		if err != nil {
			return fmt.Errorf("s3backed: put block %d: %w", blk, err)
		}
	}
	return nil
}

// UnmapAt implements device.BlockDevice by deleting the backing objects,
// so a subsequent read sees zeroes without holding space on the bucket.
func (d *Device) UnmapAt(ctx context.Context, startBlk, numBlocks uint64) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return device.ErrClosed
	}
	if startBlk+numBlocks > d.numBlocks {
		return device.ErrOutOfRange
	}

	for i := uint64(0); i < numBlocks; i++ {
		blk := startBlk + i
		_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(d.key(blk)),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("s3backed: delete block %d: %w", blk, err)
		}
	}
	return nil
}

// WriteZeroesAt implements device.BlockDevice, equivalent to UnmapAt here
// since an absent object already reads back as zeroes.
func (d *Device) WriteZeroesAt(ctx context.Context, startBlk, numBlocks uint64) error {
	return d.UnmapAt(ctx, startBlk, numBlocks)
}

// Flush is a no-op: every WriteAt is already a durable PUT.
func (d *Device) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	return nil
}

// BlockLen implements device.BlockDevice.
func (d *Device) BlockLen() uint32 { return d.blockLen }

// NumBlocks implements device.BlockDevice.
func (d *Device) NumBlocks() uint64 { return d.numBlocks }

// URI implements device.BlockDevice.
func (d *Device) URI() string { return d.uri }

// Close implements device.BlockDevice.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

var _ device.BlockDevice = (*Device)(nil)
