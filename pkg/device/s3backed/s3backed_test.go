package s3backed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nexuscore/nexusd/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 implements just enough of the S3 REST API (GET/PUT/DELETE object)
// for s3backed's Device to exercise against, keyed by request path.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3(t *testing.T) (*httptest.Server, *fakeS3) {
	t.Helper()
	f := &fakeS3{objects: make(map[string][]byte)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			f.objects[r.URL.Path] = body
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			body, ok := f.objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`<Error><Code>NoSuchKey</Code></Error>`))
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write(body)
		case http.MethodDelete:
			delete(f.objects, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))

	t.Cleanup(srv.Close)
	return srv, f
}

func openTestDevice(t *testing.T, srv *httptest.Server, parentSize uint64, extra string) device.BlockDevice {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_REGION", "us-east-1")

	uri := "s3://test-bucket/replica-0?endpoint=" + srv.URL + "&path_style=true&block_size=512" + extra
	dev, err := device.OpenByURI(context.Background(), uri, parentSize)
	require.NoError(t, err)
	return dev
}

func TestDevice_WriteReadRoundTrip(t *testing.T) {
	srv, _ := newFakeS3(t)
	dev := openTestDevice(t, srv, 512*10, "")
	ctx := context.Background()
	defer dev.Close(ctx)

	buf := make([]byte, 512*2)
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, dev.WriteAt(ctx, buf, 3, 2))

	out := make([]byte, 512*2)
	require.NoError(t, dev.ReadAt(ctx, out, 3, 2))
	assert.Equal(t, buf, out)
}

func TestDevice_ReadMissingBlockReturnsZeroes(t *testing.T) {
	srv, _ := newFakeS3(t)
	dev := openTestDevice(t, srv, 512*10, "")
	ctx := context.Background()
	defer dev.Close(ctx)

	out := make([]byte, 512)
	require.NoError(t, dev.ReadAt(ctx, out, 1, 1))
	for _, b := range out {
		assert.Zero(t, b)
	}
}

func TestDevice_UnmapDeletesObject(t *testing.T) {
	srv, _ := newFakeS3(t)
	dev := openTestDevice(t, srv, 512*10, "")
	ctx := context.Background()
	defer dev.Close(ctx)

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = 0xAB
	}
	require.NoError(t, dev.WriteAt(ctx, buf, 0, 1))
	require.NoError(t, dev.UnmapAt(ctx, 0, 1))

	out := make([]byte, 512)
	require.NoError(t, dev.ReadAt(ctx, out, 0, 1))
	for _, b := range out {
		assert.Zero(t, b)
	}
}

func TestDevice_OutOfRange(t *testing.T) {
	srv, _ := newFakeS3(t)
	dev := openTestDevice(t, srv, 512*10, "")
	ctx := context.Background()
	defer dev.Close(ctx)

	buf := make([]byte, 512)
	assert.ErrorIs(t, dev.ReadAt(ctx, buf, 9, 2), device.ErrOutOfRange)
}

func TestDevice_ClosedRejectsIO(t *testing.T) {
	srv, _ := newFakeS3(t)
	dev := openTestDevice(t, srv, 512*10, "")
	ctx := context.Background()
	require.NoError(t, dev.Close(ctx))

	buf := make([]byte, 512)
	assert.ErrorIs(t, dev.ReadAt(ctx, buf, 0, 1), device.ErrClosed)
}
