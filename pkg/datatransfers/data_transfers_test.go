package datatransfers_test

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pg-sharding/rcopy/pkg/config"
	"github.com/pg-sharding/rcopy/pkg/datatransfers"
	mockstore "github.com/pg-sharding/rcopy/pkg/mock/store"
	"github.com/pg-sharding/rcopy/pkg/models/rerror"
	"github.com/pg-sharding/rcopy/pkg/progress"
	"github.com/pg-sharding/rcopy/pkg/store"
	"github.com/pg-sharding/rcopy/pkg/store/storetest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/mock/gomock"
)

func newServer(t *testing.T) *storetest.Server {
	t.Helper()
	srv, err := storetest.NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dial(t *testing.T, srv *storetest.Server) store.Client {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	d := &store.RedisDialer{
		Endpoint: config.Endpoint{
			Host: host,
			Port: p,
			TLS:  &config.TLSConfig{SslMode: "disable"},
		},
		Timeout: 2 * time.Second,
	}
	cl, err := d.Dial(context.Background(), srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

// pages serves keys from a mocked SCAN in pages of size per call.
func pages(keys []string, size int) func(context.Context, uint64, int64) ([]string, uint64, error) {
	return func(_ context.Context, cursor uint64, _ int64) ([]string, uint64, error) {
		start := int(cursor)
		end := start + size
		if end >= len(keys) {
			return keys[start:], 0, nil
		}
		return keys[start:end], uint64(end), nil
	}
}

func keyNames(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key:%04d", i)
	}
	return keys
}

func TestJobCopiesEveryKey(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	src := newServer(t)
	dst := newServer(t)
	for i, key := range keyNames(250) {
		ttl := time.Duration(0)
		if i%10 == 0 {
			ttl = time.Hour
		}
		src.Set(0, key, "value-"+key, ttl)
	}

	tracker := progress.NewTracker()
	job := datatransfers.NewJob(src.Addr(), dial(t, src), dial(t, dst), tracker, datatransfers.Options{
		Workers:   8,
		ScanCount: 20,
		MaxPasses: 1,
	})

	res, err := job.Run(context.Background())
	require.NoError(err)

	assert.Equal(int64(250), res.KeysCopied)
	assert.Equal(int64(250), res.KeysExpected)
	assert.Equal(int64(0), res.KeysSkipped)
	assert.Equal(int64(0), res.KeysVanished)
	assert.Equal(1, res.Passes)
	assert.Equal(250, dst.Len(0))
	assert.True(job.Done())
	assert.Equal(int64(0), job.Outstanding())

	value, ttl, ok := dst.Get(0, "key:0010")
	require.True(ok)
	assert.Equal("value-key:0010", value)
	assert.Greater(ttl, 59*time.Minute)

	_, ttl, ok = dst.Get(0, "key:0011")
	require.True(ok)
	assert.Equal(time.Duration(0), ttl)

	percent, ok := tracker.Get(src.Addr())
	require.True(ok)
	assert.Equal(100.0, percent)
	assert.NotZero(res.Latency.Max)
}

func TestJobEmptySourceCompletes(t *testing.T) {
	src := newServer(t)
	dst := newServer(t)
	tracker := progress.NewTracker()

	job := datatransfers.NewJob("empty", dial(t, src), dial(t, dst), tracker, datatransfers.Options{})
	res, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.KeysCopied)
	assert.Equal(t, 0, dst.Len(0))
	percent, _ := tracker.Get("empty")
	assert.Equal(t, 100.0, percent)
}

func TestJobLeavesExistingKeysUntouched(t *testing.T) {
	assert := assert.New(t)

	src := newServer(t)
	dst := newServer(t)
	src.Set(0, "a", "new", 0)
	src.Set(0, "b", "new", 0)
	dst.Set(0, "a", "old", 0)

	job := datatransfers.NewJob("s", dial(t, src), dial(t, dst), nil, datatransfers.Options{Workers: 2})
	res, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(int64(2), res.KeysCopied)
	assert.Equal(int64(1), res.KeysSkipped)

	value, _, _ := dst.Get(0, "a")
	assert.Equal("old", value)
	value, _, _ = dst.Get(0, "b")
	assert.Equal("new", value)
}

func TestJobRerunKeepsDestination(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	src := newServer(t)
	dst := newServer(t)
	src.Set(0, "a", "new", 0)
	src.Set(0, "b", "new", time.Hour)
	dst.Set(0, "a", "old", 30*time.Minute)

	source := dial(t, src)
	dest := dial(t, dst)
	opts := datatransfers.Options{Workers: 2, MaxPasses: 1}

	first, err := datatransfers.NewJob("s", source, dest, nil, opts).Run(context.Background())
	require.NoError(err)
	assert.Equal(int64(2), first.KeysCopied)
	assert.Equal(int64(1), first.KeysSkipped)

	value, ttl, ok := dst.Get(0, "a")
	require.True(ok)
	assert.Equal("old", value)
	assert.LessOrEqual(ttl, 30*time.Minute)
	assert.Greater(ttl, 29*time.Minute)

	second, err := datatransfers.NewJob("s", source, dest, nil, opts).Run(context.Background())
	require.NoError(err)
	assert.Equal(int64(2), second.KeysCopied)
	assert.Equal(int64(2), second.KeysSkipped)

	value, ttl, ok = dst.Get(0, "a")
	require.True(ok)
	assert.Equal("old", value)
	assert.LessOrEqual(ttl, 30*time.Minute)
	assert.Greater(ttl, 29*time.Minute)

	value, ttl, ok = dst.Get(0, "b")
	require.True(ok)
	assert.Equal("new", value)
	assert.LessOrEqual(ttl, time.Hour)
	assert.Greater(ttl, 59*time.Minute)
	assert.Equal(2, dst.Len(0))
}

func TestJobOverwriteReplacesKeys(t *testing.T) {
	src := newServer(t)
	dst := newServer(t)
	src.Set(0, "a", "new", 0)
	dst.Set(0, "a", "old", 0)

	job := datatransfers.NewJob("s", dial(t, src), dial(t, dst), nil, datatransfers.Options{Overwrite: true})
	res, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.KeysSkipped)
	value, _, _ := dst.Get(0, "a")
	assert.Equal(t, "new", value)
}

func TestJobDestinationFailureIsFatal(t *testing.T) {
	src := newServer(t)
	dst := newServer(t)
	for _, key := range keyNames(50) {
		src.Set(0, key, "v", 0)
	}
	dst.Fail("restore", "ERR out of memory")

	job := datatransfers.NewJob("s", dial(t, src), dial(t, dst), nil, datatransfers.Options{Workers: 4, ScanCount: 10})
	_, err := job.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, rerror.RCOPY_TRANSFER_ERROR, rerror.Code(err))
	assert.Contains(t, err.Error(), "out of memory")
	assert.False(t, job.Done())
	assert.Equal(t, int64(0), job.Outstanding())
}

func TestJobScanFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mockstore.NewMockClient(ctrl)
	dest := mockstore.NewMockClient(ctrl)

	source.EXPECT().KeyCount(gomock.Any()).Return(int64(10), nil)
	source.EXPECT().Scan(gomock.Any(), uint64(0), gomock.Any()).Return(nil, uint64(0), errors.New("connection reset"))

	job := datatransfers.NewJob("s", source, dest, nil, datatransfers.Options{})
	_, err := job.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, rerror.RCOPY_TRANSFER_ERROR, rerror.Code(err))
}

func TestJobVanishedKeys(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mockstore.NewMockClient(ctrl)
	dest := mockstore.NewMockClient(ctrl)

	source.EXPECT().KeyCount(gomock.Any()).Return(int64(3), nil)
	source.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(pages([]string{"gone-ttl", "gone-dump", "kept"}, 3))

	source.EXPECT().TTL(gomock.Any(), "gone-ttl").Return(time.Duration(0), store.ErrKeyNotFound)
	source.EXPECT().TTL(gomock.Any(), "gone-dump").Return(store.NoExpiry, nil)
	source.EXPECT().Dump(gomock.Any(), "gone-dump").Return(nil, store.ErrKeyNotFound)
	source.EXPECT().TTL(gomock.Any(), "kept").Return(time.Minute, nil)
	source.EXPECT().Dump(gomock.Any(), "kept").Return([]byte("payload"), nil)
	dest.EXPECT().Restore(gomock.Any(), "kept", time.Minute, []byte("payload"), false).Return(true, nil)

	job := datatransfers.NewJob("s", source, dest, nil, datatransfers.Options{MaxPasses: 1})
	res, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.KeysCopied)
	assert.Equal(t, int64(2), res.KeysVanished)
}

func TestJobWithoutKeyCount(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mockstore.NewMockClient(ctrl)
	dest := mockstore.NewMockClient(ctrl)
	tracker := progress.NewTracker()

	source.EXPECT().KeyCount(gomock.Any()).Return(int64(0), errors.New("ERR unknown command 'INFO'"))
	source.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(pages(keyNames(5), 2)).Times(3)
	source.EXPECT().TTL(gomock.Any(), gomock.Any()).Return(store.NoExpiry, nil).Times(5)
	source.EXPECT().Dump(gomock.Any(), gomock.Any()).Return([]byte("p"), nil).Times(5)
	dest.EXPECT().Restore(gomock.Any(), gomock.Any(), store.NoExpiry, []byte("p"), false).
		DoAndReturn(func(context.Context, string, time.Duration, []byte, bool) (bool, error) {
			percent, _ := tracker.Get("s")
			assert.Equal(t, 0.0, percent)
			return true, nil
		}).Times(5)

	job := datatransfers.NewJob("s", source, dest, tracker, datatransfers.Options{MaxPasses: 1})
	res, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(5), res.KeysCopied)
	assert.Equal(t, int64(0), res.KeysExpected)
	percent, _ := tracker.Get("s")
	assert.Equal(t, 100.0, percent)
}

func TestJobStaleKeyCountClampsProgress(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mockstore.NewMockClient(ctrl)
	dest := mockstore.NewMockClient(ctrl)
	tracker := progress.NewTracker()

	var last atomic.Float64
	source.EXPECT().KeyCount(gomock.Any()).Return(int64(4), nil)
	source.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(pages(keyNames(20), 20))
	source.EXPECT().TTL(gomock.Any(), gomock.Any()).Return(store.NoExpiry, nil).AnyTimes()
	source.EXPECT().Dump(gomock.Any(), gomock.Any()).Return([]byte("p"), nil).AnyTimes()
	dest.EXPECT().Restore(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, time.Duration, []byte, bool) (bool, error) {
			percent, _ := tracker.Get("s")
			assert.LessOrEqual(t, percent, 100.0)
			assert.GreaterOrEqual(t, percent, last.Load())
			last.Store(percent)
			return true, nil
		}).Times(20)

	job := datatransfers.NewJob("s", source, dest, tracker, datatransfers.Options{Workers: 1, MaxPasses: 1})
	res, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.KeysCopied)
}

func TestJobBoundsConcurrency(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mockstore.NewMockClient(ctrl)
	dest := mockstore.NewMockClient(ctrl)

	var inFlight, peak atomic.Int64
	source.EXPECT().KeyCount(gomock.Any()).Return(int64(100), nil)
	source.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(pages(keyNames(100), 7)).AnyTimes()
	source.EXPECT().TTL(gomock.Any(), gomock.Any()).Return(store.NoExpiry, nil).AnyTimes()
	source.EXPECT().Dump(gomock.Any(), gomock.Any()).Return([]byte("p"), nil).AnyTimes()
	dest.EXPECT().Restore(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, time.Duration, []byte, bool) (bool, error) {
			n := inFlight.Inc()
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Dec()
			return true, nil
		}).Times(100)

	job := datatransfers.NewJob("s", source, dest, nil, datatransfers.Options{Workers: 4})
	res, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(100), res.KeysCopied)
	assert.LessOrEqual(t, peak.Load(), int64(4))
}

func TestJobPasses(t *testing.T) {
	tests := []struct {
		name       string
		maxPasses  int
		newUntil   int
		wantPasses int
	}{
		{name: "single pass", maxPasses: 1, newUntil: 10, wantPasses: 1},
		{name: "bounded", maxPasses: 3, newUntil: 10, wantPasses: 3},
		{name: "unbounded stops when nothing is new", maxPasses: 0, newUntil: 2, wantPasses: 3},
		{name: "bound above last new pass", maxPasses: 5, newUntil: 1, wantPasses: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			source := mockstore.NewMockClient(ctrl)
			dest := mockstore.NewMockClient(ctrl)

			// every pass returns the keys of the previous passes plus one
			// new key until newUntil passes ran
			scans := 0
			source.EXPECT().KeyCount(gomock.Any()).Return(int64(1), nil)
			source.EXPECT().Scan(gomock.Any(), uint64(0), gomock.Any()).
				DoAndReturn(func(context.Context, uint64, int64) ([]string, uint64, error) {
					scans++
					n := scans
					if n > tt.newUntil {
						n = tt.newUntil
					}
					return keyNames(n), 0, nil
				}).Times(tt.wantPasses)
			source.EXPECT().TTL(gomock.Any(), gomock.Any()).Return(store.NoExpiry, nil).AnyTimes()
			source.EXPECT().Dump(gomock.Any(), gomock.Any()).Return([]byte("p"), nil).AnyTimes()
			dest.EXPECT().Restore(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), false).Return(true, nil).AnyTimes()

			job := datatransfers.NewJob("s", source, dest, nil, datatransfers.Options{MaxPasses: tt.maxPasses})
			res, err := job.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantPasses, res.Passes)
			assert.Equal(t, int64(min(tt.wantPasses, tt.newUntil)), res.KeysCopied)
		})
	}
}

func TestJobRescanOfStaticSourceTerminates(t *testing.T) {
	src := newServer(t)
	dst := newServer(t)
	for _, key := range keyNames(30) {
		src.Set(0, key, "v", 0)
	}

	job := datatransfers.NewJob("s", dial(t, src), dial(t, dst), nil, datatransfers.Options{ScanCount: 7})
	res, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Passes)
	assert.Equal(t, int64(30), res.KeysCopied)
	assert.Equal(t, 30, dst.Calls("restore"))
}

func TestJobCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mockstore.NewMockClient(ctrl)
	dest := mockstore.NewMockClient(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source.EXPECT().KeyCount(gomock.Any()).Return(int64(0), nil)

	job := datatransfers.NewJob("s", source, dest, nil, datatransfers.Options{})
	_, err := job.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
