package resource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecdns/vecdns/internal/channel"
	"github.com/vecdns/vecdns/internal/logging"
	"github.com/vecdns/vecdns/internal/metrics"
)

// ackingShard simulates the shard side of the barrier: every resource update
// is acknowledged with a cleared payload. It records received artifacts.
func ackingShard(ctx context.Context, ctrl *channel.Ctrl, got chan<- any) {
	for ctx.Err() == nil {
		m, ok := ctrl.RecvFromWorker()
		if !ok {
			time.Sleep(10 * time.Microsecond)
			continue
		}
		if m.Kind != channel.CtrlResourceUpdate {
			continue
		}
		got <- m.Resource
		m.Kind = channel.CtrlResourceAck
		m.Resource = nil
		_ = ctrl.SendToWorker(m)
	}
}

func testWorker(resources []*Resource, ctrls []*channel.Ctrl) *Worker {
	logger := logging.Configure(logging.Config{Level: "ERROR"})
	return NewWorker(logger, &metrics.Counters{}, resources, ctrls)
}

func TestCheckOne_PublishesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	ctrls := []*channel.Ctrl{channel.NewCtrl(), channel.NewCtrl()}
	res := &Resource{
		Name:     "records",
		Path:     path,
		Interval: time.Millisecond,
		Load: func(p string) (any, error) {
			b, err := os.ReadFile(p)
			return string(b), err
		},
	}
	w := testWorker([]*Resource{res}, ctrls)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan any, 4)
	for _, c := range ctrls {
		go ackingShard(ctx, c, got)
	}

	w.checkOne(ctx, res)

	assert.Equal(t, "v1", res.current)
	assert.Equal(t, "v1", <-got)
	assert.Equal(t, "v1", <-got)

	// Unchanged mtime: no republish.
	w.checkOne(ctx, res)
	select {
	case <-got:
		t.Fatal("republished without a change")
	case <-time.After(20 * time.Millisecond):
	}

	// Touch the file with a newer mtime and expect a fresh artifact.
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	w.checkOne(ctx, res)
	assert.Equal(t, "v2", res.current)
}

func TestCheckOne_LoadErrorCountsAndRetries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	res := &Resource{
		Name:     "records",
		Path:     path,
		Interval: time.Millisecond,
		Load: func(string) (any, error) {
			return nil, os.ErrInvalid
		},
	}
	w := testWorker([]*Resource{res}, nil)

	w.checkOne(context.Background(), res)

	assert.Nil(t, res.current)
	assert.Equal(t, uint64(1), w.counters.ResourceReloadError.Load())
	assert.True(t, res.lastChange.IsZero(), "failed load must retry on the next pass")
}

func TestCheckOne_StatErrorCounts(t *testing.T) {
	res := &Resource{
		Name: "records",
		Path: filepath.Join(t.TempDir(), "missing"),
		Load: func(string) (any, error) { return nil, nil },
	}
	w := testWorker([]*Resource{res}, nil)
	w.checkOne(context.Background(), res)
	assert.Equal(t, uint64(1), w.counters.ResourceReloadError.Load())
}

func TestPublish_FullControlChannelIsFatal(t *testing.T) {
	ctrl := channel.NewCtrl()
	// Exhaust the request slots so the broadcast cannot enqueue.
	require.True(t, ctrl.SendToShard(&channel.CtrlMsg{}))
	require.True(t, ctrl.SendToShard(&channel.CtrlMsg{}))

	w := testWorker(nil, []*channel.Ctrl{ctrl})
	fatal := false
	w.fatalExit = func() { fatal = true }

	ok := w.publish(context.Background(), "records", "artifact")
	assert.False(t, ok)
	assert.True(t, fatal)
}
