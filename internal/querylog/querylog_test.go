package querylog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecdns/vecdns/internal/channel"
	"github.com/vecdns/vecdns/internal/config"
	"github.com/vecdns/vecdns/internal/logging"
	"github.com/vecdns/vecdns/internal/metrics"
)

func testWorker(t *testing.T, dir string, rotate int64, ctrls []*channel.Ctrl) *Worker {
	t.Helper()
	cfg := config.QueryLogConfig{
		BufferSize: 4096,
		BaseName:   "query",
		Path:       dir,
		RotateSize: rotate,
	}
	logger := logging.Configure(logging.Config{Level: "ERROR"})
	return NewWorker(cfg, &metrics.Counters{}, logger, ctrls)
}

func logFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "query-") && strings.HasSuffix(e.Name(), ".log") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

func TestWriteBuffer_AppendsAllBytes(t *testing.T) {
	dir := t.TempDir()
	w := testWorker(t, dir, 1<<30, nil)

	w.WriteBuffer([]byte("line one\n"))
	w.WriteBuffer([]byte("line two\n"))
	w.CloseFile()

	files := logFiles(t, dir)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))
}

func TestWriteBuffer_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	w := testWorker(t, dir, 8, nil)

	w.WriteBuffer([]byte("0123456789\n")) // crosses the 8-byte threshold
	w.WriteBuffer([]byte("next file\n"))
	w.CloseFile()

	files := logFiles(t, dir)
	assert.Len(t, files, 2, "second buffer must land in a fresh file")
}

func TestRun_FlipsShardsAndWrites(t *testing.T) {
	dir := t.TempDir()
	ctrl := channel.NewCtrl()
	w := testWorker(t, dir, 1<<30, []*channel.Ctrl{ctrl})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shard simulator: answer the first flip with one buffer, then empties.
	go func() {
		sent := false
		for ctx.Err() == nil {
			m, ok := ctrl.RecvFromWorker()
			if !ok {
				time.Sleep(50 * time.Microsecond)
				continue
			}
			if m.Kind != channel.CtrlQueryLogFlip {
				continue
			}
			m.Kind = channel.CtrlQueryLogFlipReply
			if !sent {
				m.Buf = []byte(`{"q_name":"a."}` + "\n")
				m.Len = len(m.Buf)
				sent = true
			} else {
				m.Buf, m.Len = nil, 0
			}
			_ = ctrl.SendToWorker(m)
		}
	}()

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		files := logFiles(t, dir)
		if len(files) != 1 {
			return false
		}
		data, err := os.ReadFile(files[0])
		return err == nil && strings.Contains(string(data), `"q_name":"a."`)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
}
