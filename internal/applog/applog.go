// Package applog implements the application-log offload worker.
//
// Shards never touch the log file: they enqueue preformatted lines on their
// log channels and this worker drains all of them, prefixes each line with
// an RFC 3339 Nano timestamp, and appends the batch to the file with a
// single vectored write. A line flagged fatal terminates the process once
// it is on disk.
package applog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vecdns/vecdns/internal/channel"
	"github.com/vecdns/vecdns/internal/config"
	"github.com/vecdns/vecdns/internal/metrics"
	"github.com/vecdns/vecdns/internal/pool"
)

const (
	openRetryInterval = 5 * time.Second
	idleSleep         = time.Millisecond

	// maxBatch keeps one writev under the kernel iovec limit.
	maxBatch = 1024
)

// linePool recycles the per-line assembly buffers between batches.
var linePool = pool.New(func() *[]byte {
	buf := make([]byte, 0, 256)
	return &buf
})

// Worker drains shard log channels into the application log file.
type Worker struct {
	cfg      config.AppLogConfig
	counters *metrics.Counters
	logger   *slog.Logger
	chans    []*channel.SPSC[channel.LogMsg]

	file        *os.File
	lastOpenTry time.Time
}

// NewWorker creates the worker; the file opens lazily on first use.
func NewWorker(cfg config.AppLogConfig, counters *metrics.Counters, logger *slog.Logger, chans []*channel.SPSC[channel.LogMsg]) *Worker {
	return &Worker{cfg: cfg, counters: counters, logger: logger, chans: chans}
}

// Run polls every shard channel in turn until ctx is done, then drains
// whatever is still queued.
func (w *Worker) Run(ctx context.Context) {
	for {
		n := w.drainOnce()
		if ctx.Err() != nil {
			w.drainOnce()
			w.Close()
			return
		}
		if n == 0 {
			time.Sleep(idleSleep)
		}
	}
}

// drainOnce collects at most maxBatch lines across all channels and writes
// them with one vectored write. Returns the number of lines written.
func (w *Worker) drainOnce() int {
	if !w.ensureOpen() {
		// Sink unavailable: drop what is queued so shards never back up.
		dropped := 0
		for _, ch := range w.chans {
			for {
				if _, ok := ch.TryRecv(); !ok {
					break
				}
				dropped++
			}
		}
		if dropped > 0 {
			w.counters.AppLogWriteError.Add(uint64(dropped))
		}
		return 0
	}

	batch := make([][]byte, 0, maxBatch)
	bufs := make([]*[]byte, 0, maxBatch)
	fatal := false

	var ts [40]byte
	now := time.Now()
	stamp := now.AppendFormat(ts[:0], time.RFC3339Nano)

	for _, ch := range w.chans {
		for len(batch) < maxBatch {
			m, ok := ch.TryRecv()
			if !ok {
				break
			}
			bp := linePool.Get()
			line := (*bp)[:0]
			line = append(line, stamp...)
			line = append(line, " - "...)
			line = append(line, m.Line...)
			line = append(line, '\n')
			*bp = line
			bufs = append(bufs, bp)
			batch = append(batch, line)
			if m.Fatal {
				fatal = true
			}
		}
	}

	if len(batch) == 0 {
		return 0
	}

	if err := w.writeAll(batch); err != nil {
		w.counters.AppLogWriteError.Add(uint64(len(batch)))
		w.logger.Error("application log write failed", "err", err)
		w.closeFile()
	}

	for _, bp := range bufs {
		linePool.Put(bp)
	}

	if fatal {
		if w.file != nil {
			_ = w.file.Sync()
		}
		w.logger.Error("fatal application log message, exiting")
		os.Exit(1)
	}
	return len(batch)
}

// writeAll performs one writev and finishes any short write.
func (w *Worker) writeAll(batch [][]byte) error {
	total := 0
	for _, b := range batch {
		total += len(b)
	}
	n, err := unix.Writev(int(w.file.Fd()), batch)
	if err != nil {
		return err
	}
	for n < total {
		// Short vectored write: find the tail and append it plainly.
		rem := n
		for _, b := range batch {
			if rem >= len(b) {
				rem -= len(b)
				continue
			}
			m, err := w.file.Write(b[rem:])
			if err != nil {
				return err
			}
			n += m
			rem = 0
		}
	}
	return nil
}

// ensureOpen opens the log file, retrying at most every 5 seconds.
func (w *Worker) ensureOpen() bool {
	if w.file != nil {
		return true
	}
	if time.Since(w.lastOpenTry) < openRetryInterval && !w.lastOpenTry.IsZero() {
		return false
	}
	w.lastOpenTry = time.Now()
	path := filepath.Join(w.cfg.Path, w.cfg.Name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.counters.AppLogOpenError.Add(1)
		w.logger.Error("application log open failed", "path", path, "err", err)
		return false
	}
	w.file = f
	return true
}

func (w *Worker) closeFile() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}

// Close flushes nothing (writes are unbuffered) and closes the file.
func (w *Worker) Close() {
	w.closeFile()
}
