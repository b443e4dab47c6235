// Package querylog implements the query-log offload worker.
//
// The worker round-robins the shards: each gets a flip request over its
// control channel, the shard swaps its double buffer and replies with the
// now-inactive slab, and the worker writes that slab to the current log
// file. Rotation closes the file and opens a fresh timestamped one once the
// configured byte threshold is crossed. The flip handshake is the only
// synchronization with the shard: the worker never reads a slab that has
// not been surrendered through the channel reply.
package querylog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vecdns/vecdns/internal/channel"
	"github.com/vecdns/vecdns/internal/config"
	"github.com/vecdns/vecdns/internal/metrics"
)

const (
	// replyPoll is the cooperative wait between checks for a flip reply.
	replyPoll = 10 * time.Microsecond
	// idleSleep is applied after a full round that produced no bytes.
	idleSleep = time.Millisecond

	openRetryInterval = 5 * time.Second
)

// Worker flips and persists every shard's query-log buffers.
type Worker struct {
	cfg      config.QueryLogConfig
	counters *metrics.Counters
	logger   *slog.Logger
	ctrls    []*channel.Ctrl

	file        *os.File
	written     int64
	lastOpenTry time.Time
}

// NewWorker creates the worker; the first file opens on first write.
func NewWorker(cfg config.QueryLogConfig, counters *metrics.Counters, logger *slog.Logger, ctrls []*channel.Ctrl) *Worker {
	return &Worker{cfg: cfg, counters: counters, logger: logger, ctrls: ctrls}
}

// Run flips each shard in turn until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		wrote := 0
		for _, ctrl := range w.ctrls {
			if ctx.Err() != nil {
				return
			}
			wrote += w.flipOne(ctx, ctrl)
		}
		if wrote == 0 {
			time.Sleep(idleSleep)
		}
	}
}

// flipOne requests a flip from one shard, waits cooperatively for the
// surrendered buffer, and writes it out. Returns bytes written.
func (w *Worker) flipOne(ctx context.Context, ctrl *channel.Ctrl) int {
	if !ctrl.SendToShard(&channel.CtrlMsg{Kind: channel.CtrlQueryLogFlip}) {
		// A full request slot means the previous transaction is still in
		// flight; skip this shard for the round.
		return 0
	}

	var reply *channel.CtrlMsg
	for {
		m, ok := ctrl.RecvFromShard()
		if ok {
			reply = m
			break
		}
		if ctx.Err() != nil {
			return 0
		}
		time.Sleep(replyPoll)
	}

	if reply.Kind != channel.CtrlQueryLogFlipReply || reply.Len == 0 {
		return 0
	}
	w.WriteBuffer(reply.Buf[:reply.Len])
	return reply.Len
}

// WriteBuffer appends one surrendered slab to the log, retrying until all
// bytes are down, and rotates when the size threshold is crossed.
func (w *Worker) WriteBuffer(b []byte) {
	for len(b) > 0 {
		if !w.ensureOpen() {
			// No sink; drop the slab rather than wedge every shard flip.
			return
		}
		n, err := w.file.Write(b)
		if n > 0 {
			b = b[n:]
			w.written += int64(n)
		}
		if err != nil {
			w.logger.Error("query log write failed", "err", err)
			w.closeFile()
			continue
		}
		if w.written > w.cfg.RotateSize {
			w.rotate()
		}
	}
}

// ensureOpen opens a fresh timestamped file when none is current.
func (w *Worker) ensureOpen() bool {
	if w.file != nil {
		return true
	}
	if !w.lastOpenTry.IsZero() && time.Since(w.lastOpenTry) < openRetryInterval {
		return false
	}
	w.lastOpenTry = time.Now()
	path := w.nextFileName()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.counters.QueryLogOpenError.Add(1)
		w.logger.Error("query log open failed", "path", path, "err", err)
		return false
	}
	w.file = f
	w.written = 0
	return true
}

func (w *Worker) nextFileName() string {
	stamp := time.Now().Format("20060102T150405.000000000")
	return filepath.Join(w.cfg.Path, fmt.Sprintf("%s-%s.log", w.cfg.BaseName, stamp))
}

func (w *Worker) rotate() {
	w.closeFile()
	// Next WriteBuffer call opens the successor file.
	w.lastOpenTry = time.Time{}
}

func (w *Worker) closeFile() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}

// CloseFile closes the current file; used at shutdown after the final
// buffer drain.
func (w *Worker) CloseFile() {
	w.closeFile()
}
