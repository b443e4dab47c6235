// Package resource implements the periodic resource loader.
//
// The worker holds the canonical resource list. When a resource file's
// change time moves, the new artifact is loaded into fresh memory and its
// pointer broadcast to every shard's control channel. The worker then spins
// on acknowledgments — a microsecond-granularity poll, fatal after ten
// seconds of silence — and only once every shard has confirmed the switch
// does it drop the previous artifact. Shards therefore never observe a
// half-published resource and never hold a reference the worker has freed.
package resource

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/vecdns/vecdns/internal/channel"
	"github.com/vecdns/vecdns/internal/metrics"
)

const (
	ackPoll    = time.Microsecond
	ackTimeout = 10 * time.Second
	tick       = 10 * time.Millisecond
)

// Resource is one reloadable artifact.
type Resource struct {
	Name     string
	Path     string
	Interval time.Duration
	Load     func(path string) (any, error)

	lastChange time.Time
	nextCheck  time.Time
	current    any
}

// Worker polls resources and publishes fresh artifacts to all shards.
type Worker struct {
	logger    *slog.Logger
	counters  *metrics.Counters
	resources []*Resource
	ctrls     []*channel.Ctrl

	// fatalExit is swappable for tests; production exits the process, since
	// a shard that stops acking has broken the hot-swap contract.
	fatalExit func()
}

// NewWorker creates the resource worker.
func NewWorker(logger *slog.Logger, counters *metrics.Counters, resources []*Resource, ctrls []*channel.Ctrl) *Worker {
	return &Worker{
		logger:    logger,
		counters:  counters,
		resources: resources,
		ctrls:     ctrls,
		fatalExit: func() { os.Exit(1) },
	}
}

// Run checks each resource at its own frequency until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, r := range w.resources {
				if now.Before(r.nextCheck) {
					continue
				}
				r.nextCheck = now.Add(r.Interval)
				w.checkOne(ctx, r)
			}
		}
	}
}

// checkOne reloads and publishes one resource if its file changed.
func (w *Worker) checkOne(ctx context.Context, r *Resource) {
	st, err := os.Stat(r.Path)
	if err != nil {
		w.counters.ResourceReloadError.Add(1)
		w.logger.Error("resource stat failed", "resource", r.Name, "path", r.Path, "err", err)
		return
	}
	if st.ModTime().Equal(r.lastChange) {
		return
	}

	artifact, err := r.Load(r.Path)
	if err != nil {
		w.counters.ResourceReloadError.Add(1)
		w.logger.Error("resource load failed", "resource", r.Name, "path", r.Path, "err", err)
		// Retry at the next interval; lastChange stays put.
		return
	}

	if !w.publish(ctx, r.Name, artifact) {
		return
	}

	// Every shard acked: the old artifact has no readers left.
	r.current = artifact
	r.lastChange = st.ModTime()
	w.logger.Info("resource reloaded", "resource", r.Name, "path", r.Path)
}

// publish broadcasts the artifact and waits for every shard's barrier ack.
func (w *Worker) publish(ctx context.Context, name string, artifact any) bool {
	for _, ctrl := range w.ctrls {
		if !ctrl.SendToShard(&channel.CtrlMsg{
			Kind:     channel.CtrlResourceUpdate,
			Name:     name,
			Resource: artifact,
		}) {
			// A full control slot means a previous transaction never
			// completed; that is the same contract breach as a missing ack.
			w.logger.Error("resource publish: control channel full", "resource", name)
			w.fatalExit()
			return false
		}
	}

	deadline := time.Now().Add(ackTimeout)
	for _, ctrl := range w.ctrls {
		for {
			m, ok := ctrl.RecvFromShard()
			if ok && m.Kind == channel.CtrlResourceAck {
				break
			}
			if ctx.Err() != nil {
				return false
			}
			if time.Now().After(deadline) {
				w.logger.Error("resource swap not acknowledged within 10s", "resource", name)
				w.fatalExit()
				return false
			}
			time.Sleep(ackPoll)
		}
	}
	return true
}
