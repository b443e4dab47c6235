package server

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vecdns/vecdns/internal/applog"
	"github.com/vecdns/vecdns/internal/channel"
	"github.com/vecdns/vecdns/internal/config"
	"github.com/vecdns/vecdns/internal/metrics"
	"github.com/vecdns/vecdns/internal/querylog"
	"github.com/vecdns/vecdns/internal/resolver"
	"github.com/vecdns/vecdns/internal/resource"
)

// Supervisor creates the shards, the channels between them and the three
// offload workers, and runs everything until the context is cancelled.
type Supervisor struct {
	cfg      *config.Config
	logger   *slog.Logger
	counters *metrics.Counters

	shards []*Shard
}

// NewSupervisor wires a supervisor; Run does the heavy lifting.
func NewSupervisor(cfg *config.Config, logger *slog.Logger, counters *metrics.Counters) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger, counters: counters}
}

// Counters exposes the metric set (management API).
func (sv *Supervisor) Counters() *metrics.Counters { return sv.counters }

// Run builds N shard threads plus the application-log, query-log and
// resource workers, then blocks until ctx is done and tears everything down:
// shards finish their current iteration, workers drain, and the tail of
// every shard's query-log buffer is written out.
func (sv *Supervisor) Run(ctx context.Context) error {
	cfg := sv.cfg
	n := cfg.Process.ThreadCount

	// Initial record-set artifact: file if configured, reference set if not.
	records := resolver.DefaultRecordSet()
	if cfg.Resources.RecordsFile != "" {
		rs, err := resolver.LoadFile(cfg.Resources.RecordsFile)
		if err != nil {
			return fmt.Errorf("initial records load: %w", err)
		}
		records = rs
	}

	resCtrls := make([]*channel.Ctrl, n)
	qlogCtrls := make([]*channel.Ctrl, n)
	logChs := make([]*channel.SPSC[channel.LogMsg], n)
	sv.shards = make([]*Shard, n)

	for i := 0; i < n; i++ {
		resCtrls[i] = channel.NewCtrl()
		qlogCtrls[i] = channel.NewCtrl()
		logChs[i] = channel.NewLog()

		sh, err := NewShard(ShardConfig{
			ID:       i,
			Cfg:      cfg,
			Counters: sv.counters,
			Resolver: resolver.Static{},
			Records:  records,
			ResCtrl:  resCtrls[i],
			QLogCtrl: qlogCtrls[i],
			LogCh:    logChs[i],
		})
		if err != nil {
			for _, prev := range sv.shards[:i] {
				prev.Close()
			}
			return err
		}
		sv.shards[i] = sh
	}

	// Workers.
	alog := applog.NewWorker(cfg.AppLog, sv.counters, sv.logger, logChs)
	qlw := querylog.NewWorker(cfg.QueryLog, sv.counters, sv.logger, qlogCtrls)

	var resources []*resource.Resource
	if cfg.Resources.RecordsFile != "" {
		resources = append(resources, &resource.Resource{
			Name:     "records",
			Path:     cfg.Resources.RecordsFile,
			Interval: time.Duration(cfg.Resources.CheckIntervalMS) * time.Millisecond,
			Load: func(path string) (any, error) {
				return resolver.LoadFile(path)
			},
		})
	}
	resw := resource.NewWorker(sv.logger, sv.counters, resources, resCtrls)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var workerWG sync.WaitGroup
	workerWG.Go(func() { alog.Run(workerCtx) })
	workerWG.Go(func() { qlw.Run(workerCtx) })
	workerWG.Go(func() { resw.Run(workerCtx) })

	// Shard threads, optionally pinned.
	var shardWG sync.WaitGroup
	for i, sh := range sv.shards {
		cpu := 0
		if i < len(cfg.ThreadMaskCPUs) {
			cpu = cfg.ThreadMaskCPUs[i]
		}
		shardWG.Go(func() {
			runtime.LockOSThread()
			if cpu > 0 {
				if err := pinToCPU(cpu); err != nil {
					sv.logger.Warn("cpu pin failed", "shard", sh.ID, "cpu", cpu, "err", err)
				}
			}
			sh.Run()
		})
	}

	sv.logger.Info("vectorloops running",
		"shards", n,
		"udp", cfg.UDP.Enable, "udp_port", cfg.UDP.ListenerPort,
		"tcp", cfg.TCP.Enable, "tcp_port", cfg.TCP.ListenerPort,
	)

	<-ctx.Done()

	for _, sh := range sv.shards {
		sh.Stop()
	}
	shardWG.Wait()

	stopWorkers()
	workerWG.Wait()

	// The active buffers still hold lines appended since the last flip.
	for _, sh := range sv.shards {
		buf, ln := sh.FinalQueryLog()
		if ln > 0 {
			qlw.WriteBuffer(buf[:ln])
		}
	}
	qlw.CloseFile()

	sv.logger.Info("shutdown complete")
	return nil
}

// pinToCPU applies a single-CPU affinity mask to the calling thread.
// cpu is 1-based per the thread-mask config convention.
func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu - 1)
	return unix.SchedSetaffinity(0, &set)
}
