// Package worker runs detection jobs on a fixed set of OS-thread-locked
// goroutines shared by every transport.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	iface "VinoDetServer/interface"
	"VinoDetServer/monitor"
	"VinoDetServer/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("worker pool closed")

// Journal is satisfied by *store.Store.
type Journal interface {
	Record(ctx context.Context, e store.Entry) error
}

// Job is one image bound for one backend.
type Job struct {
	Model     string
	Transport string
	Backend   iface.Backend
	Image     []byte
}

// Result carries the backend's answer and the journal id of the request.
type Result struct {
	ID       string
	Data     iface.RetData
	Duration time.Duration
}

type jobPackage struct {
	ctx    context.Context
	job    Job
	result chan Result
}

type Pool struct {
	log     *zap.Logger
	journal Journal
	queue   chan jobPackage

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	restart time.Duration
}

// NewPool starts size workers. journal may be nil.
func NewPool(size int, log *zap.Logger, journal Journal) *Pool {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		log:     log,
		journal: journal,
		queue:   make(chan jobPackage, size*4),
		restart: time.Second,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	return p
}

func (p *Pool) runWorker(workerID int) {
	for {
		if !p.serve(workerID) {
			p.wg.Done()
			return
		}
		// 重启这个 Worker
		time.Sleep(p.restart)
	}
}

// serve drains the queue until it is closed. It returns true when a job
// panicked and the worker should be restarted.
func (p *Pool) serve(workerID int) (restart bool) {
	var current *jobPackage
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic, restarting", zap.Int("worker", workerID), zap.Any("panic", r))
			if current != nil {
				current.result <- Result{Data: iface.RetData{
					Success: false,
					Data:    []iface.BoundingBox{},
					Message: fmt.Sprintf("worker panic: %v", r),
				}}
			}
			restart = true
		}
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p.log.Debug("worker created", zap.Int("worker", workerID))

	for job := range p.queue {
		current = &job
		job.result <- p.run(job)
		current = nil
	}
	return false
}

func (p *Pool) run(pkg jobPackage) Result {
	res := Result{ID: uuid.New().String()}
	if err := pkg.ctx.Err(); err != nil {
		res.Data = iface.RetData{Success: false, Data: []iface.BoundingBox{}, Message: err.Error()}
		return res
	}
	res.Data, res.Duration = detect(pkg)
	if res.Data.Data == nil {
		res.Data.Data = []iface.BoundingBox{}
	}
	p.record(pkg, res)
	return res
}

func detect(pkg jobPackage) (iface.RetData, time.Duration) {
	monitor.WorkerBusy(1)
	defer monitor.WorkerBusy(-1)
	start := time.Now()
	data := pkg.job.Backend.Detect(pkg.ctx, pkg.job.Image)
	return data, time.Since(start)
}

func (p *Pool) record(pkg jobPackage, res Result) {
	if p.journal == nil {
		return
	}
	labels := make([]string, 0, len(res.Data.Data))
	for _, b := range res.Data.Data {
		labels = append(labels, b.Label)
	}
	entry := store.Entry{
		ID:        res.ID,
		Model:     pkg.job.Model,
		Device:    pkg.job.Backend.CheckConfig().Device,
		Transport: pkg.job.Transport,
		Boxes:     len(res.Data.Data),
		Labels:    strings.Join(labels, ","),
		Duration:  res.Duration,
	}
	if !res.Data.Success {
		entry.Err = res.Data.Message
	}
	// 请求可能已经结束，journal 不跟随请求的 ctx
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.journal.Record(ctx, entry); err != nil {
		p.log.Warn("journal write failed", zap.String("id", entry.ID), zap.Error(err))
	}
}

// Submit queues a job and waits for its result or ctx.
func (p *Pool) Submit(ctx context.Context, job Job) (Result, error) {
	if job.Backend == nil {
		return Result{}, fmt.Errorf("model %s: no backend", job.Model)
	}
	pkg := jobPackage{ctx: ctx, job: job, result: make(chan Result, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return Result{}, ErrClosed
	}
	select {
	case p.queue <- pkg:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return Result{}, ctx.Err()
	}

	select {
	case res := <-pkg.result:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops accepting jobs, lets queued jobs finish and waits for workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
