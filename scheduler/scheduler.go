// Package scheduler drives a twr.Engine through a periodic round-robin
// ranging sweep over a fixed set of peers, grouping completions into
// rounds and handing each finished round to post-process hooks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dw1000/device"
	"dw1000/twr"
)

// PostProcessFunc receives one completed round's ring-slot indices (each
// mod the engine's frame count), the same shape a registered postprocess
// callback receives in the original dw1000_range module.
type PostProcessFunc func(indices []uint16)

// Config configures a Scheduler, decorated with defaults via
// creasty/defaults like the rest of this driver's option structs.
type Config struct {
	Period  time.Duration `default:"200ms"` // scheduler tick
	Latency time.Duration                   // subtracted from Period per tick, compensating dispatch jitter
	Code    twr.Code      `default:"16"`    // default TWR flavour issued each tick (DSTWR)
}

// Scheduler implements the periodic tick + round-robin rng_request +
// round-boundary index-list swap described in the range scheduler's
// semantics, over a twr.Engine.
type Scheduler struct {
	dev    *device.Device
	engine *twr.Engine
	cfg    Config
	log    *logrus.Entry
	metrics *Metrics

	nodeAddr []uint16

	mu         sync.Mutex
	idx        uint32 // request-issue counter; taken mod len(nodeAddr) to pick a peer and detect a round boundary
	sem        chan struct{}
	rngIdxList []uint16
	ppIdxList  []uint16
	rngIdxCnt  int
	ppIdxCnt   int

	postProcess []PostProcessFunc

	cbID uint16
}

// New creates a Scheduler cycling through nodeAddr, with nnodes =
// len(nodeAddr). The round semaphore is sized nnodes — see DESIGN.md for
// why this, not the original's nframes/2, is the capacity invariant I4
// requires.
func New(dev *device.Device, engine *twr.Engine, nodeAddr []uint16, cfg Config, log *logrus.Logger) *Scheduler {
	if len(nodeAddr) == 0 {
		panic("scheduler: at least one node address is required")
	}
	if err := setConfigDefaults(&cfg); err != nil {
		panic(err)
	}
	if log == nil {
		log = logrus.New()
	}
	nnodes := len(nodeAddr)
	s := &Scheduler{
		dev:        dev,
		engine:     engine,
		cfg:        cfg,
		log:        log.WithField("component", "scheduler"),
		nodeAddr:   append([]uint16(nil), nodeAddr...),
		sem:        make(chan struct{}, nnodes),
		rngIdxList: make([]uint16, nnodes),
		ppIdxList:  make([]uint16, nnodes),
	}
	for i := 0; i < nnodes; i++ {
		s.sem <- struct{}{}
	}
	s.cbID = dev.AddCallbacks(device.Callbacks{
		RXTimeout: s.handleRoundBoundaryError,
		RXError:   s.handleRoundBoundaryError,
		TXError:   s.handleRoundBoundaryError,
	})
	engine.SetCompleteCallback(s.handleComplete)
	return s
}

// SetMetrics attaches an optional Prometheus surface; nil disables it.
func (s *Scheduler) SetMetrics(m *Metrics) {
	s.metrics = m
}

// AddPostProcess registers fn to run at every round boundary, in
// registration order, after the index-list swap. Unlike the original's
// single registered callback, any number can be attached — the MQTT
// publisher (MQTTPostProcessor) is supplied as a ready-made hook of this
// shape. Prometheus metrics are not a hook; they attach via SetMetrics.
func (s *Scheduler) AddPostProcess(fn PostProcessFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postProcess = append(s.postProcess, fn)
}

// Close unregisters the scheduler from the device's callback chain.
func (s *Scheduler) Close() {
	s.dev.RemoveCallbacks(s.cbID)
}

// Run blocks, issuing one ranging request per tick at Period-Latency
// cadence, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	period := s.cfg.Period - s.cfg.Latency
	if period <= 0 {
		period = s.cfg.Period
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick pends on the round semaphore, issues the next node's request, and
// reschedules — steps 1-3 of the spec's periodic tick, with the request
// itself dispatched from its own goroutine so a slow or blocked exchange
// never delays the tick's own return (the engine's own capacity-1
// semaphore still serializes the actual radio use).
func (s *Scheduler) tick(ctx context.Context) {
	select {
	case <-s.sem:
	case <-ctx.Done():
		return
	}

	s.mu.Lock()
	peer := s.nodeAddr[int(s.idx)%len(s.nodeAddr)]
	s.idx++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.requestsIssued.Inc()
	}

	go func() {
		if err := s.engine.Request(ctx, peer, s.cfg.Code); err != nil {
			s.log.WithError(err).WithField("peer", peer).Warn("range request failed")
		}
	}()
}

// handleComplete is the engine's completion hook: it records the finished
// exchange's ring slot and, at a round boundary, swaps the index lists and
// dispatches post-processing.
func (s *Scheduler) handleComplete(r twr.Result) {
	if s.metrics != nil {
		s.metrics.observeToF(r.ToF)
	}
	s.mu.Lock()
	s.rngIdxList[s.rngIdxCnt%len(s.rngIdxList)] = uint16(r.SlotIndex)
	s.rngIdxCnt++
	s.maybeSwapAndDispatchLocked()
	s.mu.Unlock()
}

// handleRoundBoundaryError mirrors range_error_cb: on any terminal error
// the scheduler still swaps and dispatches at the round boundary, so a
// caller observes every scheduled slot even when some are missing data.
func (s *Scheduler) handleRoundBoundaryError() {
	if s.metrics != nil {
		s.metrics.errors.Inc()
	}
	s.mu.Lock()
	s.maybeSwapAndDispatchLocked()
	s.mu.Unlock()
}

// maybeSwapAndDispatchLocked must be called with s.mu held.
func (s *Scheduler) maybeSwapAndDispatchLocked() {
	if int(s.idx)%len(s.nodeAddr) != 0 {
		return
	}
	s.rngIdxList, s.ppIdxList = s.ppIdxList, s.rngIdxList
	s.ppIdxCnt = s.rngIdxCnt
	s.rngIdxCnt = 0

	indices := append([]uint16(nil), s.ppIdxList[:s.ppIdxCnt]...)
	hooks := append([]PostProcessFunc(nil), s.postProcess...)
	nnodes := len(s.nodeAddr)

	if s.metrics != nil {
		s.metrics.roundsCompleted.Inc()
	}

	go func() {
		for _, fn := range hooks {
			fn(indices)
		}
		for i := 0; i < nnodes; i++ {
			s.sem <- struct{}{}
		}
	}()
}
