package service

import (
	"context"
	"sync"
	"time"

	"github.com/xiaot623/botchat/internal/metrics"
)

// Heartbeat runs one typing ticker per session. Start is idempotent while a
// ticker is active; the map entry is inserted with LoadOrStore so concurrent
// turns can never create two tickers for one session.
type Heartbeat struct {
	interval time.Duration
	maxAge   time.Duration
	emit     func(sessionID string)
	metrics  *metrics.Metrics

	active sync.Map // session id -> *beat
}

type beat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat calls emit immediately on Start and then every interval.
// A ticker nobody stops ends after maxAge.
func NewHeartbeat(interval, maxAge time.Duration, emit func(sessionID string), m *metrics.Metrics) *Heartbeat {
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &Heartbeat{interval: interval, maxAge: maxAge, emit: emit, metrics: m}
}

// Start begins the ticker for sessionID. It reports false when one was
// already running.
func (h *Heartbeat) Start(sessionID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.maxAge)
	b := &beat{cancel: cancel, done: make(chan struct{})}
	if _, loaded := h.active.LoadOrStore(sessionID, b); loaded {
		cancel()
		return false
	}
	h.metrics.TypingStarted()
	go h.run(ctx, sessionID, b)
	return true
}

func (h *Heartbeat) run(ctx context.Context, sessionID string, b *beat) {
	defer close(b.done)
	defer func() {
		// Expired on its own; Stop paths remove the entry themselves.
		if h.active.CompareAndDelete(sessionID, b) {
			h.metrics.TypingStopped()
		}
	}()

	h.emit(sessionID)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.emit(sessionID)
		}
	}
}

// Stop ends the ticker of sessionID, if any.
func (h *Heartbeat) Stop(sessionID string) {
	if v, ok := h.active.LoadAndDelete(sessionID); ok {
		v.(*beat).cancel()
		h.metrics.TypingStopped()
	}
}

// StopAfter stops the ticker running now after delay. A ticker started in
// the meantime is left alone.
func (h *Heartbeat) StopAfter(sessionID string, delay time.Duration) {
	v, ok := h.active.Load(sessionID)
	if !ok {
		return
	}
	b := v.(*beat)
	time.AfterFunc(delay, func() {
		if h.active.CompareAndDelete(sessionID, b) {
			b.cancel()
			h.metrics.TypingStopped()
		}
	})
}

// Active reports whether sessionID has a running ticker.
func (h *Heartbeat) Active(sessionID string) bool {
	_, ok := h.active.Load(sessionID)
	return ok
}

// StopAll ends every ticker and waits for their goroutines.
func (h *Heartbeat) StopAll() {
	var beats []*beat
	h.active.Range(func(key, v any) bool {
		if h.active.CompareAndDelete(key, v) {
			b := v.(*beat)
			b.cancel()
			h.metrics.TypingStopped()
			beats = append(beats, b)
		}
		return true
	})
	for _, b := range beats {
		<-b.done
	}
}
