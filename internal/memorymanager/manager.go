// Package memorymanager coerces every past day into a finalized state. Two
// triggers share one sweep: a periodic pass and a
// completion-triggered pass debounced so bursts of finishing runs collapse
// into a single sweep.
package memorymanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/zubot/internal/dailymemory"
	"github.com/haasonsaas/zubot/internal/memoryindex"
	"github.com/haasonsaas/zubot/internal/observability"
)

// Options tunes the sweep cadence.
type Options struct {
	SweepInterval      time.Duration // default 12h
	CompletionDebounce time.Duration // default 5m
	Logger             *observability.Logger
}

func (o Options) withDefaults() Options {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 12 * time.Hour
	}
	if o.CompletionDebounce <= 0 {
		o.CompletionDebounce = 5 * time.Minute
	}
	return o
}

// SweepResult reports one sweep pass.
type SweepResult struct {
	FinalizedDays []string `json:"finalized_days"`
	Skipped       bool     `json:"skipped"` // true when debounce suppressed the pass
}

// Manager is the finalization sweeper. Explicit lifecycle: construct, Start, Stop.
type Manager struct {
	index *memoryindex.Index
	store *dailymemory.Store
	opts  Options

	mu            sync.Mutex
	lastSweepMono time.Time
	running       bool
	stop          chan struct{}
	wg            sync.WaitGroup
}

// New wires the sweeper to the memory index and daily memory store.
func New(index *memoryindex.Index, store *dailymemory.Store, opts Options) *Manager {
	return &Manager{index: index, store: store, opts: opts.withDefaults()}
}

// Start launches the periodic sweep loop. Starting twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.loop(m.stop)
}

// Stop signals the loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop := m.stop
	m.mu.Unlock()
	close(stop)
	m.wg.Wait()
}

func (m *Manager) loop(stop chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, _ = m.Sweep(context.Background())
		}
	}
}

// OnRunCompleted is the completion-triggered entry point. It sweeps at most
// once per CompletionDebounce window; calls inside the window return
// Skipped=true without touching the store.
func (m *Manager) OnRunCompleted(ctx context.Context) (SweepResult, error) {
	m.mu.Lock()
	now := monotonicNow()
	if !m.lastSweepMono.IsZero() && now.Sub(m.lastSweepMono) < m.opts.CompletionDebounce {
		m.mu.Unlock()
		return SweepResult{Skipped: true}, nil
	}
	m.lastSweepMono = now
	m.mu.Unlock()
	return m.Sweep(ctx)
}

// Sweep finalizes every day pending summary strictly before today: each gets
// a minimal auto-finalized snapshot (only when no snapshot exists yet) and is
// marked summarized+finalized. Undebounced; periodic and on-demand callers
// use it directly.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	today := m.store.Today()
	pending, err := m.index.GetDaysPendingSummary(ctx, today)
	if err != nil {
		return SweepResult{}, err
	}

	var result SweepResult
	for _, day := range pending {
		if _, ok, err := m.store.GetSummary(ctx, day.Day); err != nil {
			return result, err
		} else if !ok {
			text := fmt.Sprintf("Auto-finalized pending day %s: %d unsummarized messages carried over without a narrative.", day.Day, day.MessagesSinceLastSummary)
			if err := m.store.UpsertSummary(ctx, day.Day, text, ""); err != nil {
				return result, err
			}
		}
		if err := m.index.MarkDaySummarized(ctx, day.Day, day.MessagesSinceLastSummary, true); err != nil {
			return result, err
		}
		result.FinalizedDays = append(result.FinalizedDays, day.Day)
	}

	if m.opts.Logger != nil && len(result.FinalizedDays) > 0 {
		m.opts.Logger.Info(ctx, "memory manager sweep finalized days", "days", result.FinalizedDays)
	}

	m.mu.Lock()
	m.lastSweepMono = monotonicNow()
	m.mu.Unlock()
	return result, nil
}

// monotonicNow returns a time whose monotonic clock reading drives the
// debounce comparison, immune to wall-clock adjustment.
func monotonicNow() time.Time { return time.Now() }
