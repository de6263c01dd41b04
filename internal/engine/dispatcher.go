package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ralt/resolvd/internal/metrics"
	"github.com/ralt/resolvd/internal/models"
	"github.com/sirupsen/logrus"
)

// Options configures a Dispatcher
type Options struct {
	// Engines are registered by Initialize
	Engines []Engine
	Metrics metrics.Recorder
}

// Dispatcher holds one engine per type and executes requests with fallback
type Dispatcher struct {
	defaults []Engine
	metrics  metrics.Recorder

	mu          sync.RWMutex
	initialized bool
	engines     map[models.EngineType]Engine
	stats       map[models.EngineType]Stats
}

// NewDispatcher creates a Dispatcher. Engines become available after
// Initialize or Register.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Dispatcher{
		defaults: opts.Engines,
		metrics:  opts.Metrics,
		engines:  make(map[models.EngineType]Engine),
		stats:    make(map[models.EngineType]Stats),
	}
}

// Initialize registers the configured engines. Later calls do nothing.
func (d *Dispatcher) Initialize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return
	}
	for _, e := range d.defaults {
		d.engines[e.Type()] = e
	}
	d.initialized = true
	logrus.Debugf("Engine dispatcher initialized with %d engines", len(d.engines))
}

// Register adds or replaces the engine for its type
func (d *Dispatcher) Register(e Engine) {
	d.mu.Lock()
	d.engines[e.Type()] = e
	d.mu.Unlock()
}

// Unregister removes the engine of type t
func (d *Dispatcher) Unregister(t models.EngineType) {
	d.mu.Lock()
	e, ok := d.engines[t]
	delete(d.engines, t)
	d.mu.Unlock()
	if c, isCloser := e.(closer); ok && isCloser {
		c.Close()
	}
}

// Engines lists the registered engine types
func (d *Dispatcher) Engines() []models.EngineType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.EngineType, 0, len(d.engines))
	for t := range d.engines {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats returns the counters of engine t
func (d *Dispatcher) Stats(t models.EngineType) (Stats, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.stats[t]
	return s, ok
}

// AllStats returns a snapshot of every engine's counters
func (d *Dispatcher) AllStats() map[models.EngineType]Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[models.EngineType]Stats, len(d.stats))
	for t, s := range d.stats {
		out[t] = s
	}
	return out
}

func (d *Dispatcher) engine(t models.EngineType) (Engine, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.engines[t]
	return e, ok
}

func (d *Dispatcher) record(t models.EngineType, success bool, elapsed time.Duration) {
	d.mu.Lock()
	d.stats[t] = d.stats[t].with(success, elapsed, time.Now())
	d.mu.Unlock()
}

// ExecuteWithFallback tries the candidate engines of src in order and
// returns the first successful result. When every candidate fails the
// returned error wraps the last failure.
func (d *Dispatcher) ExecuteWithFallback(ctx context.Context, src models.Source, req models.Request) (string, error) {
	d.Initialize()

	var lastErr error
	tried := 0
	for _, t := range Candidates(src) {
		e, ok := d.engine(t)
		if !ok {
			continue
		}
		tried++

		start := time.Now()
		out, err := attempt(ctx, e, src, req)
		elapsed := time.Since(start)

		d.record(t, err == nil, elapsed)
		d.metrics.ObserveEngineAttempt(t.String(), metrics.Outcome(err), elapsed.Seconds())

		if err == nil {
			logrus.WithFields(logrus.Fields{"source": src.Key, "engine": t}).Debugf("%s served in %s", req.Op, elapsed)
			return out, nil
		}
		logrus.WithFields(logrus.Fields{"source": src.Key, "engine": t}).Warnf("Engine failed for %s: %v", req.Op, err)
		lastErr = err
	}

	if tried == 0 {
		lastErr = errors.New("no registered engine can serve this source")
	}
	return "", &models.PackageError{
		Type:    models.ErrEngineFailed,
		Package: src.Key,
		Err:     fmt.Errorf("%s failed on %d engines: %w", req.Op, tried, lastErr),
	}
}

func attempt(ctx context.Context, e Engine, src models.Source, req models.Request) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s engine panicked: %v", e.Type(), p)
		}
	}()
	return e.Execute(ctx, src, req)
}

// Close releases engine state
func (d *Dispatcher) Close() {
	d.mu.Lock()
	engines := make([]Engine, 0, len(d.engines))
	for _, e := range d.engines {
		engines = append(engines, e)
	}
	d.mu.Unlock()

	for _, e := range engines {
		if c, ok := e.(closer); ok {
			c.Close()
		}
	}
}
