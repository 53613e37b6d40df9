package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval      = time.Second
	defaultDetectTimeout = 800 * time.Millisecond
)

// Validator evaluates frames from one source on a fixed cadence.
type Validator struct {
	source        FrameSource
	detector      Detector
	policy        Policy
	interval      time.Duration
	detectTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// Option customises a Validator.
type Option func(*Validator)

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.interval = d
		}
	}
}

// WithDetectTimeout bounds a single detector call.
func WithDetectTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.detectTimeout = d
		}
	}
}

// WithPolicy replaces the default thresholds.
func WithPolicy(p Policy) Option {
	return func(v *Validator) { v.policy = p }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewValidator wires a frame source to a detector.
func NewValidator(source FrameSource, detector Detector, opts ...Option) *Validator {
	v := &Validator{
		source:        source,
		detector:      detector,
		policy:        DefaultPolicy(),
		interval:      defaultInterval,
		detectTimeout: defaultDetectTimeout,
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Source returns the frame source the validator samples.
func (v *Validator) Source() FrameSource {
	return v.source
}

// Start launches the evaluation loop and returns immediately. The loop runs
// until Stop is called on the handle or ctx is cancelled.
func (v *Validator) Start(ctx context.Context) *Handle {
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go v.run(loopCtx, h)
	return h
}

func (v *Validator) run(ctx context.Context, h *Handle) {
	defer close(h.done)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	v.tick(ctx, h)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.tick(ctx, h)
		}
	}
}

func (v *Validator) tick(ctx context.Context, h *Handle) {
	verdict := v.Evaluate(ctx)
	if ctx.Err() != nil {
		return
	}
	h.publish(verdict)
}

// Evaluate runs a single validation pass against the current frame.
func (v *Validator) Evaluate(ctx context.Context) Verdict {
	frame, ok := v.source.Frame()
	if !ok {
		return v.policy.Evaluate(LandmarkSet{}, ErrNoFrame, v.now())
	}

	detectCtx, cancel := context.WithTimeout(ctx, v.detectTimeout)
	defer cancel()

	set, err := v.detector.Detect(detectCtx, frame)
	if err != nil {
		v.logger.Debug("landmark detection failed", zap.Error(err))
	}
	return v.policy.Evaluate(set, err, v.now())
}

// Handle controls one running evaluation loop.
type Handle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	latest   atomic.Pointer[Verdict]
	ticks    atomic.Uint64
}

// Verdict returns the latest published verdict. Before the first tick and
// after Stop it is a non-steady verdict with no warnings.
func (h *Handle) Verdict() Verdict {
	if h == nil || h.stopped.Load() {
		return Verdict{Warnings: []string{}}
	}
	if v := h.latest.Load(); v != nil {
		return *v
	}
	return Verdict{Warnings: []string{}}
}

// Ticks returns how many verdicts have been published.
func (h *Handle) Ticks() uint64 {
	if h == nil {
		return 0
	}
	return h.ticks.Load()
}

// Stop cancels the loop and waits for it to exit. Safe to call repeatedly.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		h.cancel()
		<-h.done
	})
}

// Done is closed once the loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) publish(v Verdict) {
	if h.stopped.Load() {
		return
	}
	h.latest.Store(&v)
	h.ticks.Add(1)
}
