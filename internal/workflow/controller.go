package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/skin-check/internal/analysis"
	"github.com/example/skin-check/internal/capture"
	"github.com/example/skin-check/internal/events"
	"github.com/example/skin-check/internal/reports"
)

const (
	defaultAnalysisTimeout = 30 * time.Second
	sideEffectTimeout      = 10 * time.Second
)

// Validator starts capture validation loops over one frame source.
type Validator interface {
	Start(ctx context.Context) *capture.Handle
	Source() capture.FrameSource
}

// Recorder persists completed analyses.
type Recorder interface {
	Record(ctx context.Context, rec reports.Record) (string, error)
}

// Deps are the collaborators of a Controller. Analyzer and Validator are
// required; the rest may be nil.
type Deps struct {
	Analyzer        analysis.Client
	Validator       Validator
	Info            analysis.InfoSource
	Recorder        Recorder
	Publisher       events.Publisher
	Notifier        Notifier
	Logger          *zap.Logger
	AnalysisTimeout time.Duration
	Conversion      Conversion
}

// Controller owns one Session and is the only writer of it.
type Controller struct {
	mu         sync.Mutex
	session    Session
	generation uint64 // guards analysis responses
	epoch      uint64 // guards info probes; bumped on restart and close
	monitor    *capture.Handle
	inFlight   bool
	cancelCall context.CancelFunc
	closed     bool
	lastActive time.Time

	deps   Deps
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller in the consent phase and, when an info source is
// configured, starts the best-effort service info probe.
func New(sessionID, userID string, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.AnalysisTimeout <= 0 {
		deps.AnalysisTimeout = defaultAnalysisTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		session:    newSession(sessionID, userID),
		lastActive: time.Now(),
		deps:       deps,
		logger:     deps.Logger.Named("workflow").With(zap.String("session_id", sessionID)),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.probeAsync(0)
	return c
}

// AcceptConsent moves from consent to capturing and starts validation.
func (c *Controller) AcceptConsent() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("accept_consent", PhaseConsent); err != nil {
		return err
	}
	c.setPhaseLocked(PhaseCapturing)
	c.startMonitorLocked()
	return nil
}

// Verdict returns the live validation verdict. Outside the capturing phase
// it is never steady.
func (c *Controller) Verdict() capture.Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verdictLocked()
}

// Capture snapshots the current frame and submits it. The verdict is read
// at the moment of the call.
func (c *Controller) Capture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.precheckSubmitLocked(); err != nil {
		return err
	}
	verdict := c.verdictLocked()
	frame, err := capture.Capture(c.deps.Validator.Source(), verdict)
	if err != nil {
		return err
	}
	return c.submitLocked(frame, verdict)
}

// SubmitCapture sends an already captured frame for analysis.
func (c *Controller) SubmitCapture(frame capture.FrameHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.precheckSubmitLocked(); err != nil {
		return err
	}
	return c.submitLocked(frame, c.verdictLocked())
}

// AdvanceResult pages to the next condition, or to the report after the
// last one.
func (c *Controller) AdvanceResult() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("advance_result", PhaseResults); err != nil {
		return err
	}
	if c.session.ResultCursor+1 < len(c.session.AnalysisResult.Results) {
		c.session.ResultCursor++
		return nil
	}
	c.setPhaseLocked(PhaseReport)
	return nil
}

// AdvanceReport moves from the report to the full results.
func (c *Controller) AdvanceReport() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("advance_report", PhaseReport); err != nil {
		return err
	}
	c.setPhaseLocked(PhaseFullResults)
	return nil
}

// AdvanceFullResults moves from the full results to the success screen.
func (c *Controller) AdvanceFullResults() error {
	c.mu.Lock()
	if err := c.checkLocked("advance_full_results", PhaseFullResults); err != nil {
		c.mu.Unlock()
		return err
	}
	c.setPhaseLocked(PhaseSuccess)
	event := c.eventLocked(events.SessionConverted)
	c.mu.Unlock()

	c.publish(event)
	return nil
}

// Restart resets the session to consent from any phase. An analysis still
// in flight is cancelled and its response, if any, discarded.
func (c *Controller) Restart() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.lastActive = time.Now()
	c.generation++
	c.epoch++
	epoch := c.epoch
	c.abortCallLocked()
	c.stopMonitorLocked()
	from := c.session.Phase
	c.session = newSession(c.session.ID, c.session.UserID)
	c.logger.Info("session restarted", zap.String("from", string(from)))
	c.mu.Unlock()

	c.probeAsync(epoch)
	return nil
}

// ProbeServiceInfo asks the analysis service whether it runs in mock mode.
// Failures are logged and otherwise ignored.
func (c *Controller) ProbeServiceInfo(ctx context.Context) {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()
	c.probe(ctx, epoch)
}

// Snapshot returns a copy of the session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LastActivity is the time of the last accepted operation.
func (c *Controller) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// View builds the presentation projection for the current phase.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	v := View{
		SessionID: s.ID,
		Phase:     s.Phase,
		MockFlag:  s.MockFlag,
		LastError: s.LastError,
		HasFrame:  s.CapturedFrame != nil,
		ReportID:  s.ReportID,
	}
	if s.AnalysisResult != nil {
		v.Total = len(s.AnalysisResult.Results)
	}

	switch s.Phase {
	case PhaseCapturing:
		verdict := c.verdictLocked()
		v.Verdict = &verdict
	case PhaseResults:
		current := s.AnalysisResult.Results[s.ResultCursor]
		v.Cursor = s.ResultCursor
		v.Current = &current
		v.IsLast = s.ResultCursor == v.Total-1
	case PhaseReport, PhaseFullResults:
		v.Result = s.AnalysisResult
	case PhaseSuccess:
		conversion := c.deps.Conversion
		v.Conversion = &conversion
	}
	return v
}

// Close tears the session down: validation stops, any in-flight call is
// cancelled and background work is awaited. Further operations fail with
// ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	c.epoch++
	c.abortCallLocked()
	c.stopMonitorLocked()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Controller) checkLocked(op string, want Phase) error {
	if c.closed {
		return ErrClosed
	}
	if c.session.Phase != want {
		return &TransitionError{Op: op, Phase: c.session.Phase}
	}
	c.lastActive = time.Now()
	return nil
}

func (c *Controller) precheckSubmitLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.inFlight {
		return ErrAnalysisInFlight
	}
	return c.checkLocked("submit_capture", PhaseCapturing)
}

func (c *Controller) submitLocked(frame capture.FrameHandle, verdict capture.Verdict) error {
	if !verdict.IsSteady {
		return capture.ErrNotSteady
	}
	if len(frame.Data) == 0 {
		return capture.ErrNoFrame
	}

	c.session.CapturedFrame = &frame
	c.session.LastError = ""
	c.stopMonitorLocked()
	c.setPhaseLocked(PhaseAnalyzing)

	c.generation++
	gen := c.generation
	callCtx, cancel := context.WithTimeout(c.ctx, c.deps.AnalysisTimeout)
	c.cancelCall = cancel
	c.inFlight = true

	c.wg.Add(1)
	go c.runAnalysis(callCtx, cancel, gen, frame)
	return nil
}

func (c *Controller) runAnalysis(ctx context.Context, cancel context.CancelFunc, gen uint64, frame capture.FrameHandle) {
	defer c.wg.Done()
	defer cancel()

	started := time.Now()
	result, err := c.deps.Analyzer.Analyze(ctx, frame)
	c.completeAnalysis(gen, frame, result, err, time.Since(started))
}

func (c *Controller) completeAnalysis(gen uint64, frame capture.FrameHandle, result *analysis.Result, err error, latency time.Duration) {
	if err == nil && result == nil {
		err = analysis.ErrMalformed
	}

	c.mu.Lock()
	if c.closed || gen != c.generation || c.session.Phase != PhaseAnalyzing {
		c.mu.Unlock()
		c.logger.Info("discarding stale analysis response", zap.Uint64("generation", gen), zap.Error(err))
		return
	}
	c.inFlight = false
	c.cancelCall = nil

	if err != nil {
		c.session.CapturedFrame = nil
		c.session.LastError = FailureMessage
		c.setPhaseLocked(PhaseCapturing)
		c.startMonitorLocked()
		notification := Notification{SessionID: c.session.ID, Message: FailureMessage, Err: err}
		event := c.eventLocked(events.AnalysisFailed)
		event.Reason = err.Error()
		c.mu.Unlock()

		c.logger.Warn("analysis failed", zap.Error(err), zap.Duration("latency", latency))
		c.notify(notification)
		c.publish(event)
		return
	}

	c.session.AnalysisResult = result
	c.session.MockFlag = result.IsMock
	c.session.ResultCursor = 0
	if len(result.Results) == 0 {
		c.setPhaseLocked(PhaseReport)
	} else {
		c.setPhaseLocked(PhaseResults)
	}
	rec := reports.Record{
		SessionID: c.session.ID,
		UserID:    c.session.UserID,
		Frame:     frame.Data,
		Result:    result,
		Latency:   latency,
	}
	event := c.eventLocked(events.AnalysisCompleted)
	c.mu.Unlock()

	if reportID := c.record(rec); reportID != "" {
		event.ReportID = reportID
		c.mu.Lock()
		if gen == c.generation {
			c.session.ReportID = reportID
		}
		c.mu.Unlock()
	}
	c.publish(event)
}

func (c *Controller) record(rec reports.Record) string {
	if c.deps.Recorder == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	id, err := c.deps.Recorder.Record(ctx, rec)
	if err != nil {
		c.logger.Warn("failed to record analysis", zap.Error(err))
		return ""
	}
	return id
}

func (c *Controller) publish(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := c.deps.Publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("failed to publish event", zap.String("type", event.Type), zap.Error(err))
	}
}

func (c *Controller) notify(n Notification) {
	if c.deps.Notifier != nil {
		c.deps.Notifier.Notify(n)
	}
}

func (c *Controller) probeAsync(epoch uint64) {
	if c.deps.Info == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, sideEffectTimeout)
		defer cancel()
		c.probe(ctx, epoch)
	}()
}

func (c *Controller) probe(ctx context.Context, epoch uint64) {
	if c.deps.Info == nil {
		return
	}
	info, err := c.deps.Info.Info(ctx)
	if err != nil {
		c.logger.Debug("service info probe failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// An analysis response is authoritative once it has arrived.
	if epoch != c.epoch || c.session.AnalysisResult != nil {
		return
	}
	c.session.MockFlag = info.MockMode
}

func (c *Controller) eventLocked(kind string) events.Event {
	e := events.Event{
		Type:       kind,
		SessionID:  c.session.ID,
		UserID:     c.session.UserID,
		ReportID:   c.session.ReportID,
		IsMock:     c.session.MockFlag,
		OccurredAt: time.Now().UTC(),
	}
	if c.session.AnalysisResult != nil {
		e.OverallScore = c.session.AnalysisResult.OverallScore
	}
	return e
}

func (c *Controller) verdictLocked() capture.Verdict {
	if c.session.Phase != PhaseCapturing || c.monitor == nil {
		return capture.Verdict{Warnings: []string{}}
	}
	return c.monitor.Verdict()
}

func (c *Controller) startMonitorLocked() {
	c.stopMonitorLocked()
	c.monitor = c.deps.Validator.Start(c.ctx)
}

func (c *Controller) stopMonitorLocked() {
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
}

func (c *Controller) abortCallLocked() {
	if c.cancelCall != nil {
		c.cancelCall()
		c.cancelCall = nil
	}
	c.inFlight = false
}

func (c *Controller) setPhaseLocked(p Phase) {
	if c.session.Phase == p {
		return
	}
	c.logger.Info("phase transition", zap.String("from", string(c.session.Phase)), zap.String("to", string(p)))
	c.session.Phase = p
}
