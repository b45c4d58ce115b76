// Package pipeline implements the streaming frame-flow engine: an ordered
// chain of stages connected by bounded queues, with out-of-band interruption
// broadcast and per-position error policy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phonesys/voicepipe/internal/observe"
)

// defaultQueueSize bounds each stage's input queue. A full queue blocks the
// producer rather than dropping data frames.
const defaultQueueSize = 64

// Pipeline runs frames through an ordered stage chain, one goroutine per
// stage. Construct with New, then call Run exactly once.
type Pipeline struct {
	stages    []Stage
	queues    []chan Frame
	ctrl      []chan Frame
	flushFrom int
	sessionID string
	logger    *slog.Logger
	metrics   *observe.Metrics

	cancel   context.CancelFunc
	runOnce  sync.Once
	stopOnce sync.Once
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics enables per-stage instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSessionID overrides the generated session identifier.
func WithSessionID(id string) Option {
	return func(p *Pipeline) { p.sessionID = id }
}

// WithInterruptFlushFrom limits which queues a barge-in flushes: stages
// before index i keep their queued frames. The input side of the chain
// holds caller audio of the interrupting utterance itself, which must not
// be dropped; only speech-bearing queues from the synthesizer on are
// flushed. Defaults to 0 (flush everything).
func WithInterruptFlushFrom(i int) Option {
	return func(p *Pipeline) {
		if i >= 0 && i < len(p.stages) {
			p.flushFrom = i
		}
	}
}

// WithQueueSize overrides the per-stage input queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			for i := range p.queues {
				p.queues[i] = make(chan Frame, n)
			}
		}
	}
}

// New builds a pipeline over the given stage chain, in order from capture to
// output. At least one stage is required.
func New(stages []Stage, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline: at least one stage required")
	}
	p := &Pipeline{
		stages:    stages,
		queues:    make([]chan Frame, len(stages)),
		ctrl:      make([]chan Frame, len(stages)),
		sessionID: NewSessionID(),
		logger:    slog.Default(),
	}
	for i := range stages {
		p.queues[i] = make(chan Frame, defaultQueueSize)
		p.ctrl[i] = make(chan Frame, 8)
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SessionID returns the identifier stamped on this run's StartFrame.
func (p *Pipeline) SessionID() string { return p.sessionID }

// Run executes the pipeline until an EndFrame drains through, a CancelFrame
// stops it, a fatal stage error occurs, or ctx is done. It blocks for the
// whole session.
func (p *Pipeline) Run(ctx context.Context) error {
	var ran bool
	p.runOnce.Do(func() { ran = true })
	if !ran {
		return errors.New("pipeline: Run called twice")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	last := len(p.stages) - 1
	for i := range p.stages {
		g.Go(func() error {
			if i == last {
				// Once the output stage has drained, nothing downstream is
				// left to feed; unblock the remaining runners and starters.
				defer cancel()
			}
			return p.runStage(gctx, i)
		})
		if s, ok := p.stages[i].(Starter); ok {
			emit := p.emitFunc(gctx, i)
			g.Go(func() error {
				if err := s.Start(gctx, emit); err != nil {
					return p.stageError(gctx, i, err)
				}
				return nil
			})
		}
	}

	// StartFrame flows before anything else.
	select {
	case p.queues[0] <- StartFrame{SessionID: p.sessionID}:
	case <-gctx.Done():
	}

	err := g.Wait()
	closeErr := p.closeStages()
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Join(err, closeErr)
	}
	return closeErr
}

// Push injects a frame at the head of the pipeline, ahead of whatever the
// capture stage produces next. External call control can use it to feed
// synthetic frames such as announcements or a forced EndFrame.
func (p *Pipeline) Push(ctx context.Context, f Frame) error {
	select {
	case p.queues[0] <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt broadcasts a user barge-in to every stage out-of-band: stage
// Interrupt hooks fire immediately, queued speech frames from the flush
// boundary onward are dropped, and an InterruptionFrame is delivered on each
// control channel. Queues before the boundary are left intact; they hold the
// caller audio that triggered the barge-in.
func (p *Pipeline) Interrupt() {
	p.logger.Debug("pipeline interruption", "session_id", p.sessionID)
	if p.metrics != nil {
		p.metrics.Interruption(context.Background())
	}
	for i, s := range p.stages {
		if ir, ok := s.(Interrupter); ok {
			ir.Interrupt()
		}
		if i >= p.flushFrom {
			p.flushQueue(i)
		}
		select {
		case p.ctrl[i] <- InterruptionFrame{}:
		default:
		}
	}
}

// Stop requests an immediate shutdown, equivalent to a CancelFrame.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
}

// flushQueue drops queued data frames from stage i's input, keeping any
// control frames in order.
func (p *Pipeline) flushQueue(i int) {
	q := p.queues[i]
	var kept []Frame
	for {
		select {
		case f := <-q:
			if IsControl(f) {
				kept = append(kept, f)
			} else if p.metrics != nil {
				p.metrics.FrameDropped(context.Background(), p.stages[i].Name())
			}
		default:
			for _, f := range kept {
				select {
				case q <- f:
				default:
				}
			}
			return
		}
	}
}

// emitFunc builds the Emit callback for stage i, writing into stage i+1's
// queue. The final stage's emissions are discarded.
func (p *Pipeline) emitFunc(ctx context.Context, i int) Emit {
	if i+1 >= len(p.stages) {
		return func(Frame) {}
	}
	next := p.queues[i+1]
	return func(f Frame) {
		select {
		case next <- f:
		case <-ctx.Done():
		}
	}
}

// runStage is the per-stage frame loop. Control frames take priority over
// queued data frames.
func (p *Pipeline) runStage(ctx context.Context, i int) error {
	emit := p.emitFunc(ctx, i)
	in := p.queues[i]
	ctrl := p.ctrl[i]

	for {
		// Drain pending control frames first.
		select {
		case f := <-ctrl:
			if err := p.dispatch(ctx, i, f, emit); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case f := <-ctrl:
			if err := p.dispatch(ctx, i, f, emit); err != nil {
				return err
			}
		case f := <-in:
			if err := p.dispatch(ctx, i, f, emit); err != nil {
				return err
			}
			switch f.(type) {
			case EndFrame:
				return nil
			case CancelFrame:
				p.Stop()
				return nil
			}
		}
	}
}

// dispatch runs one frame through the stage, applies the error policy, and
// auto-forwards control frames so stages never have to re-emit them.
func (p *Pipeline) dispatch(ctx context.Context, i int, f Frame, emit Emit) error {
	s := p.stages[i]
	start := time.Now()
	err := s.Process(ctx, f, emit)
	if p.metrics != nil {
		p.metrics.StageLatency(ctx, s.Name(), time.Since(start))
		p.metrics.FrameProcessed(ctx, s.Name())
	}
	if err != nil {
		if ferr := p.stageError(ctx, i, err); ferr != nil {
			return ferr
		}
	}

	// Interruptions are broadcast to every stage directly; forwarding them
	// here would deliver duplicates.
	if IsControl(f) {
		if _, ok := f.(InterruptionFrame); !ok {
			emit(f)
		}
	}
	return nil
}

// stageError applies the stage-boundary error policy: capture and output
// failures are fatal for the session, interior failures drop the frame.
func (p *Pipeline) stageError(ctx context.Context, i int, err error) error {
	s := p.stages[i]
	edge := i == 0 || i == len(p.stages)-1
	if edge {
		p.logger.Error("edge stage failed, cancelling session",
			"session_id", p.sessionID,
			"stage", s.Name(),
			"error", err,
		)
		return fmt.Errorf("stage %s: %w", s.Name(), err)
	}
	p.logger.Warn("stage error, frame dropped",
		"session_id", p.sessionID,
		"stage", s.Name(),
		"error", err,
	)
	if p.metrics != nil {
		p.metrics.FrameDropped(ctx, s.Name())
	}
	return nil
}

// closeStages closes stages in order, joining errors.
func (p *Pipeline) closeStages() error {
	var errs []error
	for _, s := range p.stages {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
