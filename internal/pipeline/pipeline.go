// Package pipeline routes frames through an ordered chain of processors to
// the storage sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chronicler/internal/archive"
	"chronicler/internal/frame"
	"chronicler/internal/metrics"
)

// Processor transforms a frame and forwards the result. Returning an error
// wrapping ErrDrop stops the frame without failing it; any other error fails
// the frame.
type Processor interface {
	Name() string
	Process(ctx context.Context, f frame.Frame) (frame.Frame, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc struct {
	ProcName string
	Fn       func(ctx context.Context, f frame.Frame) (frame.Frame, error)
}

func (p ProcessorFunc) Name() string { return p.ProcName }

func (p ProcessorFunc) Process(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	return p.Fn(ctx, f)
}

// Sink is the terminal stage that persists a frame.
type Sink interface {
	Name() string
	Persist(ctx context.Context, f frame.Frame) (*archive.SaveResult, error)
}

// ErrDrop marks a deliberate drop.
var ErrDrop = errors.New("frame dropped")

// Drop returns an error that stops the frame with the given reason.
func Drop(reason string) error {
	return fmt.Errorf("%w: %s", ErrDrop, reason)
}

// State is the position of a frame in the pipeline.
type State string

const (
	StateReceived     State = "received"
	StateTransforming State = "transforming"
	StatePersisted    State = "persisted"
	StateDropped      State = "dropped"
	StateFailed       State = "failed"
)

// Result is the outcome of Process for one frame.
type Result struct {
	CorrelationID string
	State         State
	// Step is the index of the processor that last handled the frame. It
	// equals the number of processors when the sink was reached.
	Step      int
	DroppedBy string
	Reason    string
	Save      *archive.SaveResult
}

// FrameError reports a failed frame with enough context to replay it.
type FrameError struct {
	Processor string
	Index     int
	Kind      frame.Kind
	Stage     archive.Stage
	Topic     archive.Topic
	MessageID string
	Err       error
}

func (e *FrameError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("%s frame failed in %s (step %d) for message %s in topic %s at %s: %v",
			e.Kind, e.Processor, e.Index, e.MessageID, e.Topic.Key(), e.Stage, e.Err)
	}
	return fmt.Sprintf("%s frame failed in %s (step %d): %v", e.Kind, e.Processor, e.Index, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Pipeline runs frames through processors in order, then the sink.
// Process is safe for concurrent use as long as the processors are.
type Pipeline struct {
	processors []Processor
	sink       Sink
	logger     archive.Logger
	clock      archive.Clock
	idgen      archive.IDGenerator
}

// New creates a Pipeline ending in sink.
func New(sink Sink, logger archive.Logger, clock archive.Clock, idgen archive.IDGenerator, processors ...Processor) *Pipeline {
	return &Pipeline{
		processors: processors,
		sink:       sink,
		logger:     logger,
		clock:      clock,
		idgen:      idgen,
	}
}

// Process moves f through every processor and the sink. A failure in one
// frame never affects another; the caller decides whether to redeliver.
func (p *Pipeline) Process(ctx context.Context, f frame.Frame) (*Result, error) {
	if f == nil {
		return nil, archive.NewValidationError("frame", "frame is nil")
	}
	start := p.clock.Now()
	kind := f.Kind()

	cid := archive.CorrelationID(ctx)
	if cid == "" {
		cid = p.idgen.New()
		ctx = archive.WithCorrelationID(ctx, cid)
	}
	res := &Result{CorrelationID: cid, State: StateReceived}
	p.logger.Debug("frame received", archive.CorrelationArgs(ctx, "kind", kind)...)

	for i, proc := range p.processors {
		res.State = StateTransforming
		res.Step = i
		if err := ctx.Err(); err != nil {
			return p.failed(ctx, res, start, &FrameError{Processor: proc.Name(), Index: i, Kind: kind, Err: err})
		}

		next, err := proc.Process(ctx, f)
		if errors.Is(err, ErrDrop) {
			res.State = StateDropped
			res.DroppedBy = proc.Name()
			res.Reason = err.Error()
			p.logger.Info("frame dropped", archive.CorrelationArgs(ctx,
				"kind", kind, "processor", proc.Name(), "reason", err.Error())...)
			p.observe(kind, "dropped", start)
			return res, nil
		}
		if err != nil {
			return p.failed(ctx, res, start, &FrameError{Processor: proc.Name(), Index: i, Kind: kind, Err: err})
		}
		if next == nil {
			return p.failed(ctx, res, start, &FrameError{Processor: proc.Name(), Index: i, Kind: kind,
				Err: errors.New("processor returned no frame")})
		}
		f = next
	}

	res.Step = len(p.processors)
	save, err := p.sink.Persist(ctx, f)
	if err != nil {
		ferr := &FrameError{Processor: p.sink.Name(), Index: len(p.processors), Kind: f.Kind(), Err: err}
		var serr *archive.SaveError
		if errors.As(err, &serr) {
			ferr.Stage = serr.Stage
			ferr.Topic = serr.Topic
			ferr.MessageID = serr.MessageID
		}
		return p.failed(ctx, res, start, ferr)
	}

	res.State = StatePersisted
	res.Save = save
	outcome := "persisted"
	if save != nil && save.Duplicate {
		outcome = "duplicate"
	}
	p.observe(f.Kind(), outcome, start)
	return res, nil
}

func (p *Pipeline) failed(ctx context.Context, res *Result, start time.Time, ferr *FrameError) (*Result, error) {
	res.State = StateFailed
	args := []any{"kind", ferr.Kind, "processor", ferr.Processor, "step", ferr.Index, "error", ferr.Err}
	if ferr.MessageID != "" {
		args = append(args, "topic", ferr.Topic.Key(), "message_id", ferr.MessageID, "stage", string(ferr.Stage))
	}
	p.logger.Error("frame failed", archive.CorrelationArgs(ctx, args...)...)
	p.observe(ferr.Kind, "failed", start)
	return res, ferr
}

func (p *Pipeline) observe(kind frame.Kind, outcome string, start time.Time) {
	metrics.FramesTotal.WithLabelValues(string(kind), outcome).Inc()
	metrics.FrameDuration.Observe(p.clock.Now().Sub(start).Seconds())
}
