package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"chronicler/internal/archive"
	"chronicler/internal/frame"
)

// ErrDispatcherClosed is reported for frames submitted after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Outcome is delivered once per submitted frame.
type Outcome struct {
	Result *Result
	Err    error
}

type job struct {
	ctx context.Context
	f   frame.Frame
	out chan<- Outcome
}

// DefaultIdleTimeout is how long a stream worker waits for new frames before
// it exits.
const DefaultIdleTimeout = time.Minute

// stream is one ordering domain. pending counts frames submitted and not yet
// processed; it is guarded by Dispatcher.mu.
type stream struct {
	q       chan job
	pending int
}

// Dispatcher runs one worker per (chat, thread) stream. Frames of a stream
// are processed in submission order; different streams run concurrently.
// A worker whose stream stays empty for the idle timeout exits and is
// started again by the next frame of that stream.
type Dispatcher struct {
	pipeline    *Pipeline
	queueSize   int
	idleTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	streams  map[string]*stream
	inflight sync.WaitGroup
	workers  sync.WaitGroup
}

// NewDispatcher creates a Dispatcher feeding p. queueSize bounds how many
// frames a stream may have waiting before Submit blocks.
func NewDispatcher(p *Pipeline, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		pipeline:    p,
		queueSize:   queueSize,
		idleTimeout: DefaultIdleTimeout,
		streams:     make(map[string]*stream),
	}
}

// SetIdleTimeout changes how long idle workers are kept. Call it before the
// first Submit.
func (d *Dispatcher) SetIdleTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.idleTimeout = timeout
	}
}

// StreamKey identifies the ordering domain of a frame.
func StreamKey(f frame.Frame) string {
	md := f.Metadata()
	chat, _, _ := archive.MetadataInt(md, "chat_id")
	thread, _, _ := archive.MetadataInt(md, "thread_id")
	return strconv.FormatInt(chat, 10) + "/" + strconv.FormatInt(thread, 10)
}

// Submit queues f on its stream and returns a channel that receives the
// outcome. It blocks while the stream's queue is full.
func (d *Dispatcher) Submit(ctx context.Context, f frame.Frame) <-chan Outcome {
	out := make(chan Outcome, 1)
	if f == nil {
		out <- Outcome{Err: archive.NewValidationError("frame", "frame is nil")}
		return out
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		out <- Outcome{Err: ErrDispatcherClosed}
		return out
	}
	s := d.stream(StreamKey(f))
	s.pending++
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	select {
	case s.q <- job{ctx: ctx, f: f, out: out}:
	case <-ctx.Done():
		d.mu.Lock()
		s.pending--
		d.mu.Unlock()
		out <- Outcome{Err: ctx.Err()}
	}
	return out
}

// Process submits f and waits for its outcome.
func (d *Dispatcher) Process(ctx context.Context, f frame.Frame) (*Result, error) {
	o := <-d.Submit(ctx, f)
	return o.Result, o.Err
}

// Streams returns the number of streams that currently have a worker.
func (d *Dispatcher) Streams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// stream returns the stream for key, starting its worker. Callers hold d.mu.
func (d *Dispatcher) stream(key string) *stream {
	s, ok := d.streams[key]
	if ok {
		return s
	}
	s = &stream{q: make(chan job, d.queueSize)}
	d.streams[key] = s
	d.workers.Add(1)
	go d.work(key, s)
	return s
}

func (d *Dispatcher) work(key string, s *stream) {
	defer d.workers.Done()
	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-s.q:
			if !ok {
				return
			}
			res, err := d.pipeline.Process(j.ctx, j.f)
			j.out <- Outcome{Result: res, Err: err}
			d.mu.Lock()
			s.pending--
			d.mu.Unlock()
			idle.Reset(d.idleTimeout)
		case <-idle.C:
			d.mu.Lock()
			// Once closed, Close owns the queue and will close it.
			if s.pending == 0 && !d.closed {
				delete(d.streams, key)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(d.idleTimeout)
		}
	}
}

// Close stops accepting frames, lets queued frames finish, and waits for
// the workers to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.inflight.Wait()
	d.mu.Lock()
	for _, s := range d.streams {
		close(s.q)
	}
	d.mu.Unlock()
	d.workers.Wait()
}
