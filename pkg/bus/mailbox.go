// Package bus puts a bounded mailbox in front of a kernel so many producers
// can share one exclusively-owned instance. A single consumer pops one
// message at a time; a full buffer pushes back on senders.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var (
	ErrFull   = errors.New("bus: mailbox full")
	ErrClosed = errors.New("bus: mailbox closed")
)

// DefaultBuffer is used when Options.Buffer is not positive.
const DefaultBuffer = 64

type Options struct {
	Buffer int

	// Rate limits intake when positive; Burst defaults to 1.
	Rate  rate.Limit
	Burst int

	Tracer oteltrace.Tracer
	Logger *slog.Logger
}

type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan Response
}

// Mailbox is a bounded multi-producer, single-consumer queue.
type Mailbox struct {
	target  Handler
	ch      chan envelope
	limiter *rate.Limiter
	tracer  oteltrace.Tracer
	logger  *slog.Logger

	// senders counts Send/TrySend calls in flight so the consumer knows
	// when nothing more can land in ch after Close.
	senders   atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
	closing   chan struct{}
}

// New creates a mailbox for target. Call Run to start the consumer.
func New(target Handler, opts Options) *Mailbox {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/openibank/openibank-sub002/pkg/bus")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Mailbox{
		target:  target,
		ch:      make(chan envelope, opts.Buffer),
		tracer:  opts.Tracer,
		logger:  opts.Logger.With("component", "bus"),
		closing: make(chan struct{}),
	}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(opts.Rate, burst)
	}
	return m
}

// Send enqueues msg, blocking while the buffer is full. The returned
// channel receives exactly one Response.
func (m *Mailbox) Send(ctx context.Context, msg Message) (<-chan Response, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	m.senders.Add(1)
	defer m.senders.Add(-1)
	if m.closed.Load() {
		return nil, ErrClosed
	}
	env := envelope{ctx: ctx, msg: msg, reply: make(chan Response, 1)}
	select {
	case m.ch <- env:
		return env.reply, nil
	case <-m.closing:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TrySend enqueues msg without blocking. It fails with ErrFull when the
// buffer is full or the rate limit has no token.
func (m *Mailbox) TrySend(ctx context.Context, msg Message) (<-chan Response, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	if m.limiter != nil && !m.limiter.Allow() {
		return nil, ErrFull
	}

	m.senders.Add(1)
	defer m.senders.Add(-1)
	if m.closed.Load() {
		return nil, ErrClosed
	}
	env := envelope{ctx: ctx, msg: msg, reply: make(chan Response, 1)}
	select {
	case m.ch <- env:
		return env.reply, nil
	default:
		return nil, ErrFull
	}
}

// Request sends msg and waits for its response.
func (m *Mailbox) Request(ctx context.Context, msg Message) (Response, error) {
	reply, err := m.Send(ctx, msg)
	if err != nil {
		return Response{}, err
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Len reports queued messages.
func (m *Mailbox) Len() int { return len(m.ch) }

// Close stops intake. Run drains what is queued and returns. Senders
// blocked on a full buffer are released with ErrClosed or enqueued.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.closing)
	})
}

// Run is the single consumer. It returns nil after Close once the queue is
// drained, or ctx.Err() if ctx ends first; queued messages then receive
// that error.
func (m *Mailbox) Run(ctx context.Context) error {
	for {
		select {
		case env := <-m.ch:
			m.handle(env)
		case <-m.closing:
			m.drain(m.handle)
			return nil
		case <-ctx.Done():
			m.Close()
			m.drain(func(env envelope) {
				env.reply <- Response{Err: ctx.Err(), IsAction: env.msg.Action != nil}
			})
			return ctx.Err()
		}
	}
}

// drain empties ch after Close. Senders still in flight either enqueue or
// see closing, so once none remain ch can only shrink.
func (m *Mailbox) drain(fn func(envelope)) {
	for {
		select {
		case env := <-m.ch:
			fn(env)
			continue
		default:
		}
		if m.senders.Load() == 0 {
			for {
				select {
				case env := <-m.ch:
					fn(env)
				default:
					return
				}
			}
		}
		runtime.Gosched()
	}
}

func (m *Mailbox) handle(env envelope) {
	ctx, span := m.tracer.Start(env.ctx, "bus."+env.msg.name(), oteltrace.WithSpanKind(oteltrace.SpanKindConsumer))
	defer span.End()

	var resp Response
	if env.msg.Request != nil {
		span.SetAttributes(attribute.String("openibank.kind", string(env.msg.Request.Kind)))
		sc, err := m.target.Propose(ctx, *env.msg.Request)
		resp = Response{Commitment: sc, Err: err}
		if sc != nil {
			span.SetAttributes(attribute.String("openibank.commitment_id", sc.CommitmentID))
		}
	} else {
		span.SetAttributes(attribute.String("openibank.action", string(env.msg.Action.Kind)))
		resp = Response{Err: apply(m.target, *env.msg.Action), IsAction: true}
	}

	if resp.Err != nil {
		span.RecordError(resp.Err)
		span.SetStatus(codes.Error, resp.Err.Error())
		m.logger.Debug("message failed", "message", env.msg.name(), "error", resp.Err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	env.reply <- resp
}
