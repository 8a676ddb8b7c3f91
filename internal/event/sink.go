package event

import (
	"context"

	"BattleLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Sink receives lifecycle events.
type Sink interface {
	Emit(ctx context.Context, e EventEnvelope)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e EventEnvelope)

func (f SinkFunc) Emit(ctx context.Context, e EventEnvelope) { f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, EventEnvelope) {})

// Fanout copies each event to the audit, projection and publish channels.
//
// The audit channel is written with a blocking send (bounded by ctx): the
// audit log must not lose events. Projection and publish sends never
// block; when those consumers fall behind events are dropped and counted,
// since projections can be rebuilt from the audit log and subscribers can
// query it directly.
type Fanout struct {
	persist    chan<- EventEnvelope
	projection chan<- EventEnvelope
	publish    chan<- EventEnvelope
	log        zerolog.Logger
	metrics    *observability.Metrics
}

// NewFanout wires the channels; any of them may be nil when that
// consumer is not configured.
func NewFanout(persist, projection, publish chan<- EventEnvelope, log zerolog.Logger, metrics *observability.Metrics) *Fanout {
	return &Fanout{persist: persist, projection: projection, publish: publish, log: log, metrics: metrics}
}

func (f *Fanout) Emit(ctx context.Context, e EventEnvelope) {
	if f.metrics != nil {
		f.metrics.EventsEmitted.WithLabelValues(e.EventType.String()).Inc()
	}

	if f.persist != nil {
		select {
		case f.persist <- e:
		case <-ctx.Done():
			f.log.Error().
				Str("event_id", e.EventID.String()).
				Str("event_type", e.EventType.String()).
				Msg("audit enqueue abandoned, context done")
		}
	}

	if f.projection != nil {
		select {
		case f.projection <- e:
		default:
			if f.metrics != nil {
				f.metrics.ProjectionDrops.Inc()
			}
		}
	}

	if f.publish != nil {
		select {
		case f.publish <- e:
		default:
			if f.metrics != nil {
				f.metrics.PublishDrops.Inc()
			}
		}
	}
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	ch chan EventEnvelope
}

// NewRecorder buffers up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan EventEnvelope, size)}
}

func (r *Recorder) Emit(_ context.Context, e EventEnvelope) {
	select {
	case r.ch <- e:
	default:
	}
}

// Drain returns every buffered event.
func (r *Recorder) Drain() []EventEnvelope {
	var out []EventEnvelope
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Types returns the types of every buffered event, draining them.
func (r *Recorder) Types() []EventType {
	var out []EventType
	for _, e := range r.Drain() {
		out = append(out, e.EventType)
	}
	return out
}
