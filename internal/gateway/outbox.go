package gateway

import "github.com/ensemble-ai/ensemble/internal/observability"

// outbox buffers events for a user with no live connection, preserving
// arrival order for the flush on reconnect. Capacity is bounded; when full
// the oldest droppable event is shed first, then the oldest non-critical
// one, then the oldest outright. Not safe for concurrent use; the hub
// serializes access.
type outbox struct {
	events  []queued
	max     int
	metrics *observability.Metrics
}

func newOutbox(max int, metrics *observability.Metrics) *outbox {
	if max <= 0 {
		max = DefaultOutboxSize
	}
	return &outbox{max: max, metrics: metrics}
}

func (o *outbox) add(ev queued) {
	if len(o.events) >= o.max {
		i := shedIndex(o.events)
		if i < 0 {
			// Every buffered event is critical; the oldest one loses.
			i = 0
		}
		shed := o.events[i].kind
		o.events = append(o.events[:i], o.events[i+1:]...)
		if o.metrics != nil {
			o.metrics.RecordEventDropped(string(shed))
		}
	}
	o.events = append(o.events, ev)
}

// drain returns and clears the buffered events in arrival order.
func (o *outbox) drain() []queued {
	out := o.events
	o.events = nil
	return out
}

func (o *outbox) len() int {
	return len(o.events)
}
