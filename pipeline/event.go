package pipeline

import (
	"github.com/sandakersmann/gosync/stages"
)

// EventKind discriminates the PipelineEvent stream of spec §4.4: "the
// driver emits a PipelineEvent stream ... consumers derive human status;
// the driver does not log directly."
type EventKind int

const (
	EventRunning EventKind = iota
	EventRan
	EventUnwinding
)

// Event is one entry on the pipeline's event stream.
type Event struct {
	Kind  EventKind
	Stage stages.ID

	// Populated for EventRunning: the stage's progress before this
	// invocation of Execute.
	From uint64

	// Populated for EventRan: the stage's output.
	Result stages.ExecOutput

	// Populated for EventUnwinding.
	UnwindTarget uint64
	UnwindReason stages.UnwindReason
}

// eventBufferSize bounds the event channel so a slow consumer can't block
// the driver indefinitely; events are best-effort status, not an audit
// log, so a full buffer drops the oldest pending event rather than stall.
const eventBufferSize = 64

type eventBus struct {
	ch chan Event
}

func newEventBus() *eventBus {
	return &eventBus{ch: make(chan Event, eventBufferSize)}
}

func (b *eventBus) emit(e Event) {
	select {
	case b.ch <- e:
	default:
		select {
		case <-b.ch:
		default:
		}
		select {
		case b.ch <- e:
		default:
		}
	}
}
