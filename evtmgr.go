package minim

// evtmgr.go holds the event list at the heart of the simulator, and the
// loop that drives it.

// Events are ordered by time-stamp first, and among events with equal
// time-stamps by the order in which they were scheduled.  That secondary
// key matters: it makes the pop order a total order, so that replaying
// the same input yields bit-identical results.  The ordering is written
// out explicitly in the heap's Less method rather than delegated to a
// general event-management package, because the tie-breaking rule is part
// of the model's definition.

import (
	"container/heap"
	"math"

	"github.com/iti/evt/vrtime"
	"github.com/pkg/errors"
)

// EventHandlerFunction is the signature shared by every event handler.
// The context argument carries the object the event belongs to, data
// carries the event payload.
type EventHandlerFunction func(evtMgr *EventManager, context any, data any) any

// A simEvent is one entry in the event list
type simEvent struct {
	time    float64 // simulation time, in seconds
	seq     int64   // order of insertion, breaks time-stamp ties
	context any
	data    any
	hdlr    EventHandlerFunction
}

// evtHeap and its methods implement a min-priority heap
// on the (time, seq) key of scheduled events
type evtHeap []*simEvent

func (h evtHeap) Len() int { return len(h) }
func (h evtHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}
	return h[i].seq < h[j].seq
}
func (h evtHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *evtHeap) Push(x any) {
	*h = append(*h, x.(*simEvent))
}

func (h *evtHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// EventManager schedules and dispatches the events of one simulation run.
// Each run owns its own EventManager, so independent runs share no state.
type EventManager struct {
	now    float64 // current simulation time in seconds
	nxtSeq int64   // insertion sequence for the next scheduled event
	events evtHeap
}

// NewEventManager is a constructor
func NewEventManager() *EventManager {
	evtMgr := new(EventManager)
	evtMgr.events = []*simEvent{}
	heap.Init(&evtMgr.events)
	return evtMgr
}

// CurrentSeconds returns the current simulation time in seconds
func (evtMgr *EventManager) CurrentSeconds() float64 {
	return evtMgr.now
}

// CurrentTime returns the current simulation time in vrtime form, with
// the insertion sequence carried in the priority field
func (evtMgr *EventManager) CurrentTime() vrtime.Time {
	t := vrtime.SecondsToTime(evtMgr.now)
	t.SetPri(evtMgr.nxtSeq)
	return t
}

// EventsPending returns the number of events not yet dispatched
func (evtMgr *EventManager) EventsPending() int {
	return evtMgr.events.Len()
}

// Schedule inserts an event in O(log n).  The offset is relative to the
// current simulation time; an offset that would place the event before
// the current time indicates a scheduling bug and is rejected with
// ErrInvalidEventTime rather than silently reordered.
func (evtMgr *EventManager) Schedule(context any, data any,
	hdlr EventHandlerFunction, offset vrtime.Time) error {

	delay := offset.Seconds()
	if delay < 0.0 {
		return errors.Wrapf(ErrInvalidEventTime,
			"offset %g precedes current time %g", delay, evtMgr.now)
	}

	evt := &simEvent{
		time:    roundFloat(evtMgr.now+delay, rdigits),
		seq:     evtMgr.nxtSeq,
		context: context,
		data:    data,
		hdlr:    hdlr,
	}
	evtMgr.nxtSeq += 1
	heap.Push(&evtMgr.events, evt)
	return nil
}

// schedule is the internal form used from within event handlers, where a
// negative offset can only mean the model code is broken
func schedule(evtMgr *EventManager, context any, data any,
	hdlr EventHandlerFunction, delay float64) {

	if err := evtMgr.Schedule(context, data, hdlr, vrtime.SecondsToTime(delay)); err != nil {
		panic(err)
	}
}

// Run pops and dispatches events in (time, seq) order until the list is
// empty or the next event lies beyond the limit (in seconds).  Every
// handler runs to completion before the next event is popped.
func (evtMgr *EventManager) Run(limit float64) {
	for evtMgr.events.Len() > 0 {
		// peek before popping, so events beyond the limit stay in the list
		if evtMgr.events[0].time > limit {
			return
		}
		evt := heap.Pop(&evtMgr.events).(*simEvent)
		if evt.time < evtMgr.now {
			// cannot happen given the Schedule guard, so a failure
			// here means the heap ordering itself was corrupted
			panic(errors.Wrapf(ErrInvalidEventTime,
				"popped event at %g behind clock %g", evt.time, evtMgr.now))
		}
		evtMgr.now = evt.time
		evt.hdlr(evtMgr, evt.context, evt.data)
	}
}

var rdigits uint = 15

// roundFloat rounds computed simulation times to avoid non-sensical
// comparisons induced by floating point rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}
