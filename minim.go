// Package minim simulates flows crossing a single bottleneck link under
// DCTCP congestion control, producing per-flow completion time records.
// It models the link at packet-service granularity and the protocol at
// control-loop granularity, which keeps runs fast enough to embed in
// parameter sweeps while preserving the window/ECN feedback dynamics
// that determine flow completion times.
package minim

// minim.go assembles the run-time structures for one simulation run and
// drives it from workload validation through the final record list.

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrInvalidEventTime flags an event scheduled earlier than the current
// simulation time.  It indicates an internal scheduling bug and aborts
// the run.
var ErrInvalidEventTime = errors.New("event scheduled before current simulation time")

// ErrMalformedInput flags a workload that fails validation: a flow
// referencing an unknown source, a negative size or start time, and the
// like.  It is surfaced before any event is processed.
var ErrMalformedInput = errors.New("malformed experiment input")

// simState gathers everything owned by one run.  There are no package
// globals holding run state, so concurrent runs in separate goroutines
// are fully isolated.
type simState struct {
	cfg    *ExperimentCfg
	evtMgr *EventManager

	link       *linkStruct
	sourceByID map[int]*sourceStruct

	// per-flow mutable state lives in a dense arena; events carry the
	// arena index rather than a pointer
	flows       []*flowState
	flowIdxByID map[int]int

	emitter  *RecordEmitter
	traceMgr *TraceManager
	logger   *zap.Logger

	// object numbering for the trace dictionary
	nxtNum int
}

// nxtID hands out object numbers unique within this run
func (sim *simState) nxtID() int {
	sim.nxtNum += 1
	return sim.nxtNum
}

// RunOption adjusts a run without widening the Run signature
type RunOption func(sim *simState)

// WithLogger attaches a zap logger; the default is a no-op logger
func WithLogger(logger *zap.Logger) RunOption {
	return func(sim *simState) { sim.logger = logger }
}

// WithTrace attaches a trace manager that will receive a record of every
// network event in the run
func WithTrace(tm *TraceManager) RunOption {
	return func(sim *simState) { sim.traceMgr = tm }
}

// Run executes one simulation described by cfg and returns the flow
// completion records, in the order the flows completed.  It is a pure
// function of its configuration: the same cfg always yields bit-identical
// records.  Validation failures return ErrMalformedInput (wrapped) with
// no partial output.
func Run(cfg ExperimentCfg, opts ...RunOption) ([]Record, error) {
	cfg.applyDefaults()
	if err := validateExperiment(&cfg); err != nil {
		return nil, err
	}

	sim := &simState{
		cfg:         &cfg,
		evtMgr:      NewEventManager(),
		sourceByID:  make(map[int]*sourceStruct),
		flows:       make([]*flowState, 0, len(cfg.Flows)),
		flowIdxByID: make(map[int]int),
		emitter:     &RecordEmitter{},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(sim)
	}

	sim.link = createLink(sim, &cfg.Link)
	for _, srcDesc := range cfg.Sources {
		src := createSource(sim, &srcDesc)
		sim.sourceByID[src.id] = src
	}
	sim.registerTraceNames()

	// the workload structure schedules each flow arrival at its start time
	startWorkload(sim)

	limit := math.Inf(1)
	if cfg.TimeLimit > 0.0 {
		limit = cfg.TimeLimit
	}
	sim.evtMgr.Run(limit)

	records := sim.emitter.Records()

	// with no time limit the event list can only drain once every flow
	// has completed; a stranded flow means the control logic failed to
	// schedule further progress, which is a bug, not a terminal state
	if cfg.TimeLimit == 0.0 && len(records) != len(cfg.Flows) {
		panic(errors.Errorf("run drained with %d of %d flows recorded",
			len(records), len(cfg.Flows)))
	}

	sim.logger.Info("run complete",
		zap.String("name", cfg.Name),
		zap.Int("flows", len(records)),
		zap.Int("drops", sim.link.drops),
		zap.Float64("end", sim.evtMgr.CurrentSeconds()))

	return records, nil
}

// registerTraceNames fills the trace dictionary with every object the
// run will reference, so a trace reader can resolve ids to names
func (sim *simState) registerTraceNames() {
	if sim.traceMgr == nil || !sim.traceMgr.Active() {
		return
	}
	sim.traceMgr.AddName(sim.link.num, "bottleneck", "link")
	for _, srcDesc := range sim.cfg.Sources {
		src := sim.sourceByID[srcDesc.ID]
		sim.traceMgr.AddName(src.num, srcDesc.Name, "source")
	}
}

// createFlow places a new flow in the arena when its arrival event fires
func (sim *simState) createFlow(desc FlowDesc, now float64) *flowState {
	fs := newFlowState(sim, desc, now)
	fs.idx = len(sim.flows)
	fs.num = sim.nxtID()
	sim.flows = append(sim.flows, fs)
	sim.flowIdxByID[fs.id] = fs.idx
	if sim.traceMgr != nil && sim.traceMgr.Active() {
		sim.traceMgr.AddName(fs.num, flowName(fs.id), "flow")
	}
	return fs
}

// flowArrive is the event handler for a flow's arrival at its source
func flowArrive(evtMgr *EventManager, context any, data any) any {
	sim := context.(*simState)
	desc := data.(FlowDesc)
	now := evtMgr.CurrentSeconds()

	fs := sim.createFlow(desc, now)
	sim.addTrace("arrive", fs, nil)
	sim.logger.Debug("flow arrive",
		zap.Int("flow", fs.id), zap.Int("size", fs.size), zap.Float64("t", now))

	// a zero-size flow has nothing to transmit and completes on the spot
	if fs.size == 0 {
		completeFlow(evtMgr, sim, fs)
		return nil
	}

	src := sim.sourceByID[fs.srcID]
	src.flows = append(src.flows, fs.idx)
	src.wake(evtMgr)

	// each flow carries its own recurring control-interval event, paced
	// by its current RTT estimate
	schedule(evtMgr, sim, tickMsg{flowIdx: fs.idx}, controlTick, fs.srtt)
	return nil
}

// completeFlow emits the flow's record and releases its mutable state.
// Events still in the list for this flow (control ticks, timeout guards,
// straggler ACKs) find the done flag set and fall through as no-ops.
func completeFlow(evtMgr *EventManager, sim *simState, fs *flowState) {
	now := evtMgr.CurrentSeconds()
	fs.done = true

	rec := Record{
		FlowID:   fs.id,
		SourceID: fs.srcID,
		Size:     fs.size,
		Start:    fs.start,
		End:      now,
		FCT:      roundFloat(now-fs.start, rdigits),
		Ideal:    sim.idealFCT(fs),
		Marks:    fs.marks,
		Drops:    fs.drops,
		Retx:     fs.retx,
	}
	sim.emitter.add(rec)

	sim.addTrace("complete", fs, nil)
	sim.logger.Debug("flow complete",
		zap.Int("flow", fs.id), zap.Float64("fct", rec.FCT),
		zap.Int("marks", fs.marks), zap.Int("drops", fs.drops))
}

// idealFCT computes the loss- and contention-free completion time for a
// flow crossing the two-hop store-and-forward pipeline.  The slower hop
// streams the whole flow; the other hop contributes only the segment
// that cannot overlap it: the first segment when the access link is the
// faster hop, the trailing (possibly partial) segment when the
// bottleneck is.  One-way propagation rides on top.
func (sim *simState) idealFCT(fs *flowState) float64 {
	src := sim.sourceByID[fs.srcID]
	prop := src.delay + sim.link.latency
	if fs.size == 0 {
		return 0.0
	}

	mss := sim.cfg.Dctcp.MSS
	btl := sim.link.bandwidth

	// an unpaced source hands the whole flow to the link at once
	if src.rate == 0.0 {
		return roundFloat(prop+xmitTime(fs.size, btl), rdigits)
	}

	head := fs.size
	if head > mss {
		head = mss
	}
	tail := fs.size % mss
	if tail == 0 {
		tail = head
	}

	if src.rate <= btl {
		// the access link governs; the link finishes the last segment
		// after the source hands it over
		return roundFloat(prop+xmitTime(fs.size, src.rate)+xmitTime(tail, btl), rdigits)
	}
	// the bottleneck governs once the first segment reaches it
	return roundFloat(prop+xmitTime(head, src.rate)+xmitTime(fs.size, btl), rdigits)
}

// xmitTime returns the serialization time of bytes at a rate given
// in Mbits/sec
func xmitTime(bytes int, mbps float64) float64 {
	if bytes == 0 {
		return 0.0
	}
	return float64(bytes) * 8.0 / (mbps * 1e6)
}
