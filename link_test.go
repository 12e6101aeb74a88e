package minim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// buildTestSim assembles run-time state the way Run does, without
// starting the event loop, so handlers can be driven directly
func buildTestSim(t *testing.T, cfg ExperimentCfg) *simState {
	cfg.applyDefaults()
	require.NoError(t, validateExperiment(&cfg))

	sim := &simState{
		cfg:         &cfg,
		evtMgr:      NewEventManager(),
		sourceByID:  make(map[int]*sourceStruct),
		flows:       []*flowState{},
		flowIdxByID: make(map[int]int),
		emitter:     &RecordEmitter{},
		logger:      zap.NewNop(),
	}
	sim.link = createLink(sim, &cfg.Link)
	for _, srcDesc := range cfg.Sources {
		src := createSource(sim, &srcDesc)
		sim.sourceByID[src.id] = src
	}
	return sim
}

func oneSourceCfg() ExperimentCfg {
	return ExperimentCfg{
		Name: "link-test",
		Link: LinkCfg{Bandwidth: 100.0, Buffer: 6000, Latency: 0.001,
			MarkingK: 3000},
		Sources: []SourceDesc{{ID: 0, Name: "src0", Delay: 0.001}},
	}
}

// TestFifoOrder checks arrival-order service of the default discipline
func TestFifoOrder(t *testing.T) {
	fq := &fifoQ{}
	assert.True(t, fq.empty())

	for seq := 0; seq < 5; seq++ {
		fq.enqueue(packet{seqStart: seq * 100, seqEnd: (seq + 1) * 100})
	}
	for seq := 0; seq < 5; seq++ {
		pkt, present := fq.dequeue()
		require.True(t, present)
		assert.Equal(t, seq*100, pkt.seqStart)
	}
	_, present := fq.dequeue()
	assert.False(t, present)
}

// TestDrrAlternates checks that deficit round robin alternates between
// two backlogged flows with equal-size packets
func TestDrrAlternates(t *testing.T) {
	dq := createDrrQ(1500)
	for pair := 0; pair < 3; pair++ {
		dq.enqueue(packet{flowIdx: 0, seqStart: pair * 1500, seqEnd: (pair + 1) * 1500})
		dq.enqueue(packet{flowIdx: 1, seqStart: pair * 1500, seqEnd: (pair + 1) * 1500})
	}

	served := []int{}
	for !dq.empty() {
		pkt, present := dq.dequeue()
		require.True(t, present)
		served = append(served, pkt.flowIdx)
	}
	assert.Equal(t, []int{0, 1, 0, 1, 0, 1}, served)
}

// TestDrrLargePacket checks that a packet bigger than the quantum is
// eventually served after enough deficit accumulates
func TestDrrLargePacket(t *testing.T) {
	dq := createDrrQ(1000)
	dq.enqueue(packet{flowIdx: 7, seqStart: 0, seqEnd: 4500})

	pkt, present := dq.dequeue()
	require.True(t, present)
	assert.Equal(t, 4500, pkt.size())
	assert.True(t, dq.empty())
}

// TestMarkAtThreshold checks the instantaneous marking rule: a packet is
// marked exactly when occupancy at its arrival is at or above K
func TestMarkAtThreshold(t *testing.T) {
	sim := buildTestSim(t, oneSourceCfg())
	fs := sim.createFlow(FlowDesc{ID: 0, Source: 0, Size: 100000}, 0.0)

	// below threshold: two 1500 byte packets, occupancy 0 then 1500
	enterLink(sim.evtMgr, sim.link, packet{flowIdx: fs.idx, seqStart: 0, seqEnd: 1500})
	enterLink(sim.evtMgr, sim.link, packet{flowIdx: fs.idx, seqStart: 1500, seqEnd: 3000})
	assert.Equal(t, 3000, sim.link.occupancy)

	// at threshold: this packet arrives to occupancy == K and is marked
	enterLink(sim.evtMgr, sim.link, packet{flowIdx: fs.idx, seqStart: 3000, seqEnd: 4500})
	assert.Equal(t, 4500, sim.link.occupancy)

	// the first packet went straight into service; the queue holds the
	// other two, unmarked then marked
	pkt, present := sim.link.queue.dequeue()
	require.True(t, present)
	assert.False(t, pkt.marked)
	pkt, present = sim.link.queue.dequeue()
	require.True(t, present)
	assert.True(t, pkt.marked)
}

// TestBufferOverflowDrop checks that a packet that would overflow the
// buffer is dropped, charged to its flow, and leaves occupancy untouched
func TestBufferOverflowDrop(t *testing.T) {
	sim := buildTestSim(t, oneSourceCfg())
	fs := sim.createFlow(FlowDesc{ID: 0, Source: 0, Size: 100000}, 0.0)

	for seq := 0; seq < 4; seq++ {
		enterLink(sim.evtMgr, sim.link,
			packet{flowIdx: fs.idx, seqStart: seq * 1500, seqEnd: (seq + 1) * 1500})
	}
	assert.Equal(t, 6000, sim.link.occupancy)

	// buffer full: the next packet is dropped, not truncated
	enterLink(sim.evtMgr, sim.link,
		packet{flowIdx: fs.idx, seqStart: 6000, seqEnd: 7500})
	assert.Equal(t, 6000, sim.link.occupancy)
	assert.Equal(t, 1, sim.link.drops)
	assert.Equal(t, 1, fs.drops)
}

// TestOccupancyDrains checks the occupancy bookkeeping across a full
// service cycle driven through the event loop
func TestOccupancyDrains(t *testing.T) {
	sim := buildTestSim(t, oneSourceCfg())
	fs := sim.createFlow(FlowDesc{ID: 0, Source: 0, Size: 100000}, 0.0)

	enterLink(sim.evtMgr, sim.link, packet{flowIdx: fs.idx, seqStart: 0, seqEnd: 1500})
	enterLink(sim.evtMgr, sim.link, packet{flowIdx: fs.idx, seqStart: 1500, seqEnd: 3000})
	assert.Equal(t, 3000, sim.link.occupancy)
	assert.True(t, sim.link.serving)

	sim.evtMgr.Run(1.0)
	assert.Equal(t, 0, sim.link.occupancy)
	assert.False(t, sim.link.serving)

	// both packets reached the destination in order
	assert.Equal(t, 3000, fs.delivered)
}

// TestServiceTime checks the serialization delay arithmetic
func TestServiceTime(t *testing.T) {
	sim := buildTestSim(t, oneSourceCfg())
	// 1500 bytes at 100 Mbit/s is 120 microseconds
	assert.InDelta(t, 0.00012, sim.link.serviceTime(1500), 1e-12)
	assert.Equal(t, 0.0, sim.link.serviceTime(0))
}

// TestDisciplineSelection checks the qdisc chosen by configuration
func TestDisciplineSelection(t *testing.T) {
	cfg := oneSourceCfg()
	sim := buildTestSim(t, cfg)
	_, isFifo := sim.link.queue.(*fifoQ)
	assert.True(t, isFifo)

	cfg.Link.Discipline = "drr"
	sim = buildTestSim(t, cfg)
	_, isDrr := sim.link.queue.(*drrQ)
	assert.True(t, isDrr)
}
