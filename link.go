package minim

// link.go holds the model of the bottleneck link: a work-conserving
// single server with a finite buffer, an instantaneous-threshold ECN
// marking rule, and a pluggable queueing discipline.

import (
	"go.uber.org/zap"
)

// A packet is the unit of traffic crossing the link.  Events carry
// packets by value; the byte range [seqStart, seqEnd) locates the
// payload within its flow.
type packet struct {
	flowIdx  int     // arena index of the owning flow
	flowID   int     // external flow identifier, for traces
	seqStart int     // first byte carried
	seqEnd   int     // one past the last byte carried
	sendTime float64 // when the source emitted the packet
	marked   bool    // ECN mark applied at the link
	retx     bool    // true for a retransmission
}

func (pkt *packet) size() int {
	return pkt.seqEnd - pkt.seqStart
}

// qdisc is the interface any queueing discipline on the link supports.
// Buffer accounting and marking live in the link itself; a discipline
// only chooses the service order.
type qdisc interface {
	enqueue(pkt packet)
	dequeue() (packet, bool)
	empty() bool
}

// fifoQ serves packets in arrival order
type fifoQ struct {
	inQ []packet
}

func (fq *fifoQ) enqueue(pkt packet) {
	fq.inQ = append(fq.inQ, pkt)
}

func (fq *fifoQ) dequeue() (packet, bool) {
	if len(fq.inQ) == 0 {
		return packet{}, false
	}
	var pkt packet
	pkt, fq.inQ = fq.inQ[0], fq.inQ[1:]
	return pkt, true
}

func (fq *fifoQ) empty() bool {
	return len(fq.inQ) == 0
}

// drrQ serves flows in deficit round-robin order: each visit to a flow's
// queue adds the quantum to its deficit, and the flow's head packet is
// served once the deficit covers it.  Outside enqueue/dequeue the queue
// map never holds an empty per-flow list, so an empty order slice means
// no packet anywhere.
type drrQ struct {
	members map[int][]packet // per-flow packet lists, keyed by arena index
	order   []int            // round-robin order of flows with queued packets
	deficit map[int]int
	quantum int

	// whether the flow at the head of order has received its quantum
	// for the current visit
	credited bool
}

func createDrrQ(quantum int) *drrQ {
	dq := new(drrQ)
	dq.members = make(map[int][]packet)
	dq.deficit = make(map[int]int)
	dq.quantum = quantum
	return dq
}

func (dq *drrQ) enqueue(pkt packet) {
	idx := pkt.flowIdx
	if _, present := dq.members[idx]; !present {
		dq.order = append(dq.order, idx)
		dq.deficit[idx] = 0
	}
	dq.members[idx] = append(dq.members[idx], pkt)
}

func (dq *drrQ) dequeue() (packet, bool) {
	if len(dq.order) == 0 {
		return packet{}, false
	}
	// each visit adds one quantum, so for any positive quantum the head
	// of some queue is eventually covered
	for {
		idx := dq.order[0]
		queue := dq.members[idx]
		if !dq.credited {
			dq.deficit[idx] += dq.quantum
			dq.credited = true
		}
		cost := queue[0].size()
		if dq.deficit[idx] < cost {
			// rotate to the next flow; the accumulated deficit carries
			// over to the flow's next visit
			dq.order = append(dq.order[1:], idx)
			dq.credited = false
			continue
		}
		dq.deficit[idx] -= cost
		pkt := queue[0]
		if len(queue) == 1 {
			delete(dq.members, idx)
			delete(dq.deficit, idx)
			dq.order = dq.order[1:]
			dq.credited = false
		} else {
			dq.members[idx] = queue[1:]
		}
		return pkt, true
	}
}

func (dq *drrQ) empty() bool {
	return len(dq.order) == 0
}

// linkStruct is the run-time representation of the bottleneck link, the
// one resource all flows contend for.  It is touched only from within
// the single-threaded event dispatch, so exclusivity is structural.
type linkStruct struct {
	sim *simState
	num int // object number for traces

	bandwidth float64 // service rate, Mbits/sec
	buffer    int     // buffer capacity, bytes
	latency   float64 // propagation delay to the destination, seconds
	markingK  int     // ECN marking threshold, bytes

	occupancy int // queued plus in-service bytes
	serving   bool
	queue     qdisc

	drops int // total packets dropped at the buffer
}

// createLink is a constructor; the discipline named in the configuration
// selects the qdisc, defaulting to FIFO
func createLink(sim *simState, cfg *LinkCfg) *linkStruct {
	lnk := new(linkStruct)
	lnk.sim = sim
	lnk.num = sim.nxtID()
	lnk.bandwidth = cfg.Bandwidth
	lnk.buffer = cfg.Buffer
	lnk.latency = cfg.Latency
	lnk.markingK = cfg.MarkingK
	switch cfg.Discipline {
	case "drr":
		lnk.queue = createDrrQ(sim.cfg.Dctcp.MSS)
	default:
		lnk.queue = &fifoQ{}
	}
	return lnk
}

// serviceTime gives the serialization delay of a packet at the link rate
func (lnk *linkStruct) serviceTime(bytes int) float64 {
	return xmitTime(bytes, lnk.bandwidth)
}

// enterLink handles a packet's arrival at the bottleneck.  The marking
// decision is a pure function of the occupancy at this instant; a packet
// that would overflow the buffer is dropped and charged to its flow,
// which is a modeled network event, never a simulator error.
func enterLink(evtMgr *EventManager, context any, data any) any {
	lnk := context.(*linkStruct)
	pkt := data.(packet)
	sim := lnk.sim
	fs := sim.flows[pkt.flowIdx]

	if lnk.occupancy >= lnk.markingK {
		pkt.marked = true
	}

	if lnk.occupancy+pkt.size() > lnk.buffer {
		lnk.drops += 1
		fs.drops += 1
		sim.addTrace("drop", fs, &pkt)
		sim.logger.Debug("buffer drop",
			zap.Int("flow", pkt.flowID), zap.Int("bytes", pkt.size()),
			zap.Int("occupancy", lnk.occupancy))
		return nil
	}

	lnk.occupancy += pkt.size()
	lnk.queue.enqueue(pkt)
	sim.addTrace("enqueue", fs, &pkt)

	if !lnk.serving {
		lnk.serving = true
		lnk.serviceNext(evtMgr)
	}
	return nil
}

// serviceNext begins service of the next queued packet, if any; the link
// goes idle otherwise
func (lnk *linkStruct) serviceNext(evtMgr *EventManager) {
	pkt, present := lnk.queue.dequeue()
	if !present {
		lnk.serving = false
		return
	}
	schedule(evtMgr, lnk, pkt, departLink, lnk.serviceTime(pkt.size()))
}

// departLink fires when a packet's last bit clears the link.  The bytes
// leave the buffer, the packet propagates to the destination, and the
// server turns to the next packet.
func departLink(evtMgr *EventManager, context any, data any) any {
	lnk := context.(*linkStruct)
	pkt := data.(packet)
	sim := lnk.sim

	lnk.occupancy -= pkt.size()
	sim.addTrace("depart", sim.flows[pkt.flowIdx], &pkt)

	schedule(evtMgr, sim, pkt, deliverPacket, lnk.latency)
	lnk.serviceNext(evtMgr)
	return nil
}

// deliverPacket fires when a packet reaches the destination.  Delivery
// is cumulative and in-order (a single FIFO path cannot reorder), so a
// retransmission that duplicates already-delivered bytes advances
// nothing.  Every delivery generates a cumulative ACK carrying the
// packet's ECN mark back to the source.
func deliverPacket(evtMgr *EventManager, context any, data any) any {
	sim := context.(*simState)
	pkt := data.(packet)
	fs := sim.flows[pkt.flowIdx]
	if fs.done {
		return nil
	}

	if pkt.seqStart <= fs.delivered && pkt.seqEnd > fs.delivered {
		fs.delivered = pkt.seqEnd
	}
	sim.addTrace("deliver", fs, &pkt)

	src := sim.sourceByID[fs.srcID]
	ack := ackMsg{
		flowIdx:  pkt.flowIdx,
		ackNo:    fs.delivered,
		marked:   pkt.marked,
		sendTime: pkt.sendTime,
	}
	schedule(evtMgr, src, ack, ackArrive, sim.link.latency+src.delay)

	if fs.delivered >= fs.size {
		completeFlow(evtMgr, sim, fs)
	}
	return nil
}
