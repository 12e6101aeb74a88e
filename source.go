package minim

// source.go holds the run-time representation of a traffic source and
// the event handlers that move its flows' bytes toward the bottleneck:
// the version-stamped send loop, ACK reception, and the retransmission
// timeout guard.

import (
	"go.uber.org/zap"
)

// sourceStruct is the run-time state of one source.  A source owns the
// flows it originates, serves them in round-robin order, and optionally
// paces packet emission at its access link rate.
type sourceStruct struct {
	sim *simState
	num int // object number for traces

	id    int
	delay float64 // propagation delay to the bottleneck, seconds
	rate  float64 // access link rate, Mbits/sec; zero means unpaced

	flows  []int // arena indices of flows still holding state here
	rrNext int   // round-robin position in flows

	// only the trySend event stamped with the current version is live;
	// every wake-up bumps the version so stale wake-ups fall through
	version int
	nxtFree float64 // when the paced access link is next free
}

// createSource is a constructor
func createSource(sim *simState, desc *SourceDesc) *sourceStruct {
	src := new(sourceStruct)
	src.sim = sim
	src.num = sim.nxtID()
	src.id = desc.ID
	src.delay = desc.Delay
	src.rate = desc.LinkRate
	src.flows = []int{}
	return src
}

// trySendMsg is the payload of a source's send event
type trySendMsg struct {
	version int
}

// wake (re)starts the source's send loop.  Any trySend event already in
// the list becomes stale.
func (src *sourceStruct) wake(evtMgr *EventManager) {
	src.version += 1
	schedule(evtMgr, src, trySendMsg{version: src.version}, trySend, 0.0)
}

// nextSendable picks the next flow permitted to send, in round-robin
// order, and prunes finished flows from the rotation along the way
func (src *sourceStruct) nextSendable() (*flowState, bool) {
	sim := src.sim
	checked := 0
	for checked < len(src.flows) {
		if src.rrNext >= len(src.flows) {
			src.rrNext = 0
		}
		idx := src.flows[src.rrNext]
		fs := sim.flows[idx]
		if fs.done {
			src.flows = append(src.flows[:src.rrNext], src.flows[src.rrNext+1:]...)
			continue
		}
		if fs.bytesLeft() > 0 && fs.usableWindow() > 0 {
			src.rrNext += 1
			return fs, true
		}
		src.rrNext += 1
		checked += 1
	}
	return nil, false
}

// buildPacket carves the next segment out of a flow, capped by the
// remaining bytes, the usable window, and the segment size
func (src *sourceStruct) buildPacket(fs *flowState, now float64) packet {
	seg := fs.bytesLeft()
	if usable := fs.usableWindow(); seg > usable {
		seg = usable
	}
	if mss := src.sim.cfg.Dctcp.MSS; seg > mss {
		seg = mss
	}
	pkt := packet{
		flowIdx:  fs.idx,
		flowID:   fs.id,
		seqStart: fs.sndNxt,
		seqEnd:   fs.sndNxt + seg,
		sendTime: now,
		retx:     fs.retx > 0 && fs.sndNxt < fs.delivered,
	}
	fs.sndNxt += seg
	return pkt
}

// trySend emits at most one packet and reschedules itself, so that a
// window or rate change between emissions takes effect immediately and
// a stale send plan can be abandoned by bumping the version.
func trySend(evtMgr *EventManager, context any, data any) any {
	src := context.(*sourceStruct)
	msg := data.(trySendMsg)
	if msg.version != src.version {
		return nil
	}
	now := evtMgr.CurrentSeconds()

	// respect access-link pacing: wait until the link is free
	if src.rate > 0.0 && now < src.nxtFree {
		schedule(evtMgr, src, msg, trySend, src.nxtFree-now)
		return nil
	}

	fs, found := src.nextSendable()
	if !found {
		// window-bound or idle; an ACK, tick, timeout, or arrival
		// wakes the source again
		return nil
	}

	pkt := src.buildPacket(fs, now)
	var srvc float64
	if src.rate > 0.0 {
		srvc = xmitTime(pkt.size(), src.rate)
		src.nxtFree = roundFloat(now+srvc, rdigits)
	}
	schedule(evtMgr, src.sim.link, pkt, enterLink, srvc+src.delay)
	src.sim.addTrace("send", fs, &pkt)

	// every send re-arms the flow's retransmission guard
	armTimeout(evtMgr, src.sim, fs)

	schedule(evtMgr, src, msg, trySend, srvc)
	return nil
}

// ackMsg carries a cumulative acknowledgment back to the source
type ackMsg struct {
	flowIdx  int
	ackNo    int     // cumulative bytes delivered
	marked   bool    // ECN mark of the acknowledged packet
	sendTime float64 // echo of the packet's emission time, for RTT
}

// ackArrive handles an ACK's arrival back at the source
func ackArrive(evtMgr *EventManager, context any, data any) any {
	src := context.(*sourceStruct)
	ack := data.(ackMsg)
	sim := src.sim
	fs := sim.flows[ack.flowIdx]
	if fs.done {
		return nil
	}

	fs.recvAck(&sim.cfg.Dctcp, ack, evtMgr.CurrentSeconds())
	sim.addTrace("ack", fs, nil)

	if fs.onTheFly() > 0 {
		armTimeout(evtMgr, sim, fs)
	} else {
		// nothing outstanding, disarm the guard
		fs.timerVersion += 1
	}

	src.wake(evtMgr)
	return nil
}

// timeoutMsg is the payload of a flow's retransmission guard event
type timeoutMsg struct {
	flowIdx int
	version int
}

// armTimeout schedules a fresh retransmission guard and invalidates any
// guard already in the event list
func armTimeout(evtMgr *EventManager, sim *simState, fs *flowState) {
	fs.timerVersion += 1
	msg := timeoutMsg{flowIdx: fs.idx, version: fs.timerVersion}
	schedule(evtMgr, sim, msg, flowTimeout, sim.cfg.Dctcp.Timeout)
}

// flowTimeout fires when a flow has seen no ACK within the timeout bound
// of its last send.  The silence is treated as loss: the window resets
// to the floor and the outstanding bytes are retransmitted.
func flowTimeout(evtMgr *EventManager, context any, data any) any {
	sim := context.(*simState)
	msg := data.(timeoutMsg)
	fs := sim.flows[msg.flowIdx]
	if fs.done || msg.version != fs.timerVersion {
		return nil
	}
	if fs.onTheFly() == 0 && fs.bytesLeft() == 0 {
		return nil
	}

	fs.timeoutReset(&sim.cfg.Dctcp)
	sim.addTrace("timeout", fs, nil)
	sim.logger.Debug("retransmission timeout",
		zap.Int("flow", fs.id), zap.Int("from", fs.sndUna))

	armTimeout(evtMgr, sim, fs)
	sim.sourceByID[fs.srcID].wake(evtMgr)
	return nil
}
