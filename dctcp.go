package minim

// dctcp.go holds the per-flow congestion control state machine.  The
// model is window-based DCTCP at control-interval granularity: ECN
// feedback is folded into a smoothed marking fraction on every ACK, and
// the window is re-evaluated once per RTT-scale interval rather than on
// every packet.

import (
	"math"

	"go.uber.org/zap"
)

// flowState is the mutable state of one in-flight flow.  Entries live in
// the run's arena; events reference flows by arena index.  Once the done
// flag is set the state is dead: late events for the flow must not
// mutate it.
type flowState struct {
	idx   int // arena index
	num   int // object number for traces
	id    int // external flow identifier
	srcID int

	size  int     // total bytes to transfer
	start float64 // arrival time, seconds

	// transmission progress, in bytes from the start of the flow
	sndNxt    int // next byte to send
	sndUna    int // lowest unacknowledged byte
	delivered int // bytes contiguously delivered at the destination

	// congestion window
	cwnd      float64 // bytes
	ssthresh  float64 // bytes
	slowStart bool

	// DCTCP
	alpha         float64 // smoothed marking fraction
	srtt          float64 // smoothed RTT estimate, seconds
	intervalMarks int     // marks seen since the last control interval

	// retransmission guard; only the event stamped with the current
	// version is live
	timerVersion int

	done bool

	// accounting carried into the flow's record
	marks int
	drops int
	retx  int
}

// newFlowState initializes a flow from its description and the run's
// congestion control parameters.  The RTT estimate starts from the
// topology's base round trip; alpha starts at one, per standard DCTCP
// initialization.
func newFlowState(sim *simState, desc FlowDesc, now float64) *flowState {
	cc := &sim.cfg.Dctcp
	src := sim.sourceByID[desc.Source]

	fs := new(flowState)
	fs.id = desc.ID
	fs.srcID = desc.Source
	fs.size = desc.Size
	fs.start = now
	fs.cwnd = float64(cc.InitWindow)
	fs.ssthresh = float64(cc.Ssthresh)
	fs.slowStart = true
	fs.alpha = 1.0
	fs.srtt = 2.0 * (src.delay + sim.link.latency)
	fs.clampWindow(cc)
	return fs
}

func (fs *flowState) bytesLeft() int {
	return fs.size - fs.sndNxt
}

func (fs *flowState) onTheFly() int {
	return fs.sndNxt - fs.sndUna
}

// usableWindow is the number of bytes the window permits sending now
func (fs *flowState) usableWindow() int {
	usable := int(fs.cwnd) - fs.onTheFly()
	if usable < 0 {
		return 0
	}
	return usable
}

// recvAck folds one ACK's feedback into the flow: the RTT estimate, the
// smoothed marking fraction, acknowledgment progress, and slow-start
// growth.  Window reduction is deferred to the control interval.
func (fs *flowState) recvAck(cc *DctcpCfg, ack ackMsg, now float64) {
	sample := now - ack.sendTime
	fs.srtt = (1.0-cc.RttGain)*fs.srtt + cc.RttGain*sample

	mark := 0.0
	if ack.marked {
		mark = 1.0
		fs.marks += 1
		fs.intervalMarks += 1
	}
	fs.alpha = (1.0-cc.Gain)*fs.alpha + cc.Gain*mark

	if ack.ackNo <= fs.sndUna {
		// duplicate or stale cumulative ACK; feedback above still counts
		return
	}
	newly := ack.ackNo - fs.sndUna
	fs.sndUna = ack.ackNo

	if fs.slowStart {
		fs.cwnd += float64(newly)
		if ack.marked || fs.cwnd >= fs.ssthresh {
			fs.slowStart = false
		}
		fs.clampWindow(cc)
	}
}

// controlUpdate applies the once-per-RTT window adjustment: a
// multiplicative cut scaled by alpha if the elapsed interval saw any
// marks, additive increase of one segment otherwise.
func (fs *flowState) controlUpdate(cc *DctcpCfg) {
	if fs.intervalMarks > 0 {
		fs.cwnd = fs.cwnd * (1.0 - fs.alpha/2.0)
		fs.intervalMarks = 0
		fs.slowStart = false
	} else if !fs.slowStart {
		fs.cwnd += float64(cc.MSS)
	}
	fs.clampWindow(cc)
}

// timeoutReset applies loss recovery after a retransmission timeout:
// the window collapses to the floor, slow start restarts toward half
// the old window, and transmission resumes from the last acknowledged
// byte (go-back-N).
func (fs *flowState) timeoutReset(cc *DctcpCfg) {
	fs.ssthresh = math.Max(fs.cwnd/2.0, float64(2*cc.MSS))
	fs.cwnd = float64(cc.MinWindow)
	fs.slowStart = true
	fs.sndNxt = fs.sndUna
	fs.retx += 1
	fs.clampWindow(cc)
}

// clampWindow keeps the window within its configured floor and ceiling
func (fs *flowState) clampWindow(cc *DctcpCfg) {
	if fs.cwnd < float64(cc.MinWindow) {
		fs.cwnd = float64(cc.MinWindow)
	}
	if fs.cwnd > float64(cc.MaxWindow) {
		fs.cwnd = float64(cc.MaxWindow)
	}
}

// tickMsg is the payload of a flow's recurring control-interval event
type tickMsg struct {
	flowIdx int
}

// controlTick fires once per RTT-scale interval for each active flow.
// A tick belonging to a completed flow is ignored rather than cancelled;
// it neither mutates the dead state nor reschedules itself.
func controlTick(evtMgr *EventManager, context any, data any) any {
	sim := context.(*simState)
	msg := data.(tickMsg)
	fs := sim.flows[msg.flowIdx]
	if fs.done {
		return nil
	}

	fs.controlUpdate(&sim.cfg.Dctcp)
	sim.addTrace("tick", fs, nil)
	sim.logger.Debug("control interval",
		zap.Int("flow", fs.id), zap.Float64("cwnd", fs.cwnd),
		zap.Float64("alpha", fs.alpha))

	// the adjusted window may permit sending
	sim.sourceByID[fs.srcID].wake(evtMgr)

	schedule(evtMgr, sim, msg, controlTick, fs.srtt)
	return nil
}
