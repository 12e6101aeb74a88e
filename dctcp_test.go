package minim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testDctcpCfg() DctcpCfg {
	cfg := ExperimentCfg{}
	cfg.applyDefaults()
	return cfg.Dctcp
}

// TestAlphaEwma checks the per-ACK update of the smoothed marking
// fraction against hand-computed values
func TestAlphaEwma(t *testing.T) {
	cc := testDctcpCfg()
	fs := &flowState{size: 1 << 20, cwnd: float64(cc.InitWindow),
		alpha: 1.0, srtt: 0.004}

	g := cc.Gain

	// an unmarked ACK decays alpha toward zero
	fs.recvAck(&cc, ackMsg{ackNo: cc.MSS, marked: false, sendTime: 0.0}, 0.004)
	assert.InDelta(t, 1.0-g, fs.alpha, 1e-12)

	// a marked ACK pulls it back toward one
	fs.recvAck(&cc, ackMsg{ackNo: 2 * cc.MSS, marked: true, sendTime: 0.0}, 0.008)
	assert.InDelta(t, (1.0-g)*(1.0-g)+g, fs.alpha, 1e-12)
	assert.Equal(t, 1, fs.marks)
	assert.Equal(t, 1, fs.intervalMarks)
}

// TestRttEwma checks the RTT estimator's gain
func TestRttEwma(t *testing.T) {
	cc := testDctcpCfg()
	fs := &flowState{size: 1 << 20, cwnd: float64(cc.InitWindow), srtt: 0.004}

	fs.recvAck(&cc, ackMsg{ackNo: cc.MSS, sendTime: 0.0}, 0.008)
	want := (1.0-cc.RttGain)*0.004 + cc.RttGain*0.008
	assert.InDelta(t, want, fs.srtt, 1e-12)
}

// TestControlCut checks the once-per-interval multiplicative cut: the
// window shrinks by alpha/2 only when the elapsed interval saw marks
func TestControlCut(t *testing.T) {
	cc := testDctcpCfg()
	fs := &flowState{size: 1 << 20, cwnd: 20000.0, alpha: 0.5,
		intervalMarks: 3}

	fs.controlUpdate(&cc)
	assert.InDelta(t, 20000.0*(1.0-0.25), fs.cwnd, 1e-9)
	assert.Equal(t, 0, fs.intervalMarks)
	assert.False(t, fs.slowStart)

	// the following clean interval grows the window by one segment
	fs.controlUpdate(&cc)
	assert.InDelta(t, 15000.0+float64(cc.MSS), fs.cwnd, 1e-9)
}

// TestWindowFloor checks that repeated cuts never push the window below
// the configured floor
func TestWindowFloor(t *testing.T) {
	cc := testDctcpCfg()
	fs := &flowState{size: 1 << 20, cwnd: float64(2 * cc.MinWindow), alpha: 1.0}

	for round := 0; round < 20; round++ {
		fs.intervalMarks = 1
		fs.controlUpdate(&cc)
		assert.GreaterOrEqual(t, fs.cwnd, float64(cc.MinWindow))
	}
	assert.Equal(t, float64(cc.MinWindow), fs.cwnd)
}

// TestWindowCeiling checks that additive increase saturates at the
// configured ceiling
func TestWindowCeiling(t *testing.T) {
	cc := testDctcpCfg()
	cc.MaxWindow = 10 * cc.MSS
	fs := &flowState{size: 1 << 20, cwnd: float64(9 * cc.MSS)}

	for round := 0; round < 5; round++ {
		fs.controlUpdate(&cc)
	}
	assert.Equal(t, float64(cc.MaxWindow), fs.cwnd)
}

// TestSlowStartGrowth checks exponential growth and both exit
// conditions: crossing ssthresh and the first mark
func TestSlowStartGrowth(t *testing.T) {
	cc := testDctcpCfg()
	cc.Ssthresh = 4 * cc.MSS
	fs := &flowState{size: 1 << 20, cwnd: float64(2 * cc.MSS),
		ssthresh: float64(cc.Ssthresh), slowStart: true}

	// each acked byte grows the window by one byte while in slow start
	fs.recvAck(&cc, ackMsg{ackNo: cc.MSS, sendTime: 0.0}, 0.004)
	assert.Equal(t, float64(3*cc.MSS), fs.cwnd)
	assert.True(t, fs.slowStart)

	// reaching ssthresh ends slow start
	fs.recvAck(&cc, ackMsg{ackNo: 2 * cc.MSS, sendTime: 0.0}, 0.008)
	assert.Equal(t, float64(4*cc.MSS), fs.cwnd)
	assert.False(t, fs.slowStart)

	// a mark ends slow start immediately
	fs2 := &flowState{size: 1 << 20, cwnd: float64(2 * cc.MSS),
		ssthresh: float64(cc.Ssthresh), slowStart: true, alpha: 1.0}
	fs2.recvAck(&cc, ackMsg{ackNo: cc.MSS, marked: true, sendTime: 0.0}, 0.004)
	assert.False(t, fs2.slowStart)
}

// TestDuplicateAck checks that a stale cumulative ACK leaves progress
// untouched while its congestion feedback still lands
func TestDuplicateAck(t *testing.T) {
	cc := testDctcpCfg()
	fs := &flowState{size: 1 << 20, cwnd: float64(cc.InitWindow),
		sndUna: 3000, sndNxt: 6000, alpha: 0.0, srtt: 0.004}

	fs.recvAck(&cc, ackMsg{ackNo: 3000, marked: true, sendTime: 0.0}, 0.004)
	assert.Equal(t, 3000, fs.sndUna)
	assert.Equal(t, 1, fs.marks)
	assert.InDelta(t, cc.Gain, fs.alpha, 1e-12)
}

// TestTimeoutReset checks loss recovery: window to the floor, slow start
// restarted toward half the old window, go-back-N resend point
func TestTimeoutReset(t *testing.T) {
	cc := testDctcpCfg()
	fs := &flowState{size: 1 << 20, cwnd: 40000.0, sndUna: 10000,
		sndNxt: 50000}

	fs.timeoutReset(&cc)
	assert.Equal(t, float64(cc.MinWindow), fs.cwnd)
	assert.Equal(t, 20000.0, fs.ssthresh)
	assert.True(t, fs.slowStart)
	assert.Equal(t, 10000, fs.sndNxt)
	assert.Equal(t, 1, fs.retx)

	// with a tiny old window the restart threshold floors at two segments
	fs2 := &flowState{size: 1 << 20, cwnd: float64(cc.MSS)}
	fs2.timeoutReset(&cc)
	assert.Equal(t, float64(2*cc.MSS), fs2.ssthresh)
}

// TestUsableWindow checks the window arithmetic around outstanding bytes
func TestUsableWindow(t *testing.T) {
	fs := &flowState{size: 1 << 20, cwnd: 4500.0, sndUna: 1000, sndNxt: 4000}
	assert.Equal(t, 3000, fs.onTheFly())
	assert.Equal(t, 1500, fs.usableWindow())

	// outstanding beyond the window yields zero, never negative
	fs.sndNxt = 7000
	assert.Equal(t, 0, fs.usableWindow())
}
