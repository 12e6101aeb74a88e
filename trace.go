package minim

import (
	"encoding/json"
	"os"
	"path"
	"strconv"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

type TraceInst struct {
	TraceTime string
	TraceType string
	TraceStr  string
}

// NameType is a an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string
	Type string
}

// TraceManager gathers information about a simulation model and an
// execution of that model
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, keyed by flow id
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(ExpName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = ExpName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace creates a record of the trace using its calling arguments, and stores it
func (tm *TraceManager) AddTrace(vrt vrtime.Time, flowID int, trace TraceInst) {
	if !tm.InUse {
		return
	}

	_, present := tm.Traces[flowID]
	if !present {
		tm.Traces[flowID] = make([]TraceInst, 0)
	}
	tm.Traces[flowID] = append(tm.Traces[flowID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		_, present := tm.NameByID[id]
		if present {
			panic("duplicated id in AddName")
		}
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) bool {
	if !tm.InUse {
		return false
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*tm)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	}

	if merr != nil {
		panic(merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		panic(werr)
	}
	f.Close()
	return true
}

// NetTrace saves information about one network event in the run,
// saved for post-run analysis
type NetTrace struct {
	Time      float64 // time in float64
	Ticks     int64   // ticks variable of time
	Priority  int64   // priority field of time-stamp
	FlowID    int     // external identifier of the flow involved
	ObjID     int     // integer id for object being referenced
	Op        string  // "arrive", "send", "enqueue", "drop", "depart", "deliver", "ack", "tick", "timeout", "complete"
	SeqStart  int     // first byte of the packet involved, -1 when no packet
	SeqEnd    int     // one past the last byte, -1 when no packet
	Marked    bool    // ECN mark state of the packet involved
	Occupancy int     // bottleneck buffer occupancy at the event
	Cwnd      float64 // the flow's congestion window at the event
}

func (ntr *NetTrace) Serialize() string {
	var bytes []byte
	var merr error

	bytes, merr = yaml.Marshal(*ntr)

	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// addTrace creates a record of a network event touching flow fs and stores
// it with the run's trace manager.  The object recorded is the bottleneck
// link for link-side operations and the flow itself otherwise.
func (sim *simState) addTrace(op string, fs *flowState, pkt *packet) {
	if sim.traceMgr == nil || !sim.traceMgr.Active() {
		return
	}
	vrt := sim.evtMgr.CurrentTime()

	ntr := new(NetTrace)
	ntr.Time = vrt.Seconds()
	ntr.Ticks = vrt.Ticks()
	ntr.Priority = vrt.Pri()
	ntr.FlowID = fs.id
	ntr.Op = op
	ntr.Occupancy = sim.link.occupancy
	ntr.Cwnd = fs.cwnd
	ntr.SeqStart, ntr.SeqEnd = -1, -1
	if pkt != nil {
		ntr.SeqStart = pkt.seqStart
		ntr.SeqEnd = pkt.seqEnd
		ntr.Marked = pkt.marked
	}
	switch op {
	case "enqueue", "drop", "depart":
		ntr.ObjID = sim.link.num
	default:
		ntr.ObjID = fs.num
	}

	ntrStr := ntr.Serialize()
	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)

	trcInst := TraceInst{TraceTime: traceTime, TraceType: "network", TraceStr: ntrStr}
	sim.traceMgr.AddTrace(vrt, fs.id, trcInst)
}

// flowName gives the dictionary name of a flow object
func flowName(id int) string {
	return "flow-" + strconv.Itoa(id)
}
