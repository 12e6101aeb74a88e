package minim

// desc.go holds the serializable description of an experiment: the
// bottleneck link, the congestion control parameters, the sources, and
// the flows.  Descriptions move between dictionary files (yaml or json)
// and the run-time structures built at the start of a run.

import (
	"encoding/json"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LinkCfg describes the bottleneck link
type LinkCfg struct {
	// service rate, Mbits/sec
	Bandwidth float64 `json:"bandwidth" yaml:"bandwidth"`

	// buffer capacity, bytes
	Buffer int `json:"buffer" yaml:"buffer"`

	// one-way propagation delay to the destination, seconds
	Latency float64 `json:"latency" yaml:"latency"`

	// ECN marking threshold, bytes; zero selects the buffer size,
	// which disables marking short of overflow
	MarkingK int `json:"markingk" yaml:"markingk"`

	// queueing discipline, "fifo" or "drr"; empty selects fifo
	Discipline string `json:"discipline" yaml:"discipline"`
}

// DctcpCfg describes the congestion control parameters shared by all
// flows in a run
type DctcpCfg struct {
	// EWMA gain on the marking fraction, (0,1]
	Gain float64 `json:"gain" yaml:"gain"`

	// EWMA gain on the RTT estimate, (0,1]
	RttGain float64 `json:"rttgain" yaml:"rttgain"`

	// maximum segment size, bytes
	MSS int `json:"mss" yaml:"mss"`

	// congestion window floor and ceiling, bytes
	MinWindow int `json:"minwindow" yaml:"minwindow"`
	MaxWindow int `json:"maxwindow" yaml:"maxwindow"`

	// initial congestion window, bytes
	InitWindow int `json:"initwindow" yaml:"initwindow"`

	// slow start threshold, bytes
	Ssthresh int `json:"ssthresh" yaml:"ssthresh"`

	// retransmission timeout bound, seconds
	Timeout float64 `json:"timeout" yaml:"timeout"`
}

// SourceDesc describes one traffic source
type SourceDesc struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`

	// propagation delay from the source to the bottleneck, seconds
	Delay float64 `json:"delay" yaml:"delay"`

	// access link rate, Mbits/sec; zero means packets leave the
	// source unpaced
	LinkRate float64 `json:"linkrate" yaml:"linkrate"`
}

// FlowDesc describes one flow of the workload
type FlowDesc struct {
	ID     int     `json:"id" yaml:"id"`
	Source int     `json:"source" yaml:"source"`
	Size   int     `json:"size" yaml:"size"`   // bytes
	Start  float64 `json:"start" yaml:"start"` // seconds
}

// ExperimentCfg gathers the complete description of one run
type ExperimentCfg struct {
	Name    string       `json:"name" yaml:"name"`
	Link    LinkCfg      `json:"link" yaml:"link"`
	Dctcp   DctcpCfg     `json:"dctcp" yaml:"dctcp"`
	Sources []SourceDesc `json:"sources" yaml:"sources"`
	Flows   []FlowDesc   `json:"flows" yaml:"flows"`

	// stop processing events after this time, seconds; zero means run
	// until the event list drains
	TimeLimit float64 `json:"timelimit" yaml:"timelimit"`
}

// applyDefaults fills the zero-valued optional parameters with their
// conventional settings, so a description need only name what it varies
func (cfg *ExperimentCfg) applyDefaults() {
	cc := &cfg.Dctcp
	if cc.Gain == 0.0 {
		cc.Gain = 1.0 / 16.0
	}
	if cc.RttGain == 0.0 {
		cc.RttGain = 1.0 / 8.0
	}
	if cc.MSS == 0 {
		cc.MSS = 1500
	}
	if cc.MinWindow == 0 {
		cc.MinWindow = cc.MSS
	}
	if cc.InitWindow == 0 {
		cc.InitWindow = 10 * cc.MSS
	}
	if cc.MaxWindow == 0 {
		cc.MaxWindow = 1 << 30
	}
	if cc.Ssthresh == 0 {
		cc.Ssthresh = cc.MaxWindow
	}
	if cc.Timeout == 0.0 {
		cc.Timeout = 0.05
	}
	if cfg.Link.MarkingK == 0 {
		cfg.Link.MarkingK = cfg.Link.Buffer
	}
	if cfg.Link.Discipline == "" {
		cfg.Link.Discipline = "fifo"
	}
}

// WriteToFile stores the ExperimentCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (cfg *ExperimentCfg) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*cfg)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*cfg, "", "\t")
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

	return werr
}

// ReadExperimentCfg deserializes a byte slice holding a representation of an
// ExperimentCfg struct.  If the input argument of dict (those bytes) is empty,
// the file whose name is given is read to acquire them.  A deserialized
// representation is returned, or an error if one is generated from a file
// read or the deserialization.
func ReadExperimentCfg(filename string, useYAML bool, dict []byte) (*ExperimentCfg, error) {
	var err error

	// if the dict slice of bytes is empty we get them from the file whose name is an argument
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ExperimentCfg{}

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	return &example, nil
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	err_msg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			err_msg = append(err_msg, err.Error())
		}
	}
	if len(err_msg) == 0 {
		return nil
	}

	return errors.New(strings.Join(err_msg, ","))
}

// CheckFiles probes the file system to ensure that every required file
// exists, or can be created if needed
func CheckFiles(names []string, checkExistence bool) (bool, error) {
	// make sure that every directory along a path exists
	for _, name := range names {
		directory, _ := path.Split(name)
		if directory == "" {
			continue
		}
		_, err := os.Stat(directory)
		if err != nil {
			return false, err
		}
	}

	if !checkExistence {
		return true, nil
	}

	errList := []error{}
	for _, name := range names {
		if _, err := os.Stat(name); err != nil {
			errList = append(errList, err)
		}
	}
	return len(errList) == 0, ReportErrs(errList)
}
