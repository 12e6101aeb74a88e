package minim

// records.go holds the per-flow completion record, the emitter that
// accumulates records in completion order, the summary statistics
// computed over a finished run, and serialization of the record list.

import (
	"encoding/json"
	"os"
	"path"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"
)

// Record is the per-flow output of a run, emitted at the instant the
// flow's last byte is delivered
type Record struct {
	FlowID   int     `json:"flowid" yaml:"flowid"`
	SourceID int     `json:"sourceid" yaml:"sourceid"`
	Size     int     `json:"size" yaml:"size"`
	Start    float64 `json:"start" yaml:"start"`
	End      float64 `json:"end" yaml:"end"`
	FCT      float64 `json:"fct" yaml:"fct"`
	Ideal    float64 `json:"ideal" yaml:"ideal"`
	Marks    int     `json:"marks" yaml:"marks"`
	Drops    int     `json:"drops" yaml:"drops"`
	Retx     int     `json:"retx" yaml:"retx"`
}

// Slowdown is the flow's completion time relative to its ideal,
// contention-free completion time
func (rec *Record) Slowdown() float64 {
	if rec.Ideal == 0.0 {
		return 1.0
	}
	return rec.FCT / rec.Ideal
}

// RecordEmitter accumulates completion records in the order the
// completion events fire, which makes the record list itself a
// determinism witness for the run
type RecordEmitter struct {
	records []Record
}

func (re *RecordEmitter) add(rec Record) {
	re.records = append(re.records, rec)
}

// Records returns the accumulated records in completion order
func (re *RecordEmitter) Records() []Record {
	return re.records
}

// Summary aggregates a record list for quick comparison across runs
type Summary struct {
	Flows        int     `json:"flows" yaml:"flows"`
	MeanFCT      float64 `json:"meanfct" yaml:"meanfct"`
	MedianFCT    float64 `json:"medianfct" yaml:"medianfct"`
	P99FCT       float64 `json:"p99fct" yaml:"p99fct"`
	MeanSlowdown float64 `json:"meanslowdown" yaml:"meanslowdown"`
	Marks        int     `json:"marks" yaml:"marks"`
	Drops        int     `json:"drops" yaml:"drops"`
	Retx         int     `json:"retx" yaml:"retx"`
}

// Summarize computes summary statistics over a record list
func Summarize(records []Record) Summary {
	smry := Summary{Flows: len(records)}
	if len(records) == 0 {
		return smry
	}

	fcts := make([]float64, 0, len(records))
	slowdowns := make([]float64, 0, len(records))
	for _, rec := range records {
		fcts = append(fcts, rec.FCT)
		slowdowns = append(slowdowns, rec.Slowdown())
		smry.Marks += rec.Marks
		smry.Drops += rec.Drops
		smry.Retx += rec.Retx
	}
	sort.Float64s(fcts)

	smry.MeanFCT = stat.Mean(fcts, nil)
	smry.MedianFCT = stat.Quantile(0.5, stat.Empirical, fcts, nil)
	smry.P99FCT = stat.Quantile(0.99, stat.Empirical, fcts, nil)
	smry.MeanSlowdown = stat.Mean(slowdowns, nil)
	return smry
}

// RecordList is the serializable form of a run's output
type RecordList struct {
	Name    string   `json:"name" yaml:"name"`
	Records []Record `json:"records" yaml:"records"`
}

// WriteToFile stores the RecordList struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (rl *RecordList) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*rl)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*rl, "", "\t")
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

// ReadRecordList deserializes a byte slice holding a representation of a
// RecordList struct.  If the input argument of dict (those bytes) is empty,
// the file whose name is given is read to acquire them.  A deserialized
// representation is returned, or an error if one is generated from a file
// read or the deserialization.
func ReadRecordList(filename string, useYAML bool, dict []byte) (*RecordList, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := RecordList{}

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
