package minim

// workload.go turns the externally supplied source and flow lists into
// arrival events, after a validation pass that rejects malformed input
// before any simulation state is touched.  It also holds a synthetic
// workload builder for driving parameter sweeps.

import (
	"hash/fnv"
	"math"
	"sort"

	"github.com/iti/rngstream"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// validateExperiment checks the full experiment description and fails
// fast with ErrMalformedInput on the first violation; no partial
// simulation ever runs on invalid input
func validateExperiment(cfg *ExperimentCfg) error {
	if !(cfg.Link.Bandwidth > 0.0) {
		return errors.Wrapf(ErrMalformedInput,
			"link bandwidth %g must be positive", cfg.Link.Bandwidth)
	}
	if cfg.Link.Buffer < cfg.Dctcp.MSS {
		return errors.Wrapf(ErrMalformedInput,
			"link buffer %d cannot hold one %d byte segment",
			cfg.Link.Buffer, cfg.Dctcp.MSS)
	}
	if cfg.Link.Latency < 0.0 {
		return errors.Wrapf(ErrMalformedInput,
			"link latency %g is negative", cfg.Link.Latency)
	}
	if cfg.Link.MarkingK < 0 {
		return errors.Wrapf(ErrMalformedInput,
			"marking threshold %d is negative", cfg.Link.MarkingK)
	}
	if cfg.Link.Discipline != "" && cfg.Link.Discipline != "fifo" &&
		cfg.Link.Discipline != "drr" {
		return errors.Wrapf(ErrMalformedInput,
			"unknown queueing discipline %q", cfg.Link.Discipline)
	}

	cc := &cfg.Dctcp
	if !(cc.Gain > 0.0) || cc.Gain > 1.0 {
		return errors.Wrapf(ErrMalformedInput,
			"DCTCP gain %g outside (0,1]", cc.Gain)
	}
	if !(cc.RttGain > 0.0) || cc.RttGain > 1.0 {
		return errors.Wrapf(ErrMalformedInput,
			"RTT gain %g outside (0,1]", cc.RttGain)
	}
	if cc.MSS <= 0 || cc.MinWindow <= 0 || cc.InitWindow <= 0 ||
		cc.MaxWindow < cc.MinWindow {
		return errors.Wrapf(ErrMalformedInput,
			"inconsistent window parameters mss=%d min=%d init=%d max=%d",
			cc.MSS, cc.MinWindow, cc.InitWindow, cc.MaxWindow)
	}
	if !(cc.Timeout > 0.0) {
		return errors.Wrapf(ErrMalformedInput,
			"timeout bound %g must be positive", cc.Timeout)
	}

	srcIDs := []int{}
	for _, src := range cfg.Sources {
		if slices.Contains(srcIDs, src.ID) {
			return errors.Wrapf(ErrMalformedInput,
				"source id %d appears more than once", src.ID)
		}
		srcIDs = append(srcIDs, src.ID)
		if src.Delay < 0.0 {
			return errors.Wrapf(ErrMalformedInput,
				"source %d delay %g is negative", src.ID, src.Delay)
		}
		if src.LinkRate < 0.0 {
			return errors.Wrapf(ErrMalformedInput,
				"source %d link rate %g is negative", src.ID, src.LinkRate)
		}
	}

	flowIDs := []int{}
	for _, flow := range cfg.Flows {
		if slices.Contains(flowIDs, flow.ID) {
			return errors.Wrapf(ErrMalformedInput,
				"flow id %d appears more than once", flow.ID)
		}
		flowIDs = append(flowIDs, flow.ID)
		if !slices.Contains(srcIDs, flow.Source) {
			return errors.Wrapf(ErrMalformedInput,
				"flow %d references unknown source %d", flow.ID, flow.Source)
		}
		if flow.Size < 0 {
			return errors.Wrapf(ErrMalformedInput,
				"flow %d size %d is negative", flow.ID, flow.Size)
		}
		if flow.Start < 0.0 {
			return errors.Wrapf(ErrMalformedInput,
				"flow %d start time %g is negative", flow.ID, flow.Start)
		}
	}
	return nil
}

// workload walks the flow list in start-time order, scheduling each
// arrival as it goes rather than loading every arrival up front
type workload struct {
	sim   *simState
	flows []FlowDesc // sorted by (start, id)
	nxt   int
}

// startWorkload orders the flow list deterministically and primes the
// first workload step
func startWorkload(sim *simState) {
	wl := new(workload)
	wl.sim = sim
	wl.flows = append([]FlowDesc{}, sim.cfg.Flows...)
	sort.SliceStable(wl.flows, func(i, j int) bool {
		if wl.flows[i].Start != wl.flows[j].Start {
			return wl.flows[i].Start < wl.flows[j].Start
		}
		return wl.flows[i].ID < wl.flows[j].ID
	})
	if len(wl.flows) == 0 {
		return
	}
	schedule(sim.evtMgr, wl, nil, workloadStep, 0.0)
}

// workloadStep schedules the next flow's arrival and re-arms itself for
// the one after, the same treadmill pattern the arrival process uses
// throughout the simulator
func workloadStep(evtMgr *EventManager, context any, data any) any {
	wl := context.(*workload)
	if wl.nxt >= len(wl.flows) {
		return nil
	}
	now := evtMgr.CurrentSeconds()

	desc := wl.flows[wl.nxt]
	wl.nxt += 1
	schedule(evtMgr, wl.sim, desc, flowArrive, math.Max(desc.Start-now, 0.0))

	if wl.nxt < len(wl.flows) {
		schedule(evtMgr, wl, nil, workloadStep,
			math.Max(wl.flows[wl.nxt].Start-now, 0.0))
	}
	return nil
}

// SyntheticWorkload describes a randomly generated flow list: n flows
// spread round-robin across the given sources, with interarrival times
// and sizes drawn from the named distributions.  The stream name seeds
// the generator, so equal names reproduce equal workloads.
type SyntheticWorkload struct {
	StreamName string  `json:"streamname" yaml:"streamname"`
	Flows      int     `json:"flows" yaml:"flows"`
	Sources    []int   `json:"sources" yaml:"sources"`
	InterDist  string  `json:"interdist" yaml:"interdist"` // "exp" or "const"
	MeanInter  float64 `json:"meaninter" yaml:"meaninter"` // seconds
	SizeDist   string  `json:"sizedist" yaml:"sizedist"`   // "exp" or "const"
	MeanSize   int     `json:"meansize" yaml:"meansize"`   // bytes
	StartAt    float64 `json:"startat" yaml:"startat"`     // seconds
}

// Build materializes the synthetic description into a concrete flow list
func (sw *SyntheticWorkload) Build() ([]FlowDesc, error) {
	if sw.Flows < 0 || len(sw.Sources) == 0 || !(sw.MeanInter > 0.0) || sw.MeanSize <= 0 {
		return nil, errors.Wrap(ErrMalformedInput, "incomplete synthetic workload description")
	}
	sampleInter, err := sampler(sw.InterDist)
	if err != nil {
		return nil, err
	}
	sampleSize, err := sampler(sw.SizeDist)
	if err != nil {
		return nil, err
	}

	// the package seed advances on every stream creation, so pin it to a
	// hash of the stream name first; equal names then draw equal samples
	hash := fnv.New32a()
	hash.Write([]byte(sw.StreamName))
	rngstream.SetRngStreamMasterSeed(uint64(hash.Sum32()) % 4294944437)
	rngstrm := rngstream.New(sw.StreamName)

	arrivalRate := 1.0 / sw.MeanInter
	sizeRate := 1.0 / float64(sw.MeanSize)

	flows := make([]FlowDesc, 0, sw.Flows)
	t := sw.StartAt
	for idx := 0; idx < sw.Flows; idx++ {
		t = roundFloat(t+sampleInter(rngstrm.RandU01(), []float64{arrivalRate}), rdigits)
		size := int(sampleSize(rngstrm.RandU01(), []float64{sizeRate}))
		if size < 1 {
			size = 1
		}
		flows = append(flows, FlowDesc{
			ID:     idx,
			Source: sw.Sources[idx%len(sw.Sources)],
			Size:   size,
			Start:  t,
		})
	}
	return flows, nil
}

// sampler maps a distribution name to its sampling function
func sampler(dist string) (func(float64, []float64) float64, error) {
	switch dist {
	case "exponential", "exp", "expon", "":
		return sampleExpRV, nil
	case "constant", "const":
		return sampleConst, nil
	}
	return nil, errors.Wrapf(ErrMalformedInput, "unknown distribution %q", dist)
}

// expRV returns a sample of an exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampleExpRV has the function signature expected for sampling a next
// interarrival time
func sampleExpRV(u01 float64, params []float64) float64 {
	return expRV(u01, params[0])
}

// sampleConst is the constant-interarrival counterpart
func sampleConst(u01 float64, params []float64) float64 {
	return 1.0 / params[0]
}
