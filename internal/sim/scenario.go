package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ScenarioScript describes how the simulated receiver's solution evolves,
// for example autonomous → RTK float → RTK fixed as corrections arrive.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 40s
//	keyframes:
//	  - t: 0s
//	    quality: 1
//	    satellites: 9
//	    hdop: 1.8
//	  - t: 10s
//	    quality: 5
//	    satellites: 16
//	    hdop: 0.9
//
// Keyframes must use non-decreasing t values. Quality and satellite count
// hold until the next keyframe; HDOP is interpolated.
type ScenarioScript struct {
	Version   int                `yaml:"version"`
	Duration  time.Duration      `yaml:"duration"`
	Keyframes []SolutionKeyframe `yaml:"keyframes"`
}

type SolutionKeyframe struct {
	T          time.Duration `yaml:"t"`
	Quality    int           `yaml:"quality"`
	Satellites int           `yaml:"satellites"`
	HDOP       float64       `yaml:"hdop"`
}

type SolutionState struct {
	Quality    int
	Satellites int
	HDOP       float64
}

// Scenario is the validated, runtime form of a ScenarioScript.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
}

// Convergence is the built-in profile: 10s autonomous, 15s float, then fixed.
var Convergence = ScenarioScript{
	Version:  1,
	Duration: 60 * time.Second,
	Keyframes: []SolutionKeyframe{
		{T: 0, Quality: 1, Satellites: 9, HDOP: 1.8},
		{T: 10 * time.Second, Quality: 5, Satellites: 16, HDOP: 0.9},
		{T: 25 * time.Second, Quality: 4, Satellites: 20, HDOP: 0.7},
	},
}

func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		if kf.Quality < 0 || kf.Quality > 9 {
			return nil, fmt.Errorf("keyframes[%d].quality out of range: %d", i, kf.Quality)
		}
		if kf.Satellites < 0 || kf.Satellites > 99 {
			return nil, fmt.Errorf("keyframes[%d].satellites out of range: %d", i, kf.Satellites)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = script.Keyframes[len(script.Keyframes)-1].T
	}
	if dur <= 0 {
		// A single keyframe at t=0 is a constant solution.
		dur = time.Second
	}
	return &Scenario{script: script, duration: dur}, nil
}

func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// StateAt computes the solution at elapsed. With loop, elapsed wraps around
// Duration(); otherwise it is clamped to [0, Duration()].
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) SolutionState {
	if s == nil {
		return SolutionState{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if loop {
		elapsed = elapsed % s.duration
	} else if elapsed > s.duration {
		elapsed = s.duration
	}

	k0, k1, alpha := selectSegment(s.script.Keyframes, elapsed)
	return SolutionState{
		Quality:    k0.Quality,
		Satellites: k0.Satellites,
		HDOP:       lerp(k0.HDOP, k1.HDOP, alpha),
	}
}

func selectSegment(kfs []SolutionKeyframe, t time.Duration) (SolutionKeyframe, SolutionKeyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
