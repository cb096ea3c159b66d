package statistics

import (
	"sync"
	"time"

	"github.com/pg-sharding/rcopy/pkg/models/rerror"
	"github.com/pg-sharding/rcopy/pkg/rlog"
)

type Stage string

const (
	StageConnect Stage = "connect"
	StageResolve Stage = "resolve"
	StageFlush   Stage = "flush"
	StageCopy    Stage = "copy"
)

var Stages = []Stage{StageConnect, StageResolve, StageFlush, StageCopy}

type statisticsInt struct {
	mu           sync.Mutex
	stages       map[Stage]time.Duration
	runStartTime time.Time
	total        time.Duration
	inProgress   bool
}

var runStatistics = statisticsInt{
	stages: map[Stage]time.Duration{},
}

// RunStatistics is the wall time a run spent in each stage.
type RunStatistics struct {
	Total  time.Duration
	Stages map[Stage]time.Duration
}

func RecordRunStart(t time.Time) {
	rlog.Zero.Debug().Msg("run stats: record run start")
	runStatistics.mu.Lock()
	defer runStatistics.mu.Unlock()

	runStatistics.inProgress = true
	runStatistics.runStartTime = t
	runStatistics.total = 0
	runStatistics.stages = map[Stage]time.Duration{}
}

func RecordRunFinish(t time.Time) error {
	rlog.Zero.Debug().Msg("run stats: record run finish")
	runStatistics.mu.Lock()
	defer runStatistics.mu.Unlock()

	if !runStatistics.inProgress {
		return rerror.New(rerror.RCOPY_UNEXPECTED, "unable to record run finish: there's no run in progress")
	}
	runStatistics.inProgress = false
	runStatistics.total = t.Sub(runStatistics.runStartTime)
	return nil
}

// RecordStage adds d to the time spent in stage. Durations outside of a
// run are dropped.
func RecordStage(stage Stage, d time.Duration) {
	runStatistics.mu.Lock()
	defer runStatistics.mu.Unlock()

	if runStatistics.inProgress {
		runStatistics.stages[stage] += d
	}
}

// Measure records the time since start against stage. Meant for defer.
func Measure(stage Stage, start time.Time) {
	RecordStage(stage, time.Since(start))
}

func GetRunStats() *RunStatistics {
	runStatistics.mu.Lock()
	defer runStatistics.mu.Unlock()

	res := &RunStatistics{
		Total:  runStatistics.total,
		Stages: make(map[Stage]time.Duration, len(runStatistics.stages)),
	}
	for k, v := range runStatistics.stages {
		res.Stages[k] = v
	}
	return res
}
