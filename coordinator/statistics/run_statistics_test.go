package statistics_test

import (
	"testing"
	"time"

	"github.com/pg-sharding/rcopy/coordinator/statistics"
	"github.com/stretchr/testify/assert"
)

func TestRunStatistics(t *testing.T) {
	assert := assert.New(t)

	start := time.Now()
	statistics.RecordRunStart(start)
	statistics.RecordStage(statistics.StageConnect, 2*time.Second)
	statistics.RecordStage(statistics.StageCopy, 5*time.Second)
	statistics.RecordStage(statistics.StageCopy, time.Second)
	assert.NoError(statistics.RecordRunFinish(start.Add(10 * time.Second)))

	stats := statistics.GetRunStats()
	assert.Equal(10*time.Second, stats.Total)
	assert.Equal(2*time.Second, stats.Stages[statistics.StageConnect])
	assert.Equal(6*time.Second, stats.Stages[statistics.StageCopy])
	assert.Zero(stats.Stages[statistics.StageFlush])

	statistics.RecordStage(statistics.StageFlush, time.Second)
	assert.Zero(statistics.GetRunStats().Stages[statistics.StageFlush])
}

func TestRunFinishWithoutStart(t *testing.T) {
	statistics.RecordRunStart(time.Now())
	assert.NoError(t, statistics.RecordRunFinish(time.Now()))
	assert.Error(t, statistics.RecordRunFinish(time.Now()))
}
