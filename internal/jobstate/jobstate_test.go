package jobstate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaccount-provisioner/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.StatusPending, models.StatusProcessing, true},
		{models.StatusPending, models.StatusPaused, true},
		{models.StatusPending, models.StatusCompleted, false},
		{models.StatusProcessing, models.StatusPaused, true},
		{models.StatusProcessing, models.StatusCompleted, true},
		{models.StatusProcessing, models.StatusFailed, true},
		{models.StatusProcessing, models.StatusPending, false},
		{models.StatusPaused, models.StatusProcessing, true},
		{models.StatusPaused, models.StatusPending, true},
		{models.StatusPaused, models.StatusCompleted, false},
		{models.StatusFailed, models.StatusPending, true},
		{models.StatusFailed, models.StatusProcessing, false},
		{models.StatusCompleted, models.StatusPending, false},
		{models.StatusCompleted, models.StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPlanRejectsInvalidTransition(t *testing.T) {
	job := models.Job{Status: models.StatusCompleted}
	_, err := Plan(job, models.StatusProcessing, time.Now(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestPlanFirstStartSetsStartedAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	job := models.Job{Status: models.StatusPending}

	eff, err := Plan(job, models.StatusProcessing, now, "")
	require.NoError(t, err)
	require.NotNil(t, eff.StartedAt)
	assert.Equal(t, now, *eff.StartedAt)
	assert.Nil(t, eff.ResumedAt)
	assert.Equal(t, EventJobStarted, eff.Event)
}

func TestPlanRequeuedStartSetsResumedAt(t *testing.T) {
	started := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	job := models.Job{Status: models.StatusPending, StartedAt: &started}

	eff, err := Plan(job, models.StatusProcessing, started.Add(time.Hour), "")
	require.NoError(t, err)
	assert.Nil(t, eff.StartedAt)
	require.NotNil(t, eff.ResumedAt)
	assert.Equal(t, EventJobResumed, eff.Event)
}

func TestPauseResumeAccumulatesOnlyProcessingTime(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	job := models.Job{Status: models.StatusPending, Total: 10}

	step := func(to string, at time.Time) {
		t.Helper()
		eff, err := Plan(job, to, at, "")
		require.NoError(t, err)
		Apply(&job, eff, at)
	}

	step(models.StatusProcessing, t0)
	step(models.StatusPaused, t0.Add(90*time.Second))
	assert.EqualValues(t, 90, job.RunningSeconds)

	// Time spent paused must not count.
	step(models.StatusProcessing, t0.Add(time.Hour))
	step(models.StatusPaused, t0.Add(time.Hour+30*time.Second))
	assert.EqualValues(t, 120, job.RunningSeconds)

	step(models.StatusProcessing, t0.Add(2*time.Hour))
	job.Processed = 10
	step(models.StatusCompleted, t0.Add(2*time.Hour+60*time.Second))
	assert.EqualValues(t, 180, job.RunningSeconds)
	require.NotNil(t, job.ItemsPerMinute)
	assert.InDelta(t, 3.33, *job.ItemsPerMinute, 0.001)
	require.NotNil(t, job.CompletedAt)
}

func TestPlanFailedStoresMessageAndRetryClearsIt(t *testing.T) {
	t0 := time.Now()
	job := models.Job{Status: models.StatusProcessing, StartedAt: &t0}

	eff, err := Plan(job, models.StatusFailed, t0.Add(5*time.Second), "boom")
	require.NoError(t, err)
	Apply(&job, eff, t0)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "boom", *job.ErrorMessage)
	assert.EqualValues(t, 5, job.RunningSeconds)
	assert.Equal(t, EventJobFailed, eff.Event)

	eff, err = Plan(job, models.StatusPending, t0, "")
	require.NoError(t, err)
	Apply(&job, eff, t0)
	assert.Nil(t, job.ErrorMessage)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.EqualValues(t, 5, job.RunningSeconds)
}

func TestPlanCompletedKeepsQuotaMessage(t *testing.T) {
	t0 := time.Now()
	job := models.Job{Status: models.StatusProcessing, StartedAt: &t0}
	eff, err := Plan(job, models.StatusCompleted, t0, "quota reached")
	require.NoError(t, err)
	require.NotNil(t, eff.ErrorMessage)
	assert.Equal(t, "quota reached", *eff.ErrorMessage)
	assert.Nil(t, eff.ItemsPerMinute)
}

func TestMilestonesFireOncePerWindow(t *testing.T) {
	m := NewMilestones()
	var got []string
	for processed := 1; processed <= 20; processed++ {
		if ev, ok := m.Observe(processed, 20); ok {
			got = append(got, ev)
		}
	}
	assert.Equal(t, []string{EventProgress25, EventProgress50, EventProgress75}, got)

	// 26/100 then 27/100 both fall inside [25,30); only the first emits.
	m = NewMilestones()
	_, ok := m.Observe(26, 100)
	assert.True(t, ok)
	_, ok = m.Observe(27, 100)
	assert.False(t, ok)
}

func TestMilestoneForSkipsOutsideWindow(t *testing.T) {
	_, ok := MilestoneFor(3, 10)
	assert.False(t, ok)
	ev, ok := MilestoneFor(1, 2)
	assert.True(t, ok)
	assert.Equal(t, EventProgress50, ev)
	_, ok = MilestoneFor(0, 0)
	assert.False(t, ok)
}
