package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeProgress_KnownTotal(t *testing.T) {
	tests := []struct {
		name    string
		done    int64
		total   int64
		elapsed time.Duration
		percent int
		speed   int64
		eta     int64
	}{
		{"first batch", 1000, 2500, 2 * time.Second, 40, 500, 3},
		{"second batch", 2000, 2500, 4 * time.Second, 80, 500, 1},
		{"complete", 2500, 2500, 5 * time.Second, 100, 500, 0},
		{"overshoot clamps", 3000, 2500, 3 * time.Second, 100, 1000, 0},
		{"rounding", 1, 3, time.Second, 33, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ComputeProgress(tt.done, tt.total, tt.elapsed)
			require.NotNil(t, p.Percent)
			require.NotNil(t, p.ETASec)
			assert.Equal(t, tt.percent, *p.Percent)
			assert.Equal(t, tt.speed, p.Speed)
			assert.Equal(t, tt.eta, *p.ETASec)
		})
	}
}

func TestComputeProgress_UnknownTotal(t *testing.T) {
	for _, total := range []int64{0, -1} {
		p := ComputeProgress(500, total, 10*time.Second)
		assert.Nil(t, p.Percent)
		assert.Nil(t, p.ETASec)
		assert.Equal(t, int64(50), p.Speed)
	}
}

func TestComputeProgress_SubSecondElapsedCountsAsOne(t *testing.T) {
	p := ComputeProgress(1200, 0, 0)
	assert.Equal(t, int64(1200), p.Speed)

	p = ComputeProgress(1200, 0, 300*time.Millisecond)
	assert.Equal(t, int64(1200), p.Speed)
}

func TestComputeProgress_ZeroSpeedHasNoETA(t *testing.T) {
	p := ComputeProgress(0, 100, 5*time.Second)
	require.NotNil(t, p.Percent)
	assert.Equal(t, 0, *p.Percent)
	assert.Equal(t, int64(0), p.Speed)
	assert.Nil(t, p.ETASec)
}

func TestComputeProgress_PercentNonDecreasing(t *testing.T) {
	const total = 977
	last := -1
	start := time.Duration(0)
	for done := int64(0); done <= total; done += 13 {
		start += 150 * time.Millisecond
		p := ComputeProgress(done, total, start)
		require.NotNil(t, p.Percent)
		assert.GreaterOrEqual(t, *p.Percent, last)
		assert.GreaterOrEqual(t, p.Speed, int64(0))
		last = *p.Percent
	}
}
