package engine

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedRange struct {
	catalog.OperationFunc
	start, end int
}

func (f fixedRange) SelectRange(step, size int) (int, int) { return f.start, f.end }

func TestRotatingWindow(t *testing.T) {
	tests := []struct {
		step, n    int
		start, end int
	}{
		{1, 64, 0, 8},
		{2, 64, 8, 16},
		{8, 64, 56, 64},
		{9, 64, 0, 8},
		{1, 4, 0, 1},
		{4, 4, 3, 4},
		{5, 4, 0, 1},
		{3, 20, 4, 6},
		{11, 20, 0, 2},
		{1, 0, 0, 0},
	}
	for _, tt := range tests {
		start, end := RotatingWindow(tt.step, tt.n)
		assert.Equal(t, tt.start, start, "step %d n %d", tt.step, tt.n)
		assert.Equal(t, tt.end, end, "step %d n %d", tt.step, tt.n)
	}
}

func TestRotatingWindowIsDeterministic(t *testing.T) {
	for step := 1; step < 50; step++ {
		s1, e1 := RotatingWindow(step, 37)
		s2, e2 := RotatingWindow(step, 37)
		assert.Equal(t, s1, s2)
		assert.Equal(t, e1, e2)
		assert.True(t, s1 < e1 && e1 <= 37)
	}
}

func TestSelectWindowOverrides(t *testing.T) {
	plain := catalog.OperationFunc{Name: "P"}
	selector := fixedRange{OperationFunc: plain, start: 2, end: 5}

	tests := []struct {
		name       string
		op         catalog.Operation
		params     map[string]any
		start, end int
	}{
		{"params int", plain, map[string]any{"start": 3, "end": 9}, 3, 9},
		{"params float", plain, map[string]any{"start": 3.0, "end": 9.0}, 3, 9},
		{"start only", plain, map[string]any{"start": 10}, 10, 16},
		{"end only", plain, map[string]any{"end": 4}, 0, 4},
		{"clamped", plain, map[string]any{"start": -3, "end": 99}, 0, 16},
		{"inverted", plain, map[string]any{"start": 9, "end": 3}, 9, 9},
		{"range selector", selector, nil, 2, 5},
		{"params beat selector", selector, map[string]any{"start": 0, "end": 1}, 0, 1},
		{"default", plain, nil, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := SelectWindow(tt.op, tt.params, 1, 16)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}

func TestGatePauseResume(t *testing.T) {
	var g Gate
	require.NoError(t, g.Wait(context.Background()))

	assert.True(t, g.Pause())
	assert.False(t, g.Pause())
	assert.True(t, g.Paused())

	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()

	select {
	case <-released:
		t.Fatal("wait returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	assert.True(t, g.Resume())
	assert.False(t, g.Resume())
	require.NoError(t, <-released)
}

func TestGateWaitHonoursContext(t *testing.T) {
	var g Gate
	g.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
}
