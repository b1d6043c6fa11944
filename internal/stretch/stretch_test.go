package stretch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ramp builds frames of interleaved stereo where both channels carry the
// frame index, making positions directly observable in rendered output
func ramp(start, frames int) []float32 {
	buf := make([]float32, frames*2)
	for f := 0; f < frames; f++ {
		v := float32(start + f)
		buf[f*2] = v
		buf[f*2+1] = v
	}
	return buf
}

func newEngine() *Engine {
	return New(1000, 2, 256) // 1kHz keeps frame/second math readable
}

func TestNewPanicsOnInvalidFormat(t *testing.T) {
	assert.Panics(t, func() { New(0, 2, 256) })
	assert.Panics(t, func() { New(48000, 0, 256) })
}

func TestRenderAtUnitySpeedReturnsPushedFrames(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.PushPCM(ramp(0, 100), 100, 0, 0, 0))
	e.SetTarget(0, 1.0, ModeStandard)

	out, produced := e.Render(50)
	require.Equal(t, 50, produced)
	for f := 0; f < 50; f++ {
		assert.InDelta(t, float32(f), out[f*2], 1e-4)
		assert.InDelta(t, float32(f), out[f*2+1], 1e-4)
	}
	assert.False(t, e.Starved())
	assert.InDelta(t, 0.05, e.RenderTime(), 1e-9)
}

func TestRenderInterpolatesAtFractionalSpeed(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.PushPCM(ramp(0, 100), 100, 0, 0, 0))
	e.SetTarget(0, 0.5, ModeStandard)

	out, produced := e.Render(10)
	require.Equal(t, 10, produced)
	// A linear ramp interpolates to the fractional position itself
	for f := 0; f < 10; f++ {
		assert.InDelta(t, float32(f)*0.5, out[f*2], 1e-4)
	}
}

func TestRenderReverse(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.PushPCM(ramp(0, 100), 100, 0, 0, 0))
	e.SetTarget(0.05, -1.0, ModeStandard) // head at frame 50

	out, produced := e.Render(10)
	require.Equal(t, 10, produced)
	for f := 0; f < 10; f++ {
		assert.InDelta(t, float32(50-f), out[f*2], 1e-4)
	}
	assert.InDelta(t, 0.04, e.RenderTime(), 1e-9)
}

func TestDecimatePicksNearestFrame(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.PushPCM(ramp(0, 100), 100, 0, 0, 0))
	e.SetTarget(0, 4.0, ModeDecimate)

	out, produced := e.Render(10)
	require.Equal(t, 10, produced)
	for f := 0; f < 10; f++ {
		assert.Equal(t, float32(f*4), out[f*2])
	}
}

func TestRenderStarvesPastPushedRange(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.PushPCM(ramp(0, 30), 30, 0, 0, 0))
	e.SetTarget(0, 1.0, ModeStandard)

	_, produced := e.Render(50)
	assert.Equal(t, 30, produced)
	assert.True(t, e.Starved())

	e.ClearStarved()
	assert.False(t, e.Starved())
}

func TestRenderWithNothingPushedStarvesImmediately(t *testing.T) {
	e := newEngine()
	e.SetTarget(0, 1.0, ModeStandard)
	_, produced := e.Render(10)
	assert.Equal(t, 0, produced)
	assert.True(t, e.Starved())
}

func TestMissingRightNeighborHeldNotStarved(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.PushPCM(ramp(0, 10), 10, 0, 0, 0))
	e.SetTarget(0.0095, 0.5, ModeStandard) // fractional positions near the edge

	out, produced := e.Render(1)
	require.Equal(t, 1, produced)
	// Frame 9.5 interpolates against a held frame 9
	assert.InDelta(t, 9.0, float64(out[0]), 1e-4)
}

func TestPushReplacesOverlap(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.PushPCM(ramp(0, 100), 100, 0, 0, 0))

	// Re-push frames 20..39 with different content; the newer push wins
	repl := make([]float32, 20*2)
	for i := range repl {
		repl[i] = -1
	}
	require.NoError(t, e.PushPCM(repl, 20, 0.02, 0, 0))

	e.SetTarget(0, 1.0, ModeStandard)
	out, produced := e.Render(60)
	require.Equal(t, 60, produced)

	assert.InDelta(t, 19.0, float64(out[19*2]), 1e-4)
	assert.InDelta(t, -1.0, float64(out[20*2]), 1e-1) // interpolation blends the seam
	assert.Equal(t, float32(-1), out[25*2])
	assert.InDelta(t, 41.0, float64(out[41*2]), 1e-4)
}

func TestPushSkipAndMaxFrames(t *testing.T) {
	e := newEngine()
	// Push frames 0..99 but skip the first 10 and keep only 20
	require.NoError(t, e.PushPCM(ramp(0, 100), 100, 0, 10, 20))

	e.SetTarget(0.01, 1.0, ModeStandard) // frame 10, where the kept range starts
	out, produced := e.Render(20)
	require.Equal(t, 20, produced)
	assert.InDelta(t, 10.0, float64(out[0]), 1e-4)
	assert.InDelta(t, 29.0, float64(out[19*2]), 1e-4)

	_, produced = e.Render(1)
	assert.Equal(t, 0, produced)
	assert.True(t, e.Starved())
}

func TestPushValidation(t *testing.T) {
	e := newEngine()
	assert.Error(t, e.PushPCM(make([]float32, 10), 100, 0, 0, 0))
	assert.Error(t, e.PushPCM(ramp(0, 10), 10, 0, -1, 0))
	assert.Error(t, e.PushPCM(ramp(0, 10), 10, 0, 11, 0))
}

func TestResetDropsEverything(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.PushPCM(ramp(0, 100), 100, 0, 0, 0))
	e.SetTarget(0, 1.0, ModeStandard)
	e.Reset()

	_, produced := e.Render(10)
	assert.Equal(t, 0, produced)
	assert.True(t, e.Starved())
}

func TestPushCopiesInput(t *testing.T) {
	e := newEngine()
	buf := ramp(0, 10)
	require.NoError(t, e.PushPCM(buf, 10, 0, 0, 0))
	for i := range buf {
		buf[i] = 99 // caller reuses its buffer
	}

	e.SetTarget(0, 1.0, ModeStandard)
	out, produced := e.Render(10)
	require.Equal(t, 10, produced)
	assert.Equal(t, float32(5), out[5*2])
}

func TestSetTargetRepositionsHead(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.PushPCM(ramp(0, 1000), 1000, 0, 0, 0))
	e.SetTarget(0.5, 1.0, ModeStandard)

	out, produced := e.Render(5)
	require.Equal(t, 5, produced)
	assert.Equal(t, float32(500), out[0])
	assert.Equal(t, 1.0, e.Speed())
	assert.Equal(t, ModeStandard, e.Mode())
}

func TestTrimDropsSegmentsOutsideRetention(t *testing.T) {
	e := New(1000, 2, 256)
	require.NoError(t, e.PushPCM(ramp(0, 100), 100, 0, 0, 0))

	// Move the head far past the retention horizon and push again to
	// trigger trimming; the old segment must be gone
	e.SetTarget(100, 1.0, ModeStandard)
	require.NoError(t, e.PushPCM(ramp(0, 10), 10, 100, 0, 0))

	e.SetTarget(0, 1.0, ModeStandard)
	_, produced := e.Render(1)
	assert.Equal(t, 0, produced)
	assert.True(t, e.Starved())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "standard", ModeStandard.String())
	assert.Equal(t, "slowmo", ModeSlowMo.String())
	assert.Equal(t, "decimate", ModeDecimate.String())
}
