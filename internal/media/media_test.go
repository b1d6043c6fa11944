package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRate = 8000

// writeRampWAV writes one second of 16-bit mono where sample f holds the
// value f-4000, so any decoded range identifies its own position
func writeRampWAV(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "ramp.wav")

	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, testRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: testRate},
		Data:           make([]int, testRate),
		SourceBitDepth: 16,
	}
	for i := range buf.Data {
		buf.Data[i] = i - 4000
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func rampValue(frame int) float64 {
	return float64(frame-4000) / 32768.0
}

func TestNativeFormat(t *testing.T) {
	assert.True(t, nativeFormat("a.wav"))
	assert.True(t, nativeFormat("A.WAV"))
	assert.True(t, nativeFormat("a.mp3"))
	assert.True(t, nativeFormat("a.ogg"))
	assert.True(t, nativeFormat("a.oga"))
	assert.False(t, nativeFormat("a.mov"))
	assert.False(t, nativeFormat("a"))
}

func TestProbeWAV(t *testing.T) {
	path := writeRampWAV(t, t.TempDir())

	info, err := ProbeAsset(path)
	require.NoError(t, err)
	assert.True(t, info.HasAudio)
	assert.False(t, info.HasVideo)
	assert.Equal(t, testRate, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.InDelta(t, 1.0, info.Duration, 0.01)
}

func TestProbeMissingFile(t *testing.T) {
	_, err := ProbeAsset(filepath.Join(t.TempDir(), "nope.wav"))
	require.Error(t, err)

	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, "not-found", openErr.Code)
}

func TestDecodeAudioRangeNative(t *testing.T) {
	path := writeRampWAV(t, t.TempDir())

	asset, err := NewFileEngine(0).Open(path)
	require.NoError(t, err)
	defer asset.Close()

	r, err := asset.NewReader()
	require.NoError(t, err)
	defer r.Close()

	buf, err := r.DecodeAudioRange(context.Background(), 0.25, 0.5, testRate)
	require.NoError(t, err)
	defer buf.Release()

	assert.Equal(t, 2000, buf.Frames)
	assert.Equal(t, testRate, buf.SampleRate)
	assert.Equal(t, 1, buf.Channels)
	assert.Equal(t, 0.25, buf.StartSec)

	assert.InDelta(t, rampValue(2000), float64(buf.Samples[0]), 1e-4)
	assert.InDelta(t, rampValue(3999), float64(buf.Samples[1999]), 1e-4)
}

func TestDecodeBackwardRangeReopens(t *testing.T) {
	path := writeRampWAV(t, t.TempDir())

	asset, err := NewFileEngine(0).Open(path)
	require.NoError(t, err)
	defer asset.Close()

	r, err := asset.NewReader()
	require.NoError(t, err)
	defer r.Close()

	fwd, err := r.DecodeAudioRange(context.Background(), 0.5, 0.75, testRate)
	require.NoError(t, err)
	assert.InDelta(t, rampValue(4000), float64(fwd.Samples[0]), 1e-4)
	fwd.Release()

	// Moving backward forces the forward-only cursor to reopen
	back, err := r.DecodeAudioRange(context.Background(), 0.0, 0.25, testRate)
	require.NoError(t, err)
	defer back.Release()
	assert.InDelta(t, rampValue(0), float64(back.Samples[0]), 1e-4)
	assert.InDelta(t, rampValue(100), float64(back.Samples[100]), 1e-4)
}

func TestDecodeResamplesToTargetRate(t *testing.T) {
	path := writeRampWAV(t, t.TempDir())

	asset, err := NewFileEngine(0).Open(path)
	require.NoError(t, err)
	defer asset.Close()

	r, err := asset.NewReader()
	require.NoError(t, err)
	defer r.Close()

	buf, err := r.DecodeAudioRange(context.Background(), 0.25, 0.5, 2*testRate)
	require.NoError(t, err)
	defer buf.Release()

	assert.Equal(t, 2*testRate, buf.SampleRate)
	assert.Equal(t, 4000, buf.Frames)
	// Doubled rate interpolates midway between neighboring ramp values
	assert.InDelta(t, rampValue(2000), float64(buf.Samples[0]), 1e-4)
	mid := (rampValue(2000) + rampValue(2001)) / 2
	assert.InDelta(t, mid, float64(buf.Samples[1]), 1e-4)
}

func TestDecodeRejectsInvalidRange(t *testing.T) {
	path := writeRampWAV(t, t.TempDir())

	asset, err := NewFileEngine(0).Open(path)
	require.NoError(t, err)
	defer asset.Close()

	r, err := asset.NewReader()
	require.NoError(t, err)
	defer r.Close()

	_, err = r.DecodeAudioRange(context.Background(), 1.0, 0.5, testRate)
	assert.Error(t, err)
	_, err = r.DecodeAudioRange(context.Background(), 0, 1, 0)
	assert.Error(t, err)
}

func TestDecodeVideoFrameWithoutVideoStream(t *testing.T) {
	path := writeRampWAV(t, t.TempDir())

	asset, err := NewFileEngine(0).Open(path)
	require.NoError(t, err)
	defer asset.Close()

	r, err := asset.NewReader()
	require.NoError(t, err)
	defer r.Close()

	_, err = r.DecodeVideoFrame(context.Background(), 0, 25)
	assert.ErrorIs(t, err, ErrNoVideo)
}

func TestReadersAreIndependent(t *testing.T) {
	path := writeRampWAV(t, t.TempDir())

	asset, err := NewFileEngine(0).Open(path)
	require.NoError(t, err)
	defer asset.Close()

	a, err := asset.NewReader()
	require.NoError(t, err)
	defer a.Close()
	b, err := asset.NewReader()
	require.NoError(t, err)
	defer b.Close()

	// Interleaved decodes must not disturb each other's cursor
	bufA, err := a.DecodeAudioRange(context.Background(), 0.5, 0.6, testRate)
	require.NoError(t, err)
	bufB, err := b.DecodeAudioRange(context.Background(), 0.1, 0.2, testRate)
	require.NoError(t, err)
	defer bufA.Release()
	defer bufB.Release()

	assert.InDelta(t, rampValue(4000), float64(bufA.Samples[0]), 1e-4)
	assert.InDelta(t, rampValue(800), float64(bufB.Samples[0]), 1e-4)
}

func TestResampleLinear(t *testing.T) {
	in := []float32{0, 1, 2, 3}

	same := resampleLinear(in, 1, 1000, 1000)
	assert.Equal(t, in, same)

	up := resampleLinear(in, 1, 1000, 2000)
	require.Len(t, up, 8)
	assert.InDelta(t, 0.0, float64(up[0]), 1e-6)
	assert.InDelta(t, 0.5, float64(up[1]), 1e-6)
	assert.InDelta(t, 1.0, float64(up[2]), 1e-6)

	down := resampleLinear(in, 1, 2000, 1000)
	require.Len(t, down, 2)
	assert.InDelta(t, 0.0, float64(down[0]), 1e-6)
	assert.InDelta(t, 2.0, float64(down[1]), 1e-6)
}

func TestParseRate(t *testing.T) {
	assert.InDelta(t, 29.97, parseRate("30000/1001"), 0.01)
	assert.Equal(t, 25.0, parseRate("25"))
	assert.Equal(t, 0.0, parseRate(""))
	assert.Equal(t, 0.0, parseRate("30/0"))
}

func TestPrefetchLookup(t *testing.T) {
	p := &prefetcher{
		chunks: []pfChunk{
			{startFrame: 1000, channels: 1, data: []float32{1, 2, 3, 4, 5, 6, 7, 8}},
		},
	}

	data, channels, ok := p.lookup(1002, 4)
	require.True(t, ok)
	assert.Equal(t, 1, channels)
	assert.Equal(t, []float32{3, 4, 5, 6}, data)

	_, _, ok = p.lookup(1006, 4) // runs past the chunk
	assert.False(t, ok)
	_, _, ok = p.lookup(500, 2) // before the chunk
	assert.False(t, ok)
}

func TestPrefetchHorizonFollowsConfiguredFrames(t *testing.T) {
	info := AssetInfo{Path: "x.wav", HasAudio: true, SampleRate: 8000, FPS: 25}

	p := newPrefetcher(info, 50)
	assert.InDelta(t, 2.0, p.horizonSec, 1e-9)

	// Zero falls back to the default depth
	p = newPrefetcher(info, 0)
	assert.InDelta(t, float64(defaultPrefetchFrames)/25.0, p.horizonSec, 1e-9)

	// Audio-only assets without a frame rate assume 25fps
	info.FPS = 0
	p = newPrefetcher(info, 25)
	assert.InDelta(t, 1.0, p.horizonSec, 1e-9)
}

func TestEngineThreadsPrefetchDepthToReaders(t *testing.T) {
	path := writeRampWAV(t, t.TempDir())

	asset, err := NewFileEngine(36).Open(path)
	require.NoError(t, err)
	defer asset.Close()

	r, err := asset.NewReader()
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 36, r.(*fileReader).prefetchFrames)
}
