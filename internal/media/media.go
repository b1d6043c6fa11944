// Package media implements the decode engine behind the reader pool: asset
// probing, independent per-domain readers, ranged audio decode resampled to
// a target rate, single video frame decode at an arbitrary frame rate, and
// directional background prefetch.
//
// Audio for WAV, MP3 and Ogg Vorbis decodes natively in-process; everything
// else, and all video, goes through ffmpeg/ffprobe subprocesses.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoAudio = errors.New("asset has no audio stream")
	ErrNoVideo = errors.New("asset has no video stream")
)

// OpenError is the structured record produced when an asset fails to open.
// It feeds the reader pool's offline registry, which treats a missing file
// as a normal runtime condition rather than a contract violation.
type OpenError struct {
	Path    string
	Code    string // "not-found", "probe-failed", "no-streams"
	Message string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %s (%s)", e.Path, e.Message, e.Code)
}

// AssetInfo describes a probed media file
type AssetInfo struct {
	Path     string
	Width    int
	Height   int
	FPS      float64
	Duration float64 // seconds

	HasVideo bool
	HasAudio bool

	SampleRate int
	Channels   int
}

// Engine opens media files. The production implementation is FileEngine;
// the reader pool only depends on this interface.
type Engine interface {
	Open(path string) (Asset, error)
}

// Asset is an opened media file. Readers created from the same asset are
// fully independent: each holds its own decode state and may seek without
// disturbing the others.
type Asset interface {
	Info() AssetInfo
	NewReader() (Reader, error)
	Close() error
}

// Reader decodes from one asset. A Reader is not safe for concurrent use;
// the pool opens one per domain (audio, video) instead of sharing.
type Reader interface {
	// DecodeAudioRange decodes [startSec, endSec) resampled to rate.
	// The returned buffer must be Released by the caller.
	DecodeAudioRange(ctx context.Context, startSec, endSec float64, rate int) (*PCMBuffer, error)

	// DecodeVideoFrame decodes frame idx at the given target frame rate.
	// fps <= 0 uses the asset's native rate. The frame must be Released.
	DecodeVideoFrame(ctx context.Context, idx int, fps float64) (*VideoFrame, error)

	// Directional background prefetch. Results land in a passive cache
	// consulted by DecodeAudioRange; the prefetcher never calls back into
	// the caller.
	StartPrefetch(direction int, speed float64)
	UpdatePrefetch(frameIdx int, direction int, speed float64)
	StopPrefetch()

	Close() error
}

// PCMBuffer holds decoded interleaved float32 samples. Release returns the
// backing slice to a pool; no implicit reclamation happens.
type PCMBuffer struct {
	Samples    []float32
	Frames     int
	SampleRate int
	Channels   int
	StartSec   float64
}

// VideoFrame holds one decoded RGBA frame
type VideoFrame struct {
	Index  int
	Width  int
	Height int
	RGBA   []byte
}

var pcmPool = sync.Pool{
	New: func() any { return &PCMBuffer{} },
}

var framePool = sync.Pool{
	New: func() any { return &VideoFrame{} },
}

func newPCMBuffer(frames, rate, channels int, startSec float64) *PCMBuffer {
	b := pcmPool.Get().(*PCMBuffer)
	need := frames * channels
	if cap(b.Samples) < need {
		b.Samples = make([]float32, need)
	}
	b.Samples = b.Samples[:need]
	b.Frames = frames
	b.SampleRate = rate
	b.Channels = channels
	b.StartSec = startSec
	return b
}

// Release returns the buffer to the pool. The buffer must not be used after.
func (b *PCMBuffer) Release() {
	if b == nil {
		return
	}
	b.Frames = 0
	pcmPool.Put(b)
}

func newVideoFrame(idx, width, height int) *VideoFrame {
	f := framePool.Get().(*VideoFrame)
	need := width * height * 4
	if cap(f.RGBA) < need {
		f.RGBA = make([]byte, need)
	}
	f.RGBA = f.RGBA[:need]
	f.Index = idx
	f.Width = width
	f.Height = height
	return f
}

// Release returns the frame to the pool. The frame must not be used after.
func (f *VideoFrame) Release() {
	if f == nil {
		return
	}
	framePool.Put(f)
}
