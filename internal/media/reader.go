package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"sync"
)

// frames decoded ahead of the playhead when no prefetch depth is configured
const defaultPrefetchFrames = 50

// fileReader decodes from one asset. It holds a forward-only native decode
// cursor; a backward range reopens the source. Not safe for concurrent use,
// which is why the pool opens one reader per domain.
type fileReader struct {
	info           AssetInfo
	native         bool
	prefetchFrames int

	src     pcmSource
	srcPos  int64 // next source frame the cursor will produce
	scratch []float32

	pf *prefetcher
}

// DecodeAudioRange decodes [startSec, endSec) resampled to rate
func (r *fileReader) DecodeAudioRange(ctx context.Context, startSec, endSec float64, rate int) (*PCMBuffer, error) {
	if !r.info.HasAudio {
		return nil, ErrNoAudio
	}
	if endSec <= startSec {
		return nil, fmt.Errorf("decode range: end %.3f not after start %.3f", endSec, startSec)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("decode range: invalid target rate %d", rate)
	}

	if !r.native {
		return r.decodeAudioExec(ctx, startSec, endSec, rate)
	}

	nativeRate := r.info.SampleRate
	startF := int64(math.Floor(startSec * float64(nativeRate)))
	endF := int64(math.Ceil(endSec * float64(nativeRate)))
	frames := int(endF - startF)

	raw, channels, err := r.readNativeRange(startF, frames)
	if err != nil {
		return nil, err
	}

	res := resampleLinear(raw, channels, nativeRate, rate)
	out := newPCMBuffer(len(res)/channels, rate, channels, startSec)
	copy(out.Samples, res)
	return out, nil
}

// readNativeRange produces raw samples at the native rate, serving from the
// prefetch cache when it covers the range
func (r *fileReader) readNativeRange(startF int64, frames int) ([]float32, int, error) {
	if r.pf != nil {
		if data, channels, ok := r.pf.lookup(startF, frames); ok {
			return data, channels, nil
		}
	}

	// Forward-only cursor: reopen on any backward movement
	if r.src == nil || startF < r.srcPos {
		if r.src != nil {
			r.src.Close()
		}
		src, err := openNativeSource(r.info.Path)
		if err != nil {
			return nil, 0, err
		}
		r.src = src
		r.srcPos = 0
	}

	if startF > r.srcPos {
		if err := skipFrames(r.src, int(startF-r.srcPos)); err != nil {
			return nil, 0, fmt.Errorf("seek to frame %d: %w", startF, err)
		}
		r.srcPos = startF
	}

	data, err := readFrames(r.src, frames)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %d frames at %d: %w", frames, startF, err)
	}
	r.srcPos += int64(len(data) / r.src.Channels())
	return data, r.src.Channels(), nil
}

// decodeAudioExec decodes through ffmpeg for containers without a native path
func (r *fileReader) decodeAudioExec(ctx context.Context, startSec, endSec float64, rate int) (*PCMBuffer, error) {
	channels := r.info.Channels
	if channels <= 0 {
		channels = 2
	}
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-v", "error",
		"-ss", fmt.Sprintf("%.6f", startSec),
		"-t", fmt.Sprintf("%.6f", endSec-startSec),
		"-i", r.info.Path,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ar", fmt.Sprintf("%d", rate),
		"-ac", fmt.Sprintf("%d", channels),
		"pipe:1",
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	raw, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode %s: %w\nstderr: %s", r.info.Path, err, stderr.String())
	}

	// Trim to float32 alignment
	raw = raw[:len(raw)-len(raw)%4]
	frames := len(raw) / 4 / channels

	out := newPCMBuffer(frames, rate, channels, startSec)
	for i := range out.Samples {
		out.Samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// DecodeVideoFrame decodes one frame at the target frame rate via ffmpeg
func (r *fileReader) DecodeVideoFrame(ctx context.Context, idx int, fps float64) (*VideoFrame, error) {
	if !r.info.HasVideo {
		return nil, ErrNoVideo
	}
	if idx < 0 {
		return nil, fmt.Errorf("decode frame: negative index %d", idx)
	}
	if fps <= 0 {
		fps = r.info.FPS
	}
	if fps <= 0 {
		fps = 25
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-v", "error",
		"-ss", fmt.Sprintf("%.6f", float64(idx)/fps),
		"-i", r.info.Path,
		"-frames:v", "1",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	raw, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg frame %d of %s: %w\nstderr: %s", idx, r.info.Path, err, stderr.String())
	}

	need := r.info.Width * r.info.Height * 4
	if len(raw) < need {
		return nil, fmt.Errorf("short frame %d of %s: got %d bytes, want %d", idx, r.info.Path, len(raw), need)
	}

	frame := newVideoFrame(idx, r.info.Width, r.info.Height)
	copy(frame.RGBA, raw[:need])
	return frame, nil
}

// StartPrefetch begins decoding ahead of the playhead on a background
// goroutine. Results are passively cached; nothing calls back into the reader.
func (r *fileReader) StartPrefetch(direction int, speed float64) {
	if !r.native || !r.info.HasAudio {
		return
	}
	if r.pf == nil {
		r.pf = newPrefetcher(r.info, r.prefetchFrames)
	}
	r.pf.start(direction, speed)
}

// UpdatePrefetch repositions the prefetcher to the given frame index
func (r *fileReader) UpdatePrefetch(frameIdx int, direction int, speed float64) {
	if r.pf == nil {
		return
	}
	fps := r.info.FPS
	if fps <= 0 {
		fps = 25
	}
	r.pf.update(float64(frameIdx)/fps, direction, speed)
}

// StopPrefetch stops the background decoder, keeping the passive cache
func (r *fileReader) StopPrefetch() {
	if r.pf != nil {
		r.pf.stop()
	}
}

func (r *fileReader) Close() error {
	if r.pf != nil {
		r.pf.stop()
		r.pf = nil
	}
	if r.src != nil {
		err := r.src.Close()
		r.src = nil
		return err
	}
	return nil
}

// ---- background prefetch ----

type pfChunk struct {
	startFrame int64
	channels   int
	data       []float32
}

type pfRequest struct {
	posSec    float64
	direction int
	speed     float64
}

// prefetcher decodes ahead of an externally-updated position with its own
// source, so the reader's cursor is never disturbed. Decoded chunks land in
// a small passive cache.
type prefetcher struct {
	info       AssetInfo
	horizonSec float64

	mu     sync.Mutex
	chunks []pfChunk

	reqCh  chan pfRequest
	stopCh chan struct{}
	done   chan struct{}
}

const pfMaxChunks = 8

// newPrefetcher creates a prefetcher decoding horizonFrames ahead of the
// playhead, converted to seconds at the asset frame rate
func newPrefetcher(info AssetInfo, horizonFrames int) *prefetcher {
	if horizonFrames <= 0 {
		horizonFrames = defaultPrefetchFrames
	}
	fps := info.FPS
	if fps <= 0 {
		fps = 25
	}
	return &prefetcher{info: info, horizonSec: float64(horizonFrames) / fps}
}

func (p *prefetcher) start(direction int, speed float64) {
	if p.stopCh != nil {
		return // already running
	}
	p.reqCh = make(chan pfRequest, 1)
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop()
	p.update(0, direction, speed)
}

func (p *prefetcher) update(posSec float64, direction int, speed float64) {
	if p.reqCh == nil {
		return
	}
	// Latest position wins; drop a stale pending request
	select {
	case <-p.reqCh:
	default:
	}
	p.reqCh <- pfRequest{posSec: posSec, direction: direction, speed: speed}
}

func (p *prefetcher) stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.done
	p.stopCh = nil
	p.reqCh = nil
}

func (p *prefetcher) loop() {
	defer close(p.done)

	var src pcmSource
	var srcPos int64
	defer func() {
		if src != nil {
			src.Close()
		}
	}()

	for {
		select {
		case <-p.stopCh:
			return
		case req := <-p.reqCh:
			start := req.posSec
			if req.direction < 0 {
				start -= p.horizonSec
			}
			if start < 0 {
				start = 0
			}

			rate := p.info.SampleRate
			startF := int64(start * float64(rate))
			frames := int(p.horizonSec * float64(rate))

			if p.covered(startF, frames) {
				continue
			}

			if src == nil || startF < srcPos {
				if src != nil {
					src.Close()
				}
				s, err := openNativeSource(p.info.Path)
				if err != nil {
					continue
				}
				src = s
				srcPos = 0
			}
			if startF > srcPos {
				if skipFrames(src, int(startF-srcPos)) != nil {
					src.Close()
					src = nil
					continue
				}
				srcPos = startF
			}
			data, err := readFrames(src, frames)
			if err != nil {
				continue
			}
			srcPos += int64(len(data) / src.Channels())

			p.mu.Lock()
			p.chunks = append(p.chunks, pfChunk{
				startFrame: startF,
				channels:   src.Channels(),
				data:       data,
			})
			if len(p.chunks) > pfMaxChunks {
				p.chunks = p.chunks[len(p.chunks)-pfMaxChunks:]
			}
			p.mu.Unlock()
		}
	}
}

func (p *prefetcher) covered(startF int64, frames int) bool {
	_, _, ok := p.lookup(startF, frames)
	return ok
}

// lookup copies frames out of the passive cache when one chunk covers the
// whole range
func (p *prefetcher) lookup(startF int64, frames int) ([]float32, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.chunks {
		chunkFrames := int64(len(c.data) / c.channels)
		if startF >= c.startFrame && startF+int64(frames) <= c.startFrame+chunkFrames {
			off := (startF - c.startFrame) * int64(c.channels)
			out := make([]float32, frames*c.channels)
			copy(out, c.data[off:off+int64(frames*c.channels)])
			return out, c.channels, true
		}
	}
	return nil, 0, false
}
