// Package stretch implements the time-stretch engine behind the playback
// pump. PCM is pushed in timestamped windows keyed to the source timeline;
// Render pulls output frames at the configured signed speed. Retargeting is
// only legal at transport events; the transport controller owns that rule.
package stretch

import (
	"fmt"
	"math"
	"sort"
)

// Mode selects the latency/pitch/speed-range tradeoff for rendering.
type Mode int

const (
	// ModeStandard is the pitch-corrected mode used in the 1x neighborhood.
	ModeStandard Mode = iota
	// ModeSlowMo is the pitch-corrected, higher-latency mode for extreme
	// slow motion below 0.25x.
	ModeSlowMo
	// ModeDecimate renders by sample decimation with no pitch correction,
	// used above the stretched-speed ceiling.
	ModeDecimate
)

func (m Mode) String() string {
	switch m {
	case ModeStandard:
		return "standard"
	case ModeSlowMo:
		return "slowmo"
	case ModeDecimate:
		return "decimate"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Stretcher is the capability contract the transport controller and pump
// depend on. Engine is the built-in implementation; tests may substitute
// their own.
type Stretcher interface {
	// Reset drops all pushed PCM and clears starvation.
	Reset()
	// SetTarget repositions the render head. Transport events only.
	SetTarget(timeSec float64, signedSpeed float64, mode Mode)
	// Render produces up to n output frames at the device rate.
	Render(n int) (buf []float32, produced int)
	// PushPCM inserts frames at the given source-timeline timestamp,
	// replacing any overlapping previously-pushed range. skip drops frames
	// from the head of buf, maxFrames caps how many are used (0 = all).
	PushPCM(buf []float32, frames int, timestampSec float64, skip, maxFrames int) error
	// RenderTime reports the source-timeline position of the render head.
	RenderTime() float64
	// Starved reports whether a Render ran out of pushed PCM.
	Starved() bool
	ClearStarved()
}

// segment is a contiguous run of pushed frames on the source timeline.
type segment struct {
	startFrame int64
	data       []float32 // interleaved
}

func (s *segment) frames() int64 { return int64(len(s.data)) }

// Engine is the built-in varispeed stretcher. Standard and slow-mo modes
// interpolate between source frames; decimate picks nearest frames.
type Engine struct {
	sampleRate int
	channels   int
	blockSize  int

	// sorted by startFrame, non-overlapping
	segments []segment

	speed float64
	mode  Mode

	// render head in source frames (fractional)
	renderPos float64

	starved bool

	// scratch output buffer reused across Render calls
	out []float32
}

// frames kept resident on either side of the render head before old pushes
// are dropped
const retainSeconds = 10

// New creates a stretcher rendering at the given output format
func New(sampleRate, channels, blockSize int) *Engine {
	if sampleRate <= 0 || channels <= 0 {
		panic(fmt.Sprintf("stretch.New: invalid format %d Hz / %d ch", sampleRate, channels))
	}
	if blockSize <= 0 {
		blockSize = 512
	}
	return &Engine{
		sampleRate: sampleRate,
		channels:   channels,
		blockSize:  blockSize,
		speed:      1.0,
	}
}

// Reset drops all pushed PCM and clears starvation
func (e *Engine) Reset() {
	e.segments = e.segments[:0]
	e.starved = false
}

// SetTarget repositions the render head and sets speed/mode
func (e *Engine) SetTarget(timeSec float64, signedSpeed float64, mode Mode) {
	e.renderPos = timeSec * float64(e.sampleRate)
	e.speed = signedSpeed
	e.mode = mode
}

// RenderTime reports the render head position in seconds
func (e *Engine) RenderTime() float64 {
	return e.renderPos / float64(e.sampleRate)
}

func (e *Engine) Starved() bool  { return e.starved }
func (e *Engine) ClearStarved()  { e.starved = false }
func (e *Engine) Mode() Mode     { return e.mode }
func (e *Engine) Speed() float64 { return e.speed }

// PushPCM inserts frames at the given timestamp, replacing overlap.
// buf holds frames*channels interleaved samples before skip/max are applied.
func (e *Engine) PushPCM(buf []float32, frames int, timestampSec float64, skip, maxFrames int) error {
	if frames*e.channels > len(buf) {
		return fmt.Errorf("push: %d frames exceed buffer of %d samples", frames, len(buf))
	}
	if skip < 0 || skip > frames {
		return fmt.Errorf("push: invalid skip %d for %d frames", skip, frames)
	}
	frames -= skip
	buf = buf[skip*e.channels:]
	if maxFrames > 0 && frames > maxFrames {
		frames = maxFrames
	}
	if frames == 0 {
		return nil
	}

	startFrame := int64(math.Round(timestampSec*float64(e.sampleRate))) + int64(skip)

	data := make([]float32, frames*e.channels)
	copy(data, buf[:frames*e.channels])

	e.insert(segment{startFrame: startFrame, data: data})
	e.trim()
	return nil
}

// insert places seg into the sorted segment list, carving out any overlap
// with previously pushed ranges. Newer pushes win.
func (e *Engine) insert(seg segment) {
	segEnd := seg.startFrame + seg.frames()/int64(e.channels)

	var kept []segment
	for _, old := range e.segments {
		oldEnd := old.startFrame + old.frames()/int64(e.channels)
		if oldEnd <= seg.startFrame || old.startFrame >= segEnd {
			kept = append(kept, old)
			continue
		}
		// Keep the non-overlapping head of the old segment
		if old.startFrame < seg.startFrame {
			n := (seg.startFrame - old.startFrame) * int64(e.channels)
			kept = append(kept, segment{startFrame: old.startFrame, data: old.data[:n]})
		}
		// Keep the non-overlapping tail of the old segment
		if oldEnd > segEnd {
			off := (segEnd - old.startFrame) * int64(e.channels)
			kept = append(kept, segment{startFrame: segEnd, data: old.data[off:]})
		}
	}
	kept = append(kept, seg)
	sort.Slice(kept, func(i, j int) bool { return kept[i].startFrame < kept[j].startFrame })
	e.segments = kept
}

// trim drops segments entirely outside the retention horizon around the
// render head so steady playback does not accumulate the whole timeline
func (e *Engine) trim() {
	horizon := int64(retainSeconds * e.sampleRate)
	lo := int64(e.renderPos) - horizon
	hi := int64(e.renderPos) + horizon

	kept := e.segments[:0]
	for _, s := range e.segments {
		end := s.startFrame + s.frames()/int64(e.channels)
		if end < lo || s.startFrame > hi {
			continue
		}
		kept = append(kept, s)
	}
	e.segments = kept
}

// sample reads one source frame into dst, returning false if the frame has
// not been pushed
func (e *Engine) sample(frame int64, dst []float32) bool {
	i := sort.Search(len(e.segments), func(i int) bool {
		end := e.segments[i].startFrame + e.segments[i].frames()/int64(e.channels)
		return end > frame
	})
	if i >= len(e.segments) || e.segments[i].startFrame > frame {
		return false
	}
	off := (frame - e.segments[i].startFrame) * int64(e.channels)
	copy(dst, e.segments[i].data[off:off+int64(e.channels)])
	return true
}

// Render produces up to n output frames, advancing the render head by
// speed frames of source per frame of output. Stops early and flags
// starvation when the head runs past the pushed PCM.
func (e *Engine) Render(n int) ([]float32, int) {
	if n <= 0 {
		return nil, 0
	}
	need := n * e.channels
	if cap(e.out) < need {
		e.out = make([]float32, need)
	}
	out := e.out[:need]

	a := make([]float32, e.channels)
	b := make([]float32, e.channels)

	produced := 0
	pos := e.renderPos
	for ; produced < n; produced++ {
		base := int64(math.Floor(pos))
		frac := float32(pos - math.Floor(pos))

		if !e.sample(base, a) {
			e.starved = true
			break
		}

		switch e.mode {
		case ModeDecimate:
			// Nearest-frame pickup: no pitch correction
			copy(out[produced*e.channels:], a)
		default:
			// Interpolated pickup; treat a missing right neighbor as a
			// hold so a window edge does not starve one frame early.
			if !e.sample(base+1, b) {
				copy(b, a)
			}
			for ch := 0; ch < e.channels; ch++ {
				out[produced*e.channels+ch] = a[ch]*(1-frac) + b[ch]*frac
			}
		}

		pos += e.speed
	}

	e.renderPos = pos
	return out[:produced*e.channels], produced
}
