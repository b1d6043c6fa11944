package engine

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/famish99/voralay/internal/media"
	"github.com/famish99/voralay/internal/metrics"
	"github.com/famish99/voralay/internal/readerpool"
)

// Source describes one configured audio source. Offset maps source time to
// playback time (playback = source + Offset); ClipStart/ClipEnd bound the
// audible range in playback time.
type Source struct {
	Path      string
	Offset    float64
	Volume    float64
	Duration  float64
	ClipStart float64
	ClipEnd   float64
}

// identity is what source change-detection compares: volume is excluded so
// a volume-only reconfiguration can hot-swap without a transport event.
type identity struct {
	path     string
	offset   float64
	duration float64
}

// sameMaterial reports whether two source lists reference the same material,
// ignoring volume and list order
func sameMaterial(a, b []Source) bool {
	if len(a) != len(b) {
		return false
	}
	ids := func(ss []Source) []identity {
		out := make([]identity, len(ss))
		for i, s := range ss {
			out[i] = identity{path: s.Path, offset: s.Offset, duration: s.Duration}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].path != out[j].path {
				return out[i].path < out[j].path
			}
			if out[i].offset != out[j].offset {
				return out[i].offset < out[j].offset
			}
			return out[i].duration < out[j].duration
		})
		return out
	}
	ia, ib := ids(a), ids(b)
	for i := range ia {
		if ia[i] != ib[i] {
			return false
		}
	}
	return true
}

func validateSources(sources []Source) error {
	for i, s := range sources {
		if s.Path == "" {
			return fmt.Errorf("set sources: source %d has empty path", i)
		}
		if s.Duration <= 0 {
			return fmt.Errorf("set sources: source %d (%s) has duration %v", i, s.Path, s.Duration)
		}
		if s.ClipEnd <= s.ClipStart {
			return fmt.Errorf("set sources: source %d (%s) clip [%v, %v) is empty",
				i, s.Path, s.ClipStart, s.ClipEnd)
		}
		if s.Volume < 0 {
			return fmt.Errorf("set sources: source %d (%s) has negative volume %v", i, s.Path, s.Volume)
		}
	}
	return nil
}

// minClipEnd bounds the PCM window: it never extends past the earliest
// clip end across configured sources
func minClipEnd(sources []Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	m := math.MaxFloat64
	for _, s := range sources {
		if s.ClipEnd < m {
			m = s.ClipEnd
		}
	}
	return m
}

// maxClipEnd is the transport's maximum playback time
func maxClipEnd(sources []Source) float64 {
	m := 0.0
	for _, s := range sources {
		if s.ClipEnd > m {
			m = s.ClipEnd
		}
	}
	return m
}

func minClipStart(sources []Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	m := math.MaxFloat64
	for _, s := range sources {
		if s.ClipStart < m {
			m = s.ClipStart
		}
	}
	return m
}

// backward slack the coverage check tolerates, absorbing codec
// frame-alignment delay without forcing a refetch
const coverageSlackSec = 0.1

// margin from a window edge at which the window is considered due for
// extension
const edgeMarginSec = 1.0

// pcmWindow tracks the bounds of decoded samples currently pushed into the
// stretch engine
type pcmWindow struct {
	valid    bool
	startSec float64
	endSec   float64
	frames   int
}

func (w *pcmWindow) invalidate() {
	w.valid = false
	w.startSec, w.endSec, w.frames = 0, 0, 0
}

// covers reports whether the window already holds pos, with backward slack
func (w *pcmWindow) covers(pos float64) bool {
	return w.valid && pos >= w.startSec-coverageSlackSec && pos <= w.endSec
}

// nearExtendableEdge reports whether pos approaches an edge that can still
// grow within [0, limit]
func (w *pcmWindow) nearExtendableEdge(pos, limit float64) bool {
	if !w.valid {
		return false
	}
	if pos > w.endSec-edgeMarginSec && w.endSec < limit {
		return true
	}
	if pos < w.startSec+edgeMarginSec && w.startSec > 0 {
		return true
	}
	return false
}

// nearEdge reports whether pos is close to either bound, used to classify
// stretch starvation severity
func (w *pcmWindow) nearEdge(pos float64) bool {
	if !w.valid {
		return true
	}
	return pos < w.startSec+edgeMarginSec || pos > w.endSec-edgeMarginSec
}

// ensureWindow makes sure the stretch engine holds decoded PCM around pos,
// refetching only when uncovered or when an extendable edge is near.
// Callers hold the controller lock.
func (c *Controller) ensureWindow(pos float64) error {
	if len(c.sources) == 0 {
		return nil
	}
	limit := minClipEnd(c.sources)
	if c.window.covers(pos) && !c.window.nearExtendableEdge(pos, limit) {
		return nil
	}
	return c.fillWindow(pos)
}

// fillWindow decodes and mixes a symmetric window around pos and pushes it
// into the stretch engine, replacing whatever overlapped
func (c *Controller) fillWindow(pos float64) error {
	limit := minClipEnd(c.sources)
	half := c.cfg.Playback.WindowSeconds

	winStart := pos - half
	if winStart < 0 {
		winStart = 0
	}
	winEnd := pos + half
	if winEnd > limit {
		winEnd = limit
	}
	if winEnd <= winStart {
		c.window.invalidate()
		return nil
	}

	metrics.WindowRefetchesTotal.Inc()

	if len(c.sources) == 1 {
		if err := c.fillSingle(c.sources[0], winStart, winEnd); err != nil {
			return err
		}
	} else if err := c.fillMixed(winStart, winEnd); err != nil {
		return err
	}

	c.window.valid = true
	c.window.startSec = winStart
	c.window.endSec = winEnd
	c.window.frames = int((winEnd - winStart) * float64(c.sampleRate))
	return nil
}

// fillSingle decodes one source directly, trimming decoder overshoot past
// the clip boundary, and pushes it timestamped
func (c *Controller) fillSingle(s Source, winStart, winEnd float64) error {
	buf, startPlayback, err := c.decodeSourceRange(s, winStart, winEnd)
	if err != nil {
		return err
	}
	if buf == nil {
		return nil // no overlap: nothing to push
	}
	defer buf.Release()

	samples := c.adaptChannels(buf.Samples, buf.Channels)
	frames := len(samples) / c.channels

	// Trim overshoot past the clip end
	maxFrames := int((s.ClipEnd - startPlayback) * float64(c.sampleRate))
	if frames > maxFrames {
		frames = maxFrames
	}
	if frames <= 0 {
		return nil
	}

	if s.Volume != 1.0 {
		scaled := samples[:frames*c.channels]
		for i := range scaled {
			scaled[i] *= float32(s.Volume)
		}
	}

	return c.st.PushPCM(samples, frames, startPlayback, 0, 0)
}

// fillMixed decodes every source into its own source-relative window and
// sums them, scaled by per-source volume, into one mix buffer
func (c *Controller) fillMixed(winStart, winEnd float64) error {
	var mix []float32
	var mixFrames int

	for _, s := range c.sources {
		buf, startPlayback, err := c.decodeSourceRange(s, winStart, winEnd)
		if err != nil {
			return err
		}
		if buf == nil {
			continue // no data in range: skipped, not an error
		}

		samples := c.adaptChannels(buf.Samples, buf.Channels)
		frames := len(samples) / c.channels

		if mix == nil {
			// One mix buffer sized to the first successful decode
			mixFrames = int((winEnd - winStart) * float64(c.sampleRate))
			if frames > mixFrames {
				mixFrames = frames
			}
			mix = make([]float32, mixFrames*c.channels)
		}

		offset := int((startPlayback - winStart) * float64(c.sampleRate))
		vol := float32(s.Volume)
		for f := 0; f < frames; f++ {
			dst := offset + f
			if dst < 0 || dst >= mixFrames {
				continue
			}
			for ch := 0; ch < c.channels; ch++ {
				mix[dst*c.channels+ch] += samples[f*c.channels+ch] * vol
			}
		}
		buf.Release()
	}

	if mix == nil {
		return nil
	}

	// Clamp the sum into range
	for i, v := range mix {
		if v > 1 {
			mix[i] = 1
		} else if v < -1 {
			mix[i] = -1
		}
	}

	return c.st.PushPCM(mix, mixFrames, winStart, 0, 0)
}

// decodeSourceRange decodes the part of [winStart, winEnd) the source
// overlaps, in its own timeline, and reports the playback time of the first
// decoded frame. A nil buffer with nil error means no overlap. An offline
// source is excluded softly; a genuine decode error is returned.
func (c *Controller) decodeSourceRange(s Source, winStart, winEnd float64) (buf *media.PCMBuffer, startPlayback float64, err error) {
	start := math.Max(winStart, s.ClipStart)
	end := math.Min(winEnd, s.ClipEnd)
	if end <= start {
		return nil, 0, nil
	}

	// Convert to the source's own timeline and bound to its material
	srcStart := math.Max(start-s.Offset, 0)
	srcEnd := math.Min(end-s.Offset, s.Duration)
	if srcEnd <= srcStart {
		return nil, 0, nil
	}

	pcm, err := c.pool.GetAudioPCMForPath(s.Path, srcStart, srcEnd, c.sampleRate)
	if err != nil {
		var offline *readerpool.OfflineError
		if errors.As(err, &offline) {
			log.Printf("Mix: skipping offline source %s (%s)", s.Path, offline.Record.Code)
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("decode source %s: %w", s.Path, err)
	}
	return pcm, srcStart + s.Offset, nil
}

// adaptChannels converts interleaved samples to the session channel count
func (c *Controller) adaptChannels(in []float32, channels int) []float32 {
	if channels == c.channels {
		return in
	}
	frames := len(in) / channels
	out := make([]float32, frames*c.channels)
	for f := 0; f < frames; f++ {
		switch {
		case channels == 1:
			// mono fan-out
			for ch := 0; ch < c.channels; ch++ {
				out[f*c.channels+ch] = in[f]
			}
		case c.channels == 1:
			// downmix by average
			var sum float32
			for ch := 0; ch < channels; ch++ {
				sum += in[f*channels+ch]
			}
			out[f] = sum / float32(channels)
		default:
			for ch := 0; ch < c.channels; ch++ {
				src := ch
				if src >= channels {
					src = channels - 1
				}
				out[f*c.channels+ch] = in[f*channels+src]
			}
		}
	}
	return out
}
