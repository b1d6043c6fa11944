// Package engine implements the playback transport: the device clock
// anchoring that derives playback time, the cooperative pump that keeps the
// device fed, and the mixer that turns configured sources into the PCM
// window behind the stretch engine. All mutable state lives under one mutex;
// the package exposes no globals so sessions can coexist.
package engine

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/famish99/voralay/internal/config"
	"github.com/famish99/voralay/internal/device"
	"github.com/famish99/voralay/internal/readerpool"
	"github.com/famish99/voralay/internal/stretch"
)

// Speed bounds. Above stretchedSpeedCeiling the stretcher switches to
// decimation; maxSpeed is the hard transport limit.
const (
	slowMoThreshold       = 0.25
	stretchedSpeedCeiling = 2.0
	maxSpeed              = 32.0
)

// Controller owns one playback session: the output device, the stretch
// engine, the configured sources, and the clock anchoring that maps the
// device playhead to playback time.
type Controller struct {
	mu sync.Mutex

	cfg  *config.Config
	pool *readerpool.Pool
	open device.OpenFunc

	dev device.Device
	st  stretch.Stretcher

	initialized bool
	sampleRate  int
	channels    int

	// Transport state. anchorTime is the playback time at the epoch while
	// playing, or simply the current position while stopped.
	playing     bool
	anchorTime  float64
	speed       float64
	mode        stretch.Mode
	maxTime     float64
	epochMicros int64

	sources []Source
	window  pcmWindow

	// Pump scheduling. pumpGen invalidates ticks scheduled before the last
	// transport event; pumping rejects re-entrant ticks.
	pumping  bool
	pumpGen  int64
	burstGen int64
}

// NewController creates an idle controller. InitSession must run before any
// transport operation.
func NewController(cfg *config.Config, pool *readerpool.Pool, open device.OpenFunc) *Controller {
	return &Controller{
		cfg:   cfg,
		pool:  pool,
		open:  open,
		speed: 1.0,
	}
}

// InitSession opens the output device and prepares the stretch engine.
// Calling it on a live session is an error; shut down first.
func (c *Controller) InitSession(sampleRate, channels int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return fmt.Errorf("init session: session already initialized")
	}
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("init session: invalid format %d Hz / %d ch", sampleRate, channels)
	}

	dev, err := c.open(sampleRate, channels, c.cfg.Device.TargetBufferMS)
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}

	c.dev = dev
	c.st = stretch.New(sampleRate, channels, c.cfg.Playback.MaxChunkFrames)
	c.sampleRate = sampleRate
	c.channels = channels
	c.initialized = true
	c.playing = false
	c.anchorTime = 0
	c.speed = 1.0
	c.mode = stretch.ModeStandard
	c.window.invalidate()

	log.Printf("Session initialized: %d Hz, %d channels", sampleRate, channels)
	return nil
}

// ShutdownSession stops playback and closes the device. The reader pool
// belongs to the caller and stays open.
func (c *Controller) ShutdownSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil
	}
	c.pumpGen++
	if c.playing {
		c.dev.Stop()
		c.playing = false
	}
	err := c.dev.Close()
	c.dev = nil
	c.st = nil
	c.initialized = false
	c.window.invalidate()
	log.Printf("Session shut down")
	return err
}

// GetTime reports the current playback time. While playing it is derived
// from the device playhead against the epoch; while stopped it is the last
// anchored position. Never triggers decode or device writes.
func (c *Controller) GetTime() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return 0, fmt.Errorf("get time: no session")
	}
	return c.currentTimeLocked(), nil
}

// currentTimeLocked derives playback time from the epoch. The device
// playhead must never regress behind the epoch; that means the device lied
// about its write position and every derived time after it would be wrong.
func (c *Controller) currentTimeLocked() float64 {
	if !c.playing {
		return c.anchorTime
	}

	playhead, err := c.dev.PlayheadMicros()
	if err != nil {
		log.Printf("GetTime: playhead read failed, holding anchor: %v", err)
		return c.anchorTime
	}
	if playhead < c.epochMicros {
		panic(fmt.Sprintf("get time: device playhead %dus regressed behind epoch %dus",
			playhead, c.epochMicros))
	}

	elapsed := float64(playhead-c.epochMicros) / 1e6
	elapsed -= c.cfg.Device.LatencyCompensation().Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	t := c.anchorTime + elapsed*c.speed

	// Round to the sample grid in the direction of travel so a reverse
	// scrub never stalls on a fractional frame
	n := t * float64(c.sampleRate)
	if c.speed < 0 {
		t = math.Ceil(n) / float64(c.sampleRate)
	} else {
		t = math.Floor(n) / float64(c.sampleRate)
	}

	return c.clampTime(t)
}

func (c *Controller) clampTime(t float64) float64 {
	if t < 0 {
		return 0
	}
	if c.maxTime > 0 && t > c.maxTime {
		return c.maxTime
	}
	return t
}

// reanchorLocked records a fresh epoch at time t: the device queue is
// flushed, the playhead re-read, and the stretch engine retargeted. This is
// the only place the epoch moves; calling it outside a transport event
// would double-count elapsed device time.
func (c *Controller) reanchorLocked(t float64) error {
	t = c.clampTime(t)
	c.anchorTime = t

	if err := c.dev.Flush(); err != nil {
		return fmt.Errorf("reanchor: flush: %w", err)
	}
	playhead, err := c.dev.PlayheadMicros()
	if err != nil {
		return fmt.Errorf("reanchor: playhead: %w", err)
	}
	c.epochMicros = playhead

	c.st.Reset()
	c.st.SetTarget(t, c.speed, c.mode)
	c.window.invalidate()
	return nil
}

// Start begins playback from the current position at the configured speed
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("start: no session")
	}
	if c.playing {
		return nil
	}

	if err := c.reanchorLocked(c.anchorTime); err != nil {
		return err
	}
	c.playing = true
	if err := c.dev.Start(); err != nil {
		c.playing = false
		return fmt.Errorf("start: device: %w", err)
	}

	log.Printf("Transport start: t=%.3fs speed=%.2fx mode=%s", c.anchorTime, c.speed, c.mode)
	c.kickPumpLocked()
	return nil
}

// Stop halts playback, freezing the position at the derived time
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("stop: no session")
	}
	if !c.playing {
		return nil
	}

	c.anchorTime = c.currentTimeLocked()
	c.playing = false
	c.pumpGen++
	if err := c.dev.Stop(); err != nil {
		return fmt.Errorf("stop: device: %w", err)
	}
	if err := c.dev.Flush(); err != nil {
		return fmt.Errorf("stop: flush: %w", err)
	}

	log.Printf("Transport stop: t=%.3fs", c.anchorTime)
	return nil
}

// Seek moves the position to t. While playing this is a transport event
// with a full reanchor; while stopped it just moves the anchor.
func (c *Controller) Seek(t float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("seek: no session")
	}
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return fmt.Errorf("seek: invalid time %v", t)
	}
	t = c.clampTime(t)

	if !c.playing {
		c.anchorTime = t
		c.window.invalidate()
		return nil
	}

	if err := c.reanchorLocked(t); err != nil {
		return err
	}
	c.kickPumpLocked()
	return nil
}

// SetSpeed changes the signed playback speed, deriving the stretch mode
// from its magnitude. A change while playing reanchors at the current
// position; repeating the current speed is a no-op.
func (c *Controller) SetSpeed(speed float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("set speed: no session")
	}
	if math.IsNaN(speed) || math.Abs(speed) > maxSpeed {
		return fmt.Errorf("set speed: %v outside [-%v, %v]", speed, maxSpeed, maxSpeed)
	}

	mode := modeForSpeed(speed)
	if speed == c.speed && mode == c.mode {
		return nil
	}

	if !c.playing {
		// Stored only; the next start's reanchor applies it
		c.speed = speed
		c.mode = mode
		return nil
	}

	t := c.currentTimeLocked()
	c.speed = speed
	c.mode = mode
	if err := c.reanchorLocked(t); err != nil {
		return err
	}
	log.Printf("Transport speed: %.2fx mode=%s at t=%.3fs", speed, mode, t)
	c.kickPumpLocked()
	return nil
}

// modeForSpeed maps speed magnitude to the stretch mode: extreme slow
// motion below the threshold, decimation above the stretched ceiling,
// pitch-corrected standard in between.
func modeForSpeed(speed float64) stretch.Mode {
	mag := math.Abs(speed)
	switch {
	case mag < slowMoThreshold:
		return stretch.ModeSlowMo
	case mag > stretchedSpeedCeiling:
		return stretch.ModeDecimate
	default:
		return stretch.ModeStandard
	}
}

// Latch locks the transport onto motion at time t: if stopped it starts
// playback there at the configured speed, if already playing it reanchors
// to t without interrupting the run state. Used to chase an externally
// driven position.
func (c *Controller) Latch(t float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("latch: no session")
	}
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return fmt.Errorf("latch: invalid time %v", t)
	}
	t = c.clampTime(t)

	if err := c.reanchorLocked(t); err != nil {
		return err
	}
	if !c.playing {
		c.playing = true
		if err := c.dev.Start(); err != nil {
			c.playing = false
			return fmt.Errorf("latch: device: %w", err)
		}
		log.Printf("Transport latch: t=%.3fs speed=%.2fx mode=%s", t, c.speed, c.mode)
	}
	c.kickPumpLocked()
	return nil
}

// Speed reports the configured signed speed
func (c *Controller) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Playing reports whether the transport is running
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// MaxTime reports the transport's maximum playback time, derived from the
// configured sources
func (c *Controller) MaxTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxTime
}

// SetAudioSources reconfigures the mix. A volume-only change of the same
// material hot-swaps without a transport event; any structural change stops
// the device, rebuilds, and resumes from the direction-clamped position.
func (c *Controller) SetAudioSources(sources []Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("set sources: no session")
	}
	if err := validateSources(sources); err != nil {
		return err
	}

	if c.playing && sameMaterial(c.sources, sources) {
		// Hot swap: same material, new gains. The refreshed window replaces
		// the overlapping pushed range; queued device audio plays out and
		// the new mix follows without a gap.
		c.sources = append(c.sources[:0:0], sources...)
		c.maxTime = maxClipEnd(sources)
		pos := c.currentTimeLocked()
		if err := c.fillWindow(pos); err != nil {
			return err
		}
		log.Printf("Sources hot-swapped: %d source(s)", len(sources))
		return nil
	}

	wasPlaying := c.playing
	if wasPlaying {
		c.playing = false
		c.pumpGen++
		c.dev.Stop()
		c.dev.Flush()
	}

	pos := c.anchorTime
	c.sources = append(sources[:0:0], sources...)
	c.maxTime = maxClipEnd(sources)
	c.st.Reset()
	c.window.invalidate()

	// Clamp the position into the new material in the direction of travel:
	// reverse entry lands on the clip end, forward entry on its start
	if len(sources) > 0 {
		lo, hi := minClipStart(sources), maxClipEnd(sources)
		if pos < lo {
			pos = lo
		} else if pos > hi {
			pos = hi
		}
	}
	c.anchorTime = pos

	log.Printf("Sources reconfigured: %d source(s), max=%.3fs", len(sources), c.maxTime)

	if wasPlaying && len(sources) > 0 {
		if err := c.reanchorLocked(pos); err != nil {
			return err
		}
		c.playing = true
		if err := c.dev.Start(); err != nil {
			c.playing = false
			return fmt.Errorf("set sources: device restart: %w", err)
		}
		c.kickPumpLocked()
	}
	return nil
}

// Sources returns a copy of the configured source list
func (c *Controller) Sources() []Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Source(nil), c.sources...)
}

// PlayBurst renders one short run of audio starting at t and plays it
// through the device, used for scrub feedback. A no-op while the transport
// is playing. The device is stopped after the burst drains unless another
// burst or a transport start supersedes it.
func (c *Controller) PlayBurst(t, durationSec float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("play burst: no session")
	}
	if durationSec <= 0 {
		return fmt.Errorf("play burst: invalid duration %v", durationSec)
	}
	if c.playing {
		return nil
	}

	t = c.clampTime(t)

	// Retarget without flushing first: whatever the device still holds
	// from the previous burst keeps playing while this one renders
	c.st.Reset()
	c.st.SetTarget(t, 1.0, stretch.ModeStandard)
	c.window.invalidate()
	if err := c.fillWindow(t); err != nil {
		return err
	}

	frames := int(durationSec * float64(c.sampleRate))
	buf, produced := c.st.Render(frames)
	if produced == 0 {
		c.st.ClearStarved()
		return nil
	}
	c.st.ClearStarved()

	// Strict device order: stop, flush, write, start
	if err := c.dev.Stop(); err != nil {
		return fmt.Errorf("play burst: stop: %w", err)
	}
	if err := c.dev.Flush(); err != nil {
		return fmt.Errorf("play burst: flush: %w", err)
	}
	if err := c.dev.Write(buf); err != nil {
		return fmt.Errorf("play burst: write: %w", err)
	}
	if err := c.dev.Start(); err != nil {
		return fmt.Errorf("play burst: start: %w", err)
	}

	// Stop once drained, unless a newer burst or transport start took over
	c.burstGen++
	gen := c.burstGen
	drain := time.Duration(float64(produced)/float64(c.sampleRate)*float64(time.Second)) +
		50*time.Millisecond
	time.AfterFunc(drain, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.burstGen == gen && !c.playing && c.initialized {
			c.dev.Stop()
		}
	})
	return nil
}
