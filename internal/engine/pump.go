package engine

import (
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/famish99/voralay/internal/metrics"
)

// The pump is cooperative, not a goroutine loop: each tick does a bounded
// amount of work under the controller lock and schedules the next one. A
// transport event bumps pumpGen so ticks scheduled before it die on arrival.

// kickPumpLocked schedules an immediate tick under a fresh generation
func (c *Controller) kickPumpLocked() {
	c.pumpGen++
	gen := c.pumpGen
	time.AfterFunc(0, func() { c.pumpTick(gen) })
}

func (c *Controller) pumpTick(gen int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || gen != c.pumpGen || !c.playing {
		return
	}
	if c.pumping {
		// A tick is already on the stack below us. Reject rather than
		// recurse; the running tick reschedules.
		metrics.PumpOverlapRejectionsTotal.Inc()
		return
	}
	c.pumping = true
	defer func() {
		c.pumping = false
		if r := recover(); r != nil {
			log.Printf("Pump tick panic: %v\n%s", r, debug.Stack())
			panic(r)
		}
	}()

	hungry, err := c.pumpOnceLocked()
	if err != nil {
		// Soft cases (offline source, no overlap) were skipped upstream;
		// an error reaching the tick is a genuine decode or device fault.
		// Halt the transport and re-raise instead of pumping silence.
		c.haltTransportLocked()
		panic(fmt.Errorf("pump tick at t=%.3fs window=[%.3f, %.3f]: %w",
			c.anchorTime, c.window.startSec, c.window.endSec, err))
	}

	if !c.playing || gen != c.pumpGen {
		return
	}
	interval := c.cfg.Playback.IdleInterval()
	if hungry {
		interval = c.cfg.Playback.HungryInterval()
	}
	time.AfterFunc(interval, func() { c.pumpTick(gen) })
}

// Pump runs one tick synchronously, for hosts that drive the feed from
// their own event loop instead of the built-in timer
func (c *Controller) Pump() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("pump: no session")
	}
	if !c.playing {
		return nil
	}
	if c.pumping {
		metrics.PumpOverlapRejectionsTotal.Inc()
		return nil
	}
	c.pumping = true
	defer func() {
		c.pumping = false
		if r := recover(); r != nil {
			log.Printf("Pump tick panic: %v\n%s", r, debug.Stack())
			panic(r)
		}
	}()

	_, err := c.pumpOnceLocked()
	if err != nil {
		c.haltTransportLocked()
		return fmt.Errorf("pump tick at t=%.3fs: %w", c.anchorTime, err)
	}
	return nil
}

// haltTransportLocked freezes the position and stops the device after a
// fatal tick failure
func (c *Controller) haltTransportLocked() {
	c.anchorTime = c.currentTimeLocked()
	c.playing = false
	c.pumpGen++
	c.dev.Stop()
	c.dev.Flush()
}

// pumpOnceLocked tops the device up toward the target depth, at most one
// chunk per tick, and reports whether the next tick should come on the
// hungry cadence
func (c *Controller) pumpOnceLocked() (bool, error) {
	pos := c.currentTimeLocked()
	if err := c.ensureWindow(pos); err != nil {
		return false, err
	}

	buffered, err := c.dev.BufferedFrames()
	if err != nil {
		return false, fmt.Errorf("buffered frames: %w", err)
	}

	target := c.cfg.Playback.TargetDepthFrames
	needed := target - buffered
	if needed > c.cfg.Playback.MaxChunkFrames {
		needed = c.cfg.Playback.MaxChunkFrames
	}

	produced := 0
	if needed > 0 {
		var buf []float32
		buf, produced = c.st.Render(needed)
		if produced > 0 {
			if err := c.dev.Write(buf); err != nil {
				return false, fmt.Errorf("device write: %w", err)
			}
		}
		if c.st.Starved() {
			c.noteStarvationLocked(needed, produced)
			c.st.ClearStarved()
		}
	}

	if under, err := c.dev.Underrun(); err == nil && under {
		metrics.DeviceUnderrunsTotal.Inc()
		log.Printf("Device underrun at t=%.3fs", pos)
		c.dev.ClearUnderrun()
	}

	metrics.PumpTicksTotal.Inc()

	hungry := buffered+produced < target/2 ||
		(produced == c.cfg.Playback.MaxChunkFrames && buffered+produced < target)
	return hungry, nil
}

// noteStarvationLocked classifies a short render. Starving at a window
// boundary is expected while the refetch catches up; starving mid-window
// means pushed PCM went missing and is logged loudly.
func (c *Controller) noteStarvationLocked(requested, produced int) {
	head := c.st.RenderTime()
	if c.window.nearEdge(head) {
		metrics.StretchStarvationTotal.WithLabelValues("edge").Inc()
		log.Printf("Stretch starved at window edge: head=%.3fs produced=%d/%d",
			head, produced, requested)
		return
	}
	metrics.StretchStarvationTotal.WithLabelValues("mid_cache").Inc()
	log.Printf("WARNING: stretch starved mid-window: head=%.3fs window=[%.3f, %.3f] produced=%d/%d",
		head, c.window.startSec, c.window.endSec, produced, requested)
}
