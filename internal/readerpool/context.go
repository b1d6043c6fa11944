package readerpool

import (
	"context"
	"fmt"
	"log"

	"github.com/famish99/voralay/internal/media"
)

// frames retained in a context's sliding window
const frameWindowSize = 32

// ViewContext is one viewer's private state over the shared pool: active
// path, sliding frame window, private PCM window, and last prefetch
// direction. Contexts never share caches with each other; only the pool's
// decode readers are shared.
type ViewContext struct {
	id         int
	activePath string

	frames map[int]*media.VideoFrame

	pcm         *media.PCMBuffer
	pcmStartSec float64
	pcmEndSec   float64

	lastDirection int
}

// releaseLocked frees every cache the context owns. Pool lock held.
func (c *ViewContext) releaseLocked() {
	for idx, f := range c.frames {
		f.Release()
		delete(c.frames, idx)
	}
	if c.pcm != nil {
		c.pcm.Release()
		c.pcm = nil
	}
	c.pcmStartSec, c.pcmEndSec = 0, 0
}

// CreateContext registers a new viewer and returns its id
func (p *Pool) CreateContext() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextCtxID++
	id := p.nextCtxID
	p.contexts[id] = &ViewContext{
		id:     id,
		frames: make(map[int]*media.VideoFrame),
	}
	return id
}

// DestroyContext releases the viewer's caches and unregisters it. The
// pooled readers stay open; they belong to the pool.
func (p *Pool) DestroyContext(ctxID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, ok := p.contexts[ctxID]
	if !ok {
		return fmt.Errorf("destroy: unknown context %d", ctxID)
	}
	ctx.releaseLocked()
	delete(p.contexts, ctxID)
	p.evictLocked()
	return nil
}

// Activate makes path the context's active source, opening it through the
// pool if needed. A path switch releases the context's private caches
// first; activating an offline path short-circuits with the recorded
// classification.
func (p *Pool) Activate(path string, ctxID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, ok := p.contexts[ctxID]
	if !ok {
		return fmt.Errorf("activate: unknown context %d", ctxID)
	}

	if _, err := p.acquire(path); err != nil {
		return err
	}

	if ctx.activePath != path {
		ctx.releaseLocked()
		ctx.activePath = path
	}
	return nil
}

// GetVideoFrame decodes frame idx for the context's active path at the
// given frame rate (fps <= 0 uses the asset's native rate). Returned frames
// stay owned by the context's sliding window and remain valid until the
// window slides past them or the context is destroyed.
func (p *Pool) GetVideoFrame(idx int, ctxID int, fps float64) (*media.VideoFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, ok := p.contexts[ctxID]
	if !ok {
		return nil, fmt.Errorf("get frame: unknown context %d", ctxID)
	}
	if ctx.activePath == "" {
		return nil, fmt.Errorf("get frame: context %d has no active path", ctxID)
	}

	if f, ok := ctx.frames[idx]; ok {
		return f, nil
	}

	e, err := p.acquire(ctx.activePath)
	if err != nil {
		return nil, err
	}

	// PreBuffer may already hold this exact frame
	if e.warmFrame != nil && e.warmFrame.Index == idx {
		f := e.warmFrame
		e.warmFrame = nil
		ctx.storeFrame(idx, f)
		return f, nil
	}

	f, err := e.videoReader.DecodeVideoFrame(context.Background(), idx, fps)
	if err != nil {
		return nil, err
	}
	ctx.storeFrame(idx, f)
	return f, nil
}

// storeFrame inserts a frame into the sliding window, dropping the frame
// farthest from idx once the window is full
func (c *ViewContext) storeFrame(idx int, f *media.VideoFrame) {
	c.frames[idx] = f
	for len(c.frames) > frameWindowSize {
		farIdx, farDist := idx, -1
		for i := range c.frames {
			d := i - idx
			if d < 0 {
				d = -d
			}
			if d > farDist {
				farIdx, farDist = i, d
			}
		}
		c.frames[farIdx].Release()
		delete(c.frames, farIdx)
	}
}

// GetAudioPCMForPath decodes an audio range from any pooled path, opening
// it if needed, without touching any context's active state. This is what
// lets the mixer pull PCM from many files while a viewer shows only one.
// The caller owns the returned buffer and must Release it.
func (p *Pool) GetAudioPCMForPath(path string, startSec, endSec float64, rate int) (*media.PCMBuffer, error) {
	p.mu.Lock()
	e, err := p.acquire(path)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	reader := e.audioReader
	p.mu.Unlock()

	// Decode outside the pool lock: long work blocks only the caller.
	// The audio reader is exclusively this method's by the dual-context
	// design, and engine calls are serialized by the engine's own lock.
	return reader.DecodeAudioRange(context.Background(), startSec, endSec, rate)
}

// PreBuffer warms the pool for an anticipated transition: opens the path,
// decodes the entry frame, and starts forward prefetch. No context's
// active state changes.
func (p *Pool) PreBuffer(path string, entryFrame int, fps float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, err := p.acquire(path)
	if err != nil {
		return err
	}

	if e.info.HasVideo && (e.warmFrame == nil || e.warmFrame.Index != entryFrame) {
		f, err := e.videoReader.DecodeVideoFrame(context.Background(), entryFrame, fps)
		if err != nil {
			log.Printf("PreBuffer: frame %d of %s failed: %v", entryFrame, path, err)
		} else {
			if e.warmFrame != nil {
				e.warmFrame.Release()
			}
			e.warmFrame = f
		}
	}

	if !e.prefetching {
		e.videoReader.StartPrefetch(1, 1.0)
		e.audioReader.StartPrefetch(1, 1.0)
		e.prefetching = true
	}
	e.videoReader.UpdatePrefetch(entryFrame, 1, 1.0)
	e.audioReader.UpdatePrefetch(entryFrame, 1, 1.0)
	return nil
}

// SetPlayhead reports the viewer's position and motion so background
// prefetch can decode ahead in the travel direction
func (p *Pool) SetPlayhead(idx int, direction int, speed float64, ctxID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, ok := p.contexts[ctxID]
	if !ok {
		return fmt.Errorf("set playhead: unknown context %d", ctxID)
	}
	if ctx.activePath == "" {
		return nil
	}

	e, err := p.acquire(ctx.activePath)
	if err != nil {
		return err
	}

	if !e.prefetching {
		e.videoReader.StartPrefetch(direction, speed)
		e.audioReader.StartPrefetch(direction, speed)
		e.prefetching = true
	}
	e.videoReader.UpdatePrefetch(idx, direction, speed)
	e.audioReader.UpdatePrefetch(idx, direction, speed)
	ctx.lastDirection = direction
	return nil
}

// AudioWindow returns the context's private PCM window for its active
// path, reusing the previous window when it still covers the range. The
// window belongs to the context; callers must not Release it.
func (p *Pool) AudioWindow(ctxID int, startSec, endSec float64, rate int) (*media.PCMBuffer, error) {
	p.mu.Lock()
	ctx, ok := p.contexts[ctxID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("audio window: unknown context %d", ctxID)
	}
	if ctx.activePath == "" {
		p.mu.Unlock()
		return nil, fmt.Errorf("audio window: context %d has no active path", ctxID)
	}
	if ctx.pcm != nil && ctx.pcmStartSec <= startSec && ctx.pcmEndSec >= endSec {
		pcm := ctx.pcm
		p.mu.Unlock()
		return pcm, nil
	}
	path := ctx.activePath
	p.mu.Unlock()

	pcm, err := p.GetAudioPCMForPath(path, startSec, endSec, rate)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.pcm != nil {
		ctx.pcm.Release()
	}
	ctx.pcm = pcm
	ctx.pcmStartSec = startSec
	ctx.pcmEndSec = endSec
	return pcm, nil
}
