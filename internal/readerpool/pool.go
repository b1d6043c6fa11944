// Package readerpool implements the bounded media reader cache. Each pooled
// file holds two independent decode readers, one for video frames and one
// for audio PCM, because a reader's decode cursor is not safe for concurrent
// seeking across domains. View contexts layer per-viewer caches on top of
// the shared pool so simultaneous viewers scrub without invalidating each
// other.
package readerpool

import (
	"container/list"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/famish99/voralay/internal/media"
	"github.com/famish99/voralay/internal/metrics"
)

// DefaultMaxReaders bounds how many files stay open at once
const DefaultMaxReaders = 8

// OfflineRecord captures a failed open so repeat activations skip I/O
type OfflineRecord struct {
	Path      string
	Code      string
	Message   string
	FirstSeen time.Time
}

// OfflineError wraps the recorded classification of a path that failed to
// open. Callers receive the same record on every subsequent attempt.
type OfflineError struct {
	Record OfflineRecord
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("offline %s: %s (%s)", e.Record.Path, e.Record.Message, e.Record.Code)
}

// entry is one pooled file: shared decode readers plus cached metadata.
// The readers belong to the pool, never to a view context.
type entry struct {
	path  string
	asset media.Asset
	info  media.AssetInfo

	// Independent per-domain readers. Sharing one cursor between audio
	// range decode and video frame decode corrupts both.
	videoReader media.Reader
	audioReader media.Reader

	// Frame decoded by PreBuffer ahead of an anticipated transition
	warmFrame *media.VideoFrame

	lastUsed time.Time
	element  *list.Element

	prefetching bool
}

// Pool is the shared reader cache. One instance per session; state is
// threaded through constructors rather than held in package globals so
// multiple sessions can coexist.
type Pool struct {
	mu         sync.Mutex
	engine     media.Engine
	maxReaders int

	entries map[string]*entry
	lru     *list.List

	offline map[string]OfflineRecord

	contexts  map[int]*ViewContext
	nextCtxID int
}

// NewPool creates a reader pool over the given decode engine
func NewPool(engine media.Engine, maxReaders int) *Pool {
	if maxReaders <= 0 {
		maxReaders = DefaultMaxReaders
	}
	return &Pool{
		engine:     engine,
		maxReaders: maxReaders,
		entries:    make(map[string]*entry),
		lru:        list.New(),
		offline:    make(map[string]OfflineRecord),
		contexts:   make(map[int]*ViewContext),
	}
}

// acquire returns the pooled entry for path, opening it if needed.
// Caller must hold p.mu.
func (p *Pool) acquire(path string) (*entry, error) {
	if rec, ok := p.offline[path]; ok {
		metrics.OfflineShortCircuitsTotal.Inc()
		return nil, &OfflineError{Record: rec}
	}

	if e, ok := p.entries[path]; ok {
		e.lastUsed = time.Now()
		p.lru.MoveToFront(e.element)
		return e, nil
	}

	asset, err := p.engine.Open(path)
	if err != nil {
		rec := p.recordOffline(path, err)
		return nil, &OfflineError{Record: rec}
	}

	videoReader, err := asset.NewReader()
	if err != nil {
		asset.Close()
		return nil, fmt.Errorf("failed to create video reader for %s: %w", path, err)
	}
	audioReader, err := asset.NewReader()
	if err != nil {
		videoReader.Close()
		asset.Close()
		return nil, fmt.Errorf("failed to create audio reader for %s: %w", path, err)
	}

	e := &entry{
		path:        path,
		asset:       asset,
		info:        asset.Info(),
		videoReader: videoReader,
		audioReader: audioReader,
		lastUsed:    time.Now(),
	}
	e.element = p.lru.PushFront(e)
	p.entries[path] = e
	metrics.ReaderPoolOpen.Set(float64(len(p.entries)))

	p.evictLocked()
	return e, nil
}

// recordOffline stores the classification of a failed open
func (p *Pool) recordOffline(path string, err error) OfflineRecord {
	rec := OfflineRecord{
		Path:      path,
		Code:      "open-failed",
		Message:   err.Error(),
		FirstSeen: time.Now(),
	}
	var openErr *media.OpenError
	if errors.As(err, &openErr) {
		rec.Code = openErr.Code
		rec.Message = openErr.Message
	}
	p.offline[path] = rec
	log.Printf("Recorded offline media: %s (%s)", path, rec.Code)
	return rec
}

// evictLocked closes least-recently-used entries above capacity, skipping
// any path a view context holds active
func (p *Pool) evictLocked() {
	for len(p.entries) > p.maxReaders {
		evicted := false
		for el := p.lru.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*entry)
			// Never evict the entry the caller just acquired
			if el == p.lru.Front() {
				continue
			}
			if p.pathActiveLocked(e.path) {
				continue
			}
			p.closeEntryLocked(e)
			metrics.ReaderPoolEvictionsTotal.Inc()
			evicted = true
			break
		}
		if !evicted {
			// Every entry is some context's active path; capacity may be
			// exceeded rather than evicting one out from under a viewer.
			return
		}
	}
}

func (p *Pool) pathActiveLocked(path string) bool {
	for _, ctx := range p.contexts {
		if ctx.activePath == path {
			return true
		}
	}
	return false
}

func (p *Pool) closeEntryLocked(e *entry) {
	if e.prefetching {
		e.videoReader.StopPrefetch()
		e.audioReader.StopPrefetch()
	}
	e.videoReader.Close()
	e.audioReader.Close()
	e.asset.Close()
	if e.warmFrame != nil {
		e.warmFrame.Release()
		e.warmFrame = nil
	}
	p.lru.Remove(e.element)
	delete(p.entries, e.path)
	metrics.ReaderPoolOpen.Set(float64(len(p.entries)))
}

// OpenCount reports how many files the pool currently holds open
func (p *Pool) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// IsOpen reports whether a path is currently pooled
func (p *Pool) IsOpen(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[path]
	return ok
}

// OfflineRecordFor returns the recorded classification for a failed path
func (p *Pool) OfflineRecordFor(path string) (OfflineRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.offline[path]
	return rec, ok
}

// AssetInfo returns cached metadata for a pooled or openable path
func (p *Pool) AssetInfo(path string) (media.AssetInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, err := p.acquire(path)
	if err != nil {
		return media.AssetInfo{}, err
	}
	return e.info, nil
}

// Close releases every pooled entry and destroys all contexts
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ctx := range p.contexts {
		ctx.releaseLocked()
	}
	p.contexts = make(map[int]*ViewContext)

	for _, e := range p.entries {
		p.closeEntryLocked(e)
	}
}
