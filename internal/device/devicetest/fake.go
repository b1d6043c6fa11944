// Package devicetest provides a deterministic in-memory audio device for
// engine tests. The hardware playhead only moves when the test calls
// ConsumeFrames, so clock behavior is fully scripted.
package devicetest

import (
	"fmt"
	"sync"
)

// FakeDevice implements the device.Device interface (without importing it to
// avoid cycles). Written samples accumulate in a queue the test drains
// explicitly.
type FakeDevice struct {
	mu sync.Mutex

	sampleRate int
	channels   int

	started        bool
	queued         []float32
	consumedFrames int64
	underrun       bool

	// Counters the tests assert against
	StartCalls int
	StopCalls  int
	FlushCalls int
	WriteCalls int
}

// NewFakeDevice creates a fake device with the given format
func NewFakeDevice(sampleRate, channels int) *FakeDevice {
	return &FakeDevice{
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (d *FakeDevice) SampleRate() int { return d.sampleRate }
func (d *FakeDevice) Channels() int   { return d.channels }

func (d *FakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	d.StartCalls++
	return nil
}

func (d *FakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	d.StopCalls++
	return nil
}

func (d *FakeDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Dropped frames count as consumed so the playhead stays monotonic,
	// matching how a queue-fed device behaves.
	d.consumedFrames += int64(len(d.queued) / d.channels)
	d.queued = d.queued[:0]
	d.FlushCalls++
	return nil
}

func (d *FakeDevice) Write(samples []float32) error {
	if len(samples)%d.channels != 0 {
		return fmt.Errorf("write: sample count %d not a multiple of %d channels",
			len(samples), d.channels)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queued = append(d.queued, samples...)
	d.WriteCalls++
	return nil
}

func (d *FakeDevice) BufferedFrames() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queued) / d.channels, nil
}

func (d *FakeDevice) PlayheadMicros() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consumedFrames * 1_000_000 / int64(d.sampleRate), nil
}

func (d *FakeDevice) Underrun() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.underrun, nil
}

func (d *FakeDevice) ClearUnderrun() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.underrun = false
	return nil
}

func (d *FakeDevice) Close() error { return nil }

// ConsumeFrames simulates the hardware consuming n frames from the queue,
// advancing the playhead. Consuming past the queue raises the underrun flag.
func (d *FakeDevice) ConsumeFrames(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	avail := len(d.queued) / d.channels
	if n > avail {
		n = avail
		d.underrun = true
	}
	d.queued = d.queued[n*d.channels:]
	d.consumedFrames += int64(n)
}

// Started reports whether the device is currently running
func (d *FakeDevice) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// QueuedSamples returns a copy of the currently queued samples
func (d *FakeDevice) QueuedSamples() []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float32, len(d.queued))
	copy(out, d.queued)
	return out
}
