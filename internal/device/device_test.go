package device_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famish99/voralay/internal/device"
	"github.com/famish99/voralay/internal/device/devicetest"
)

var _ device.Device = (*devicetest.FakeDevice)(nil)

// The engine's clock depends on the playhead never moving backward, even
// across a flush that drops queued audio.
func TestFakePlayheadMonotonicAcrossFlush(t *testing.T) {
	d := devicetest.NewFakeDevice(48000, 2)
	require.NoError(t, d.Write(make([]float32, 9600))) // 4800 frames

	d.ConsumeFrames(1000)
	before, err := d.PlayheadMicros()
	require.NoError(t, err)

	require.NoError(t, d.Flush())
	after, err := d.PlayheadMicros()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after, before)

	buffered, err := d.BufferedFrames()
	require.NoError(t, err)
	assert.Equal(t, 0, buffered)
}

func TestFakeUnderrunOnOverConsume(t *testing.T) {
	d := devicetest.NewFakeDevice(48000, 2)
	require.NoError(t, d.Write(make([]float32, 200))) // 100 frames

	d.ConsumeFrames(500)
	under, err := d.Underrun()
	require.NoError(t, err)
	assert.True(t, under)

	require.NoError(t, d.ClearUnderrun())
	under, err = d.Underrun()
	require.NoError(t, err)
	assert.False(t, under)
}
