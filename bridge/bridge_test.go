package bridge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"
)

func TestParamRoundTrip(t *testing.T) {
	pu := New(4)

	pu.SetParam(0, 0.5)
	pu.SetParam(3, -120.25)
	assert.Equal(t, 0.5, pu.Param(0))
	assert.Equal(t, -120.25, pu.Param(3))
	assert.Zero(t, pu.Param(1))

	// Out-of-range indices are ignored, not panics: the audio callback must
	// degrade, never crash.
	pu.SetParam(-1, 1)
	pu.SetParam(99, 1)
	assert.Zero(t, pu.Param(99))
}

func TestObservedIsSeparateFromControlValues(t *testing.T) {
	pu := New(1)

	pu.SetParam(0, 0.75)
	pu.PostObserved(0, 0.74)

	assert.Equal(t, 0.75, pu.Param(0))
	assert.Equal(t, 0.74, pu.Observed(0))
}

func TestEventPortWriteRead(t *testing.T) {
	pu := New(0, 64)
	ep := pu.Event(0)
	require.NotNil(t, ep)
	assert.Nil(t, pu.Event(1))

	payload := []byte{1, 2, 3, 4}
	require.True(t, ep.Write(payload))

	dst := make([]byte, 64)
	n, ok := ep.Read(dst)
	require.True(t, ok)
	assert.Equal(t, payload, dst[:n])

	// Consumed: second read reports no update.
	_, ok = ep.Read(dst)
	assert.False(t, ok)
}

func TestEventPortSecondWriteReplacesFirst(t *testing.T) {
	ep := newEventPort(64)

	require.True(t, ep.Write([]byte{1}))
	require.True(t, ep.Write([]byte{2, 2}))

	dst := make([]byte, 64)
	n, ok := ep.Read(dst)
	require.True(t, ok)
	assert.Equal(t, []byte{2, 2}, dst[:n])
}

func TestEventPortOversizedWriteDropped(t *testing.T) {
	ep := newEventPort(4)

	assert.False(t, ep.Write(make([]byte, 5)))
	assert.Equal(t, uint64(1), ep.Dropped())

	dst := make([]byte, 4)
	_, ok := ep.Read(dst)
	assert.False(t, ok)
}

func TestEventPortReadIntoSmallBuffer(t *testing.T) {
	ep := newEventPort(64)
	require.True(t, ep.Write([]byte{1, 2, 3, 4}))

	_, ok := ep.Read(make([]byte, 2))
	assert.False(t, ok, "undersized destination reports no update")
}

func TestEventPortContendedWriteIsDropped(t *testing.T) {
	ep := newEventPort(64)

	ep.mu.Lock()
	assert.False(t, ep.Write([]byte{1}), "held lock must drop, not block")
	_, ok := ep.Read(make([]byte, 64))
	assert.False(t, ok, "held lock must report no update, not block")
	ep.mu.Unlock()

	assert.Equal(t, uint64(1), ep.Dropped())
}

// Writer and reader hammering the port concurrently must never corrupt a
// payload: every read observes a complete write, and drops are the only
// permitted loss.
func TestEventPortConcurrentIntegrity(t *testing.T) {
	ep := newEventPort(256)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10000; i++ {
			b := byte(i % 251)
			payload := make([]byte, 16)
			for j := range payload {
				payload[j] = b
			}
			ep.Write(payload)
		}
		close(done)
	}()
	go func() {
		defer wg.Done()
		dst := make([]byte, 256)
		for {
			select {
			case <-done:
				return
			default:
			}
			n, ok := ep.Read(dst)
			if !ok {
				continue
			}
			require.Equal(t, 16, n)
			for j := 1; j < n; j++ {
				require.Equal(t, dst[0], dst[j], "torn payload observed")
			}
		}
	}()
	wg.Wait()
}

func TestDescribeEvent(t *testing.T) {
	assert.Equal(t, "empty event", DescribeEvent(nil))
	assert.Contains(t, DescribeEvent([]byte{0x00, 0x01}), "opaque event")

	noteOn := midi.NoteOn(0, 60, 100)
	assert.True(t, IsMIDI(noteOn.Bytes()))
	assert.Contains(t, DescribeEvent(noteOn.Bytes()), "NoteOn")

	assert.False(t, IsMIDI(nil))
}

func TestDrainOutputsVisitsOnlyMarkedPorts(t *testing.T) {
	pu := New(0, 64, 64)
	pu.MarkOutput(1)
	// out-of-range marks are ignored, not panics
	pu.MarkOutput(-1)
	pu.MarkOutput(5)

	require.True(t, pu.Event(0).Write([]byte{0x01}))
	require.True(t, pu.Event(1).Write([]byte{0x90, 60, 100}))

	var indices []int
	var payloads [][]byte
	pu.DrainOutputs(func(index int, payload []byte) {
		indices = append(indices, index)
		payloads = append(payloads, append([]byte(nil), payload...))
	})
	require.Equal(t, []int{1}, indices)
	assert.Equal(t, []byte{0x90, 60, 100}, payloads[0])

	// The input port stays untouched for the RT side.
	dst := make([]byte, 64)
	n, ok := pu.Event(0).Read(dst)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01}, dst[:n])

	// Drained: a second pass finds nothing.
	pu.DrainOutputs(func(int, []byte) { t.Fatal("unexpected payload") })
}
