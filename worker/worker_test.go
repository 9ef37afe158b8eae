package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var handled []string
	w := NewSetup(0, 0).Activate(func(data []byte) []byte {
		mu.Lock()
		handled = append(handled, string(data))
		mu.Unlock()
		return append([]byte("ok:"), data...)
	})
	defer w.Close()

	require.True(t, w.Schedule([]byte("load-sample")))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	})

	var responses []string
	w.DrainResponses(func(data []byte) {
		responses = append(responses, string(data))
	})
	require.Equal(t, []string{"ok:load-sample"}, responses)
}

func TestScheduleBeforeActivate(t *testing.T) {
	s := NewSetup(8, 64)
	require.True(t, s.Schedule([]byte("early")))

	var mu sync.Mutex
	var got string
	w := s.Activate(func(data []byte) []byte {
		mu.Lock()
		got = string(data)
		mu.Unlock()
		return nil
	})
	defer w.Close()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == "early"
	})
}

func TestOversizedPayloadDropped(t *testing.T) {
	w := NewSetup(4, 8).Activate(func(data []byte) []byte { return nil })
	defer w.Close()

	assert.False(t, w.Schedule(make([]byte, 9)))
	assert.Equal(t, uint64(1), w.Dropped())
}

func TestFullRingDrops(t *testing.T) {
	// handler blocks so nothing drains
	release := make(chan struct{})
	w := NewSetup(4, 8).Activate(func(data []byte) []byte {
		<-release
		return nil
	})
	defer func() {
		close(release)
		w.Close()
	}()

	accepted := 0
	for i := 0; i < 32; i++ {
		if w.Schedule([]byte{byte(i)}) {
			accepted++
		}
	}
	assert.Less(t, accepted, 32)
	assert.NotZero(t, w.Dropped())
}

func TestCloseServesQueuedWork(t *testing.T) {
	var mu sync.Mutex
	count := 0
	w := NewSetup(16, 8).Activate(func(data []byte) []byte {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 10; i++ {
		require.True(t, w.Schedule([]byte{byte(i)}))
	}
	w.Close()
	w.Close() // idempotent

	mu.Lock()
	assert.Equal(t, 10, count)
	mu.Unlock()
}

func TestConcurrentScheduleAndDrain(t *testing.T) {
	w := NewSetup(64, 16).Activate(func(data []byte) []byte {
		return data
	})
	defer w.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			w.Schedule([]byte("payload"))
		}
	}()

	drained := 0
	for {
		w.DrainResponses(func(data []byte) {
			assert.Equal(t, "payload", string(data))
			drained++
		})
		select {
		case <-done:
			w.DrainResponses(func([]byte) { drained++ })
			assert.NotZero(t, drained)
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestRespondQueuesMultipleResponses(t *testing.T) {
	s := NewSetup(8, 64)
	w := s.Activate(func(data []byte) []byte {
		// handlers that answer more than once bypass the return value
		s.Respond(append([]byte("a:"), data...))
		s.Respond(append([]byte("b:"), data...))
		return nil
	})
	defer w.Close()

	require.True(t, w.Schedule([]byte("x")))

	var got []string
	waitFor(t, func() bool {
		w.DrainResponses(func(data []byte) { got = append(got, string(data)) })
		return len(got) == 2
	})
	assert.Equal(t, []string{"a:x", "b:x"}, got)
}
