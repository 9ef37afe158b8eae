package zestbay

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/bridge"
)

// SettleMonitor watches the graph state for changes and triggers a patchbay
// rescan once the graph has been quiet for the configured settle delay.
// Polling adapts: it runs fast while the graph is churning and backs off
// when nothing changes.
type SettleMonitor struct {
	host *Host
	mu   sync.RWMutex

	isRunning       bool
	pollingInterval time.Duration
	settleDelay     time.Duration

	// Adaptive polling
	baseInterval    time.Duration // Base polling interval (25ms)
	maxInterval     time.Duration // Max interval when no changes (200ms)
	currentInterval time.Duration // Current adaptive interval
	lastChangeTime  time.Time     // Last time the graph serial moved
	noChangeCount   int           // Consecutive polls with no changes

	// Graph state tracking
	lastSerial    uint64
	rescanPending bool

	// Performance tracking
	averageCheckTime time.Duration
	maxCheckTime     time.Duration
	checkCount       int64

	stopChan chan struct{}
}

// NewSettleMonitor creates a settle monitor for the host's graph state.
func NewSettleMonitor(host *Host, settleDelay time.Duration) *SettleMonitor {
	return &SettleMonitor{
		host:            host,
		pollingInterval: 25 * time.Millisecond,
		baseInterval:    25 * time.Millisecond,
		maxInterval:     200 * time.Millisecond,
		currentInterval: 25 * time.Millisecond,
		settleDelay:     settleDelay,
		lastChangeTime:  time.Now(),
	}
}

// Start begins settle monitoring.
func (sm *SettleMonitor) Start() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.isRunning {
		return fmt.Errorf("settle monitor is already running")
	}

	sm.lastSerial = sm.host.Graph().Serial()
	sm.stopChan = make(chan struct{})
	sm.isRunning = true

	go sm.monitorLoop()

	return nil
}

// Stop halts settle monitoring.
func (sm *SettleMonitor) Stop() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.isRunning {
		return nil
	}

	close(sm.stopChan)
	sm.isRunning = false
	return nil
}

// IsRunning returns whether the monitor is active.
func (sm *SettleMonitor) IsRunning() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.isRunning
}

// GetPollingInterval returns the current polling interval.
func (sm *SettleMonitor) GetPollingInterval() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.pollingInterval
}

// SetPollingInterval updates the polling interval (minimum 5ms).
func (sm *SettleMonitor) SetPollingInterval(interval time.Duration) error {
	if interval < 5*time.Millisecond {
		return fmt.Errorf("polling interval cannot be less than 5ms")
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.pollingInterval = interval
	sm.baseInterval = interval

	return nil
}

// monitorLoop runs the settle detection loop.
func (sm *SettleMonitor) monitorLoop() {
	currentInterval := sm.GetPollingInterval()
	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.stopChan:
			return
		case <-ticker.C:
			if !sm.IsRunning() {
				return
			}

			sm.mu.RLock()
			newInterval := sm.pollingInterval
			sm.mu.RUnlock()

			// Reset ticker if the adaptive interval changed
			if newInterval != currentInterval {
				ticker.Stop()
				ticker = time.NewTicker(newInterval)
				currentInterval = newInterval
			}

			sm.checkGraph()
		}
	}
}

// checkGraph performs one settle check against the graph serial.
func (sm *SettleMonitor) checkGraph() {
	start := time.Now()

	serial := sm.host.Graph().Serial()

	sm.mu.Lock()
	changed := serial != sm.lastSerial
	if changed {
		sm.lastSerial = serial
		sm.lastChangeTime = time.Now()
		sm.rescanPending = true
	}
	settled := sm.rescanPending && time.Since(sm.lastChangeTime) >= sm.settleDelay
	if settled {
		sm.rescanPending = false
	}
	sm.mu.Unlock()

	sm.drainPluginEvents()

	sm.updatePerformanceStats(time.Since(start))

	if changed {
		sm.adaptiveSpeedup()
		return
	}

	if settled {
		sm.host.dispatcher.Rescan()
		return
	}

	sm.adaptiveSlowdown()
}

// drainPluginEvents collects what the audio thread left on the instances'
// outbound event ports. MIDI-shaped payloads are decoded for the event
// stream; anything else is summarized by size.
func (sm *SettleMonitor) drainPluginEvents() {
	for _, p := range sm.host.instances.list() {
		p.Backend().Updates().DrainOutputs(func(index int, payload []byte) {
			described := bridge.DescribeEvent(payload)
			sm.host.log.WithFields(logrus.Fields{
				"instance": p.ID,
				"plugin":   p.DisplayName,
				"port":     index,
				"midi":     bridge.IsMIDI(payload),
				"event":    described,
			}).Debug("Plugin event")
			sm.host.events.Publish(Event{
				Type:        EventPluginEvent,
				InstanceID:  p.ID,
				DisplayName: p.DisplayName,
				PortIndex:   index,
				Message:     described,
			})
		})
	}
}

// updatePerformanceStats tracks settle check performance.
func (sm *SettleMonitor) updatePerformanceStats(elapsed time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.checkCount++

	// EMA with alpha = 0.1 (gives more weight to recent samples)
	if sm.checkCount == 1 {
		sm.averageCheckTime = elapsed
	} else {
		sm.averageCheckTime = time.Duration(float64(sm.averageCheckTime)*0.9 + float64(elapsed)*0.1)
	}

	if elapsed > sm.maxCheckTime {
		sm.maxCheckTime = elapsed
	}
}

// adaptiveSlowdown gradually increases the polling interval while the graph
// is quiet and no rescan is due.
func (sm *SettleMonitor) adaptiveSlowdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.noChangeCount++

	// After 10 consecutive checks with no changes, start slowing down
	if sm.noChangeCount > 10 {
		newInterval := time.Duration(float64(sm.currentInterval) * 1.1)
		if newInterval > sm.maxInterval {
			newInterval = sm.maxInterval
		}
		sm.currentInterval = newInterval
		sm.pollingInterval = newInterval
	}
}

// adaptiveSpeedup resets to fast polling when the graph is churning, so the
// settle deadline is observed promptly.
func (sm *SettleMonitor) adaptiveSpeedup() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.noChangeCount = 0
	sm.currentInterval = sm.baseInterval
	sm.pollingInterval = sm.baseInterval
}

// GetPerformanceStats returns settle check statistics.
func (sm *SettleMonitor) GetPerformanceStats() (avgTime, maxTime time.Duration, checkCount int64) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.averageCheckTime, sm.maxCheckTime, sm.checkCount
}

// ForceCheck triggers an immediate settle check (useful for testing).
func (sm *SettleMonitor) ForceCheck() {
	if sm.IsRunning() {
		sm.checkGraph()
	}
}
