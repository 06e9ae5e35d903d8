package gate

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertActivationFailureSpike AlertType = "activation_failure_spike"
	AlertPolicyBlockSpike       AlertType = "policy_block_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	// Sliding window for failed activation attempts.
	failures         []time.Time
	failureWindow    time.Duration
	failureThreshold int

	// Sliding window for policy blocks on non-interactive surfaces.
	blocks         []time.Time
	blockWindow    time.Duration
	blockThreshold int

	alertFn AlertFunc
}

const (
	defaultFailureWindow    = 1 * time.Minute
	defaultFailureThreshold = 50
	defaultBlockWindow      = 5 * time.Minute
	defaultBlockThreshold   = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		failureWindow:    defaultFailureWindow,
		failureThreshold: defaultFailureThreshold,
		blockWindow:      defaultBlockWindow,
		blockThreshold:   defaultBlockThreshold,
		alertFn:          alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditActivationFailed, AuditLockedOut:
		m.recordFailure()
	case AuditPolicyBlocked:
		m.recordBlock()
	}
}

func (m *metricsCollector) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.failures = append(m.failures, now)
	m.failures = trimWindow(m.failures, now, m.failureWindow)

	if len(m.failures) >= m.failureThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertActivationFailureSpike,
			Message:   "activation failure rate exceeds threshold",
			Count:     len(m.failures),
			Threshold: m.failureThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.failures = m.failures[:0]
	}
}

func (m *metricsCollector) recordBlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.blocks = append(m.blocks, now)
	m.blocks = trimWindow(m.blocks, now, m.blockWindow)

	if len(m.blocks) >= m.blockThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertPolicyBlockSpike,
			Message:   "policy block rate exceeds threshold",
			Count:     len(m.blocks),
			Threshold: m.blockThreshold,
			Timestamp: now,
		})
		m.blocks = m.blocks[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
