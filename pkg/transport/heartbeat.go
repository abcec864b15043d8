package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// Heartbeat defaults.
const (
	// DefaultHeartbeatInterval is the default interval between pings.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultMaxMissed is the number of silent intervals before a link is
	// considered dead.
	DefaultMaxMissed = 3
)

// HeartbeatConfig configures link liveness checks.
// A zero Interval disables them.
type HeartbeatConfig struct {
	Interval  time.Duration
	MaxMissed int
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:  DefaultHeartbeatInterval,
		MaxMissed: DefaultMaxMissed,
	}
}

// DetectionDelay is the longest a dead link can go unnoticed.
func (c HeartbeatConfig) DetectionDelay() time.Duration {
	return c.Interval * time.Duration(c.MaxMissed+1)
}

// Heartbeat watches a link for traffic. Every received frame counts as a
// sign of life; a ping is sent each interval so an idle peer still answers.
type Heartbeat struct {
	config    HeartbeatConfig
	ping      func() error
	onTimeout func()

	last     atomic.Int64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHeartbeat creates a heartbeat. ping sends one ping frame; onTimeout
// runs once when the peer has been silent too long.
func NewHeartbeat(config HeartbeatConfig, ping func() error, onTimeout func()) *Heartbeat {
	if config.MaxMissed <= 0 {
		config.MaxMissed = DefaultMaxMissed
	}
	h := &Heartbeat{
		config:    config,
		ping:      ping,
		onTimeout: onTimeout,
		stopCh:    make(chan struct{}),
	}
	h.Touch()
	return h
}

// Start begins the check loop. It does nothing if the interval is zero.
func (h *Heartbeat) Start() {
	if h.config.Interval <= 0 {
		return
	}
	h.wg.Add(1)
	go h.loop()
}

// Stop ends the check loop and waits for it.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

// Touch records activity from the peer.
func (h *Heartbeat) Touch() {
	h.last.Store(time.Now().UnixNano())
}

// Silence returns the time since the last activity.
func (h *Heartbeat) Silence() time.Duration {
	return time.Since(time.Unix(0, h.last.Load()))
}

func (h *Heartbeat) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	limit := h.config.Interval * time.Duration(h.config.MaxMissed)
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if h.Silence() > limit {
				// onTimeout usually closes the link, which stops us.
				if h.onTimeout != nil {
					go h.onTimeout()
				}
				return
			}
			// A failed ping shows up as silence on the next tick.
			_ = h.ping()
		}
	}
}
