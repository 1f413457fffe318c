// Package correlator implements the Request Correlator (spec §4.3): issues
// request ids, holds pending futures with timeout, a bounded queue with
// oldest-first eviction, a periodic stale sweep, and disconnection-driven
// cancellation.
package correlator

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pagebridge/bridge/internal/bridgeerr"
	"github.com/pagebridge/bridge/internal/idgen"
	"github.com/pagebridge/bridge/internal/metrics"
	"github.com/pagebridge/bridge/internal/obs"
	"github.com/pagebridge/bridge/internal/wireframe"
)

const (
	DefaultMaxPending      = 50
	DefaultStaleTimeout    = 60 * time.Second
	DefaultSweepInterval   = 15 * time.Second
	DefaultGlobalCap       = 60 * time.Second
	DefaultWarnThreshold   = 5
	defaultDisconnectCheck = "disconnect"
)

// Options configures a Correlator; a zero Options uses the spec's defaults.
type Options struct {
	MaxPending    int
	StaleTimeout  time.Duration
	SweepInterval time.Duration
	GlobalCap     time.Duration
	WarnThreshold int
}

func (o Options) withDefaults() Options {
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = DefaultStaleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.GlobalCap <= 0 {
		o.GlobalCap = DefaultGlobalCap
	}
	if o.WarnThreshold <= 0 {
		o.WarnThreshold = DefaultWarnThreshold
	}
	return o
}

// entry is one pending request. ch is nil for requests the correlator is
// only tracking to relay a response to another peer-bridge (originInstanceID
// set, no local waiter).
type entry struct {
	requestID        string
	originInstanceID string
	sessionID        string
	createdAt        time.Time
	deadline         time.Time
	epoch            int64
	ch               chan wireframe.Frame
	timer            *time.Timer
}

// RelayFunc forwards a resolved frame to another bridge instance instead of
// a local waiter (spec §4.4 rule 2).
type RelayFunc func(originInstanceID string, frame wireframe.Frame)

// Correlator is the shared, mutex-guarded pending-request table.
type Correlator struct {
	opts Options
	log  *logrus.Entry

	mu      sync.Mutex
	pending map[string]*entry

	relay RelayFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(opts Options, relay RelayFunc) *Correlator {
	c := &Correlator{
		opts:    opts.withDefaults(),
		log:     obs.For("correlator"),
		pending: make(map[string]*entry),
		relay:   relay,
		stopCh:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *Correlator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Issue mints a request id, registers a local waiter, and returns a channel
// that receives exactly one frame: the response, or a failure response
// (Success false) on timeout, eviction, rejection via Reject*, or stale
// sweep. The channel is never closed. callerTimeout is clamped to the
// global cap (spec §4.3 step 4).
func (c *Correlator) Issue(sessionID string, background bool, callerTimeout time.Duration) (requestID string, done <-chan wireframe.Frame) {
	requestID = idgen.RequestID(background)
	timeout := callerTimeout
	if timeout <= 0 || timeout > c.opts.GlobalCap {
		timeout = c.opts.GlobalCap
	}
	ch := make(chan wireframe.Frame, 1)
	e := &entry{
		requestID: requestID,
		sessionID: sessionID,
		createdAt: time.Now(),
		deadline:  time.Now().Add(timeout),
		epoch:     idgen.EpochFromRequestID(requestID),
		ch:        ch,
	}
	c.register(e, timeout)
	return requestID, ch
}

// Relay registers bookkeeping for a request this bridge is forwarding on
// behalf of a peer-bridge: no local waiter, just an originInstanceID to
// relay the eventual response to (spec §4.4 rule 2, rule 6).
func (c *Correlator) Relay(requestID, sessionID, originInstanceID string) {
	e := &entry{
		requestID:        requestID,
		sessionID:        sessionID,
		originInstanceID: originInstanceID,
		createdAt:        time.Now(),
		deadline:         time.Now().Add(c.opts.GlobalCap),
		epoch:            idgen.EpochFromRequestID(requestID),
	}
	c.register(e, c.opts.GlobalCap)
}

func (c *Correlator) register(e *entry, timeout time.Duration) {
	c.mu.Lock()
	if len(c.pending) >= c.opts.MaxPending {
		c.evictOldestLocked()
	}
	e.timer = time.AfterFunc(timeout, func() { c.timeoutEntry(e.requestID) })
	c.pending[e.requestID] = e
	n := len(c.pending)
	c.mu.Unlock()

	metrics.PendingRequests.Set(float64(n))
	if n > c.opts.WarnThreshold {
		c.log.WithField("pending", n).Warn("pending request count above warning threshold")
	}
}

// evictOldestLocked removes the pending entry with the smallest embedded
// epoch (spec §3 invariant). Caller must hold c.mu.
func (c *Correlator) evictOldestLocked() {
	var oldestID string
	var oldestEpoch int64
	first := true
	for id, e := range c.pending {
		if first || e.epoch < oldestEpoch {
			oldestID = id
			oldestEpoch = e.epoch
			first = false
		}
	}
	if oldestID == "" {
		return
	}
	e := c.pending[oldestID]
	delete(c.pending, oldestID)
	if e.timer != nil {
		e.timer.Stop()
	}
	metrics.RequestsTotal.WithLabelValues(metrics.OutcomeBackPressure).Inc()
	if e.ch != nil {
		e.ch <- wireframe.Frame{
			Type:      wireframe.TypeResponse,
			RequestID: e.requestID,
			SessionID: e.sessionID,
			Success:   wireframe.Bool(false),
			Error:     bridgeerr.New(bridgeerr.KindBackPressure, "pending queue full; oldest request evicted").Error(),
		}
	}
}

func (c *Correlator) timeoutEntry(requestID string) {
	c.mu.Lock()
	e, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	metrics.PendingRequests.Set(float64(c.Count()))
	metrics.RequestsTotal.WithLabelValues(metrics.OutcomeTimeout).Inc()
	if e.ch == nil {
		return
	}
	e.ch <- wireframe.Frame{
		Type:      wireframe.TypeResponse,
		RequestID: requestID,
		SessionID: e.sessionID,
		Success:   wireframe.Bool(false),
		Error:     bridgeerr.New(bridgeerr.KindTimeout, "request timed out").Error(),
	}
}

// Resolve completes a pending request with an inbound response frame. If
// the entry was registered via Relay for another bridge instance, the frame
// is forwarded there instead of delivered locally (spec §4.4 rule 2).
// Unknown request ids (late arrivals after timeout) are silently dropped.
func (c *Correlator) Resolve(frame wireframe.Frame) {
	c.mu.Lock()
	e, ok := c.pending[frame.RequestID]
	if ok {
		delete(c.pending, frame.RequestID)
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	metrics.PendingRequests.Set(float64(c.Count()))
	metrics.RequestsTotal.WithLabelValues(metrics.OutcomeResolved).Inc()
	if e.originInstanceID != "" {
		if c.relay != nil {
			c.relay(e.originInstanceID, frame)
		}
		return
	}
	if e.ch != nil {
		e.ch <- frame
	}
}

// RejectSession rejects every pending request routed to sessionID with a
// PeerGone error, used when a page-agent peer disconnects and when the
// controller reports the session's window closed (spec §4.3).
func (c *Correlator) RejectSession(sessionID, origin string) {
	c.rejectWhere(func(e *entry) bool { return e.sessionID == sessionID }, bridgeerr.PeerGone(origin))
}

// RejectOrigin rejects every pending request that originated from the given
// peer-bridge instance, used when that peer-bridge disconnects.
func (c *Correlator) RejectOrigin(instanceID string) {
	c.rejectWhere(func(e *entry) bool { return e.originInstanceID == instanceID }, bridgeerr.PeerGone("peer-bridge"))
}

// RejectBackground rejects every pending __background__ request with
// ControllerGone, used when the controller disconnects (spec §5).
func (c *Correlator) RejectBackground() {
	c.rejectWhere(func(e *entry) bool { return e.sessionID == wireframe.BackgroundSentinel }, bridgeerr.ErrControllerGone)
}

// RejectAll rejects every pending request, used when a peer-client's single
// upstream connection to the server drops.
func (c *Correlator) RejectAll() {
	c.rejectWhere(func(*entry) bool { return true }, bridgeerr.PeerGone("bridge server"))
}

func (c *Correlator) rejectWhere(match func(*entry) bool, reason error) {
	c.mu.Lock()
	var victims []*entry
	for id, e := range c.pending {
		if match(e) {
			victims = append(victims, e)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	if len(victims) > 0 {
		metrics.PendingRequests.Set(float64(c.Count()))
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeRejected).Add(float64(len(victims)))
	}
	for _, e := range victims {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.ch != nil {
			e.ch <- wireframe.Frame{
				Type:      wireframe.TypeResponse,
				RequestID: e.requestID,
				SessionID: e.sessionID,
				Success:   wireframe.Bool(false),
				Error:     reason.Error(),
			}
		}
	}
}

func (c *Correlator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) sweepLoop() {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Correlator) sweepOnce() {
	cutoff := time.Now().Add(-c.opts.StaleTimeout)
	c.mu.Lock()
	var stale []*entry
	for id, e := range c.pending {
		if e.createdAt.Before(cutoff) {
			stale = append(stale, e)
			delete(c.pending, id)
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	if len(stale) > 0 {
		metrics.PendingRequests.Set(float64(n))
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeStale).Add(float64(len(stale)))
	}
	for _, e := range stale {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.ch != nil {
			e.ch <- wireframe.Frame{
				Type:      wireframe.TypeResponse,
				RequestID: e.requestID,
				SessionID: e.sessionID,
				Success:   wireframe.Bool(false),
				Error:     bridgeerr.New(bridgeerr.KindStaleness, "request rejected by stale sweep").Error(),
			}
		}
	}
	if n > c.opts.WarnThreshold {
		c.log.WithField("pending", n).Warn("pending request count above warning threshold")
	}
}
