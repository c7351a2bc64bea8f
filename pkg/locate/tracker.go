package locate

import (
	"context"
	"fmt"
	"sync"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// TrackerConfig configures live tracking sessions.
type TrackerConfig struct {
	// MovementThresholdM is the default distance below which updates are
	// suppressed unless accuracy improved.
	MovementThresholdM float64 `json:"movement_threshold_m"`
}

// DefaultTrackerConfig returns live-tracking defaults.
func DefaultTrackerConfig() *TrackerConfig {
	return &TrackerConfig{MovementThresholdM: 5.0}
}

// TrackingSession is the handle for one live-tracking subscription.
type TrackingSession struct {
	strategyID string
	threshold  float64
	onUpdate   func(*LocationEstimate)

	mu           sync.Mutex
	active       bool
	lastEstimate *LocationEstimate
	stop         func()
	cancel       context.CancelFunc
}

// Active reports whether the session is still receiving updates.
func (ts *TrackingSession) Active() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.active
}

// LastEstimate returns the most recently accepted estimate, or nil.
func (ts *TrackingSession) LastEstimate() *LocationEstimate {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.lastEstimate == nil {
		return nil
	}
	copied := *ts.lastEstimate
	return &copied
}

// LiveTracker drives a continuous single-strategy subscription, filtering
// raw updates by movement distance and accuracy improvement. Exactly one
// session is active per tracker; a second Start returns the existing handle.
type LiveTracker struct {
	config   *TrackerConfig
	cache    CacheStore
	perms    *PermissionMachine
	recorder Recorder
	logger   *logx.Logger

	mu      sync.Mutex
	session *TrackingSession

	statsMu         sync.Mutex
	updatesEmitted  int64
	updatesFiltered int64
	updateErrors    int64
}

func NewLiveTracker(config *TrackerConfig, cache CacheStore, perms *PermissionMachine, recorder Recorder, logger *logx.Logger) *LiveTracker {
	if config == nil {
		config = DefaultTrackerConfig()
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &LiveTracker{
		config:   config,
		cache:    cache,
		perms:    perms,
		recorder: recorder,
		logger:   logger,
	}
}

// Start subscribes to the watch strategy and returns a session handle.
// Calling Start while a session is active is a no-op returning the
// existing handle.
func (lt *LiveTracker) Start(ctx context.Context, strategy WatchStrategy, onUpdate func(*LocationEstimate), movementThresholdM float64) (*TrackingSession, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if lt.session != nil && lt.session.Active() {
		lt.logger.Debug("tracking_already_active", "strategy", lt.session.strategyID)
		return lt.session, nil
	}

	if lt.perms != nil && lt.perms.Denied() && strategy.Descriptor().RequiresPermission {
		return nil, ErrPermissionDenied
	}
	if movementThresholdM <= 0 {
		movementThresholdM = lt.config.MovementThresholdM
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	session := &TrackingSession{
		strategyID: strategy.Descriptor().ID,
		threshold:  movementThresholdM,
		onUpdate:   onUpdate,
		active:     true,
		cancel:     cancel,
	}

	stop, err := strategy.Watch(sessionCtx,
		func(raw *LocationEstimate) { lt.handleUpdate(session, raw) },
		func(err error) { lt.handleError(session, err) },
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start watch on %s: %w", strategy.Descriptor().ID, err)
	}
	session.stop = stop
	lt.session = session

	lt.logger.Info("tracking_started",
		"strategy", session.strategyID,
		"movement_threshold_m", movementThresholdM,
	)
	return session, nil
}

// Stop ends the given session. Stopping an inactive or foreign session is a
// no-op.
func (lt *LiveTracker) Stop(session *TrackingSession) {
	if session == nil {
		return
	}
	lt.mu.Lock()
	if lt.session == session {
		lt.session = nil
	}
	lt.mu.Unlock()

	session.mu.Lock()
	wasActive := session.active
	session.active = false
	stop := session.stop
	cancel := session.cancel
	session.mu.Unlock()

	if !wasActive {
		return
	}
	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	lt.logger.Info("tracking_stopped", "strategy", session.strategyID)
}

// StopCurrent ends the active session, if any.
func (lt *LiveTracker) StopCurrent() {
	lt.mu.Lock()
	session := lt.session
	lt.mu.Unlock()
	lt.Stop(session)
}

// handleUpdate applies the movement/accuracy filter to one raw update.
// The update is emitted and becomes lastEstimate only when the device moved
// farther than the threshold or the accuracy radius strictly improved.
func (lt *LiveTracker) handleUpdate(session *TrackingSession, raw *LocationEstimate) {
	if raw == nil || !session.Active() {
		return
	}

	raw.StrategyID = session.strategyID
	Annotate(raw)

	session.mu.Lock()
	last := session.lastEstimate
	emit := false
	var distance float64
	if last == nil {
		emit = true
	} else {
		distance = Haversine(last.Latitude, last.Longitude, raw.Latitude, raw.Longitude)
		improved := raw.HasKnownAccuracy() &&
			(!last.HasKnownAccuracy() || raw.AccuracyMeters < last.AccuracyMeters)
		emit = distance > session.threshold || improved
	}
	if emit {
		copied := *raw
		session.lastEstimate = &copied
	}
	onUpdate := session.onUpdate
	session.mu.Unlock()

	lt.recorder.RecordTrackerUpdate(emit)

	if !emit {
		lt.statsMu.Lock()
		lt.updatesFiltered++
		lt.statsMu.Unlock()
		lt.logger.LogDebugVerbose("tracking_update_suppressed", map[string]interface{}{
			"distance_m":  distance,
			"threshold_m": session.threshold,
		})
		return
	}

	lt.statsMu.Lock()
	lt.updatesEmitted++
	lt.statsMu.Unlock()

	if lt.cache != nil {
		if err := lt.cache.Put(raw); err != nil {
			lt.logger.Warn("tracking_cache_put_failed", "error", err.Error())
		}
	}
	if onUpdate != nil {
		onUpdate(raw)
	}
}

// handleError logs a per-update error. Only a permission revocation is
// fatal to the session.
func (lt *LiveTracker) handleError(session *TrackingSession, err error) {
	if err == nil {
		return
	}

	lt.statsMu.Lock()
	lt.updateErrors++
	lt.statsMu.Unlock()

	if lt.perms != nil && lt.perms.ObserveAcquisitionError(err) {
		lt.logger.Warn("tracking_permission_revoked", "error", err.Error())
		lt.Stop(session)
		return
	}

	lt.logger.Warn("tracking_update_error", "error", err.Error())
}

// Counters returns emitted, filtered and errored update counts.
func (lt *LiveTracker) Counters() (emitted, filtered, errors int64) {
	lt.statsMu.Lock()
	defer lt.statsMu.Unlock()
	return lt.updatesEmitted, lt.updatesFiltered, lt.updateErrors
}
