package locate

import "errors"

// Error taxonomy surfaced by the engine. Per-strategy timeouts and single
// IP-provider failures are recovered internally by the fallback ladder and
// only surface once every rung is exhausted.
var (
	// ErrNotSupported means the platform has no positioning capability at
	// all. Fatal and immediate.
	ErrNotSupported = errors.New("positioning not supported on this platform")

	// ErrPermissionDenied means positioning permission is denied. Fatal
	// until ClearDeniedPermission is called and the user re-grants.
	ErrPermissionDenied = errors.New("positioning permission denied")

	// ErrTimeout marks a single strategy exceeding its own timeout.
	ErrTimeout = errors.New("strategy timed out")

	// ErrProviderFailure marks one IP-geolocation provider failing; the
	// next provider in order is tried.
	ErrProviderFailure = errors.New("ip geolocation provider failed")

	// ErrAllStrategiesExhausted is surfaced only when no strategy, cache
	// tier, or default coordinate could produce an estimate.
	ErrAllStrategiesExhausted = errors.New("all location strategies exhausted")

	// ErrNoEstimate is returned by DistanceTo when no current estimate
	// exists.
	ErrNoEstimate = errors.New("no current location estimate")
)
