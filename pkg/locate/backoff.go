package locate

import "time"

// BackoffPolicy describes the delay schedule between successive attempts of
// one strategy class, replacing fixed inter-phase sleeps with configuration.
type BackoffPolicy struct {
	InitialDelay time.Duration `json:"initial_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// Delay returns the delay before the given zero-based attempt. Attempt 0 has
// no delay.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.InitialDelay <= 0 {
		return 0
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// BackoffConfig holds one policy per strategy class.
type BackoffConfig struct {
	Device  BackoffPolicy `json:"device"`
	Network BackoffPolicy `json:"network"`
	IP      BackoffPolicy `json:"ip"`
	Cache   BackoffPolicy `json:"cache"`
}

// DefaultBackoffConfig returns conservative per-class backoff defaults. IP
// providers back off hardest out of rate-limit courtesy.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Device:  BackoffPolicy{InitialDelay: 500 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second},
		Network: BackoffPolicy{InitialDelay: 1 * time.Second, Multiplier: 2.0, MaxDelay: 10 * time.Second},
		IP:      BackoffPolicy{InitialDelay: 2 * time.Second, Multiplier: 2.0, MaxDelay: 30 * time.Second},
		Cache:   BackoffPolicy{},
	}
}

// ForClass returns the policy for a strategy class.
func (bc *BackoffConfig) ForClass(class StrategyClass) BackoffPolicy {
	switch class {
	case ClassDevice:
		return bc.Device
	case ClassNetwork:
		return bc.Network
	case ClassIP:
		return bc.IP
	default:
		return bc.Cache
	}
}
