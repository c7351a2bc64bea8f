package locate

import (
	"context"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Probe answers the raw capability questions the analyzer turns into a
// snapshot. Implementations inspect the actual runtime; tests inject fakes.
type Probe interface {
	SupportsPositioning(ctx context.Context) bool
	PlatformClass() PlatformClass
	HasMotionSensors() bool
	HasOrientationSensors() bool
	ConnectionQuality(ctx context.Context) ConnectionQuality
	PermissionState() PermissionState
	// PerformanceScore is a rough device performance heuristic in [5,10].
	PerformanceScore() int
}

// CapabilityAnalyzer computes and memoizes a CapabilitySnapshot for the
// process lifetime. Invalidate forces re-analysis, typically after a
// permission change.
type CapabilityAnalyzer struct {
	probe  Probe
	logger *logx.Logger

	mu       sync.Mutex
	snapshot *CapabilitySnapshot
}

func NewCapabilityAnalyzer(probe Probe, logger *logx.Logger) *CapabilityAnalyzer {
	return &CapabilityAnalyzer{probe: probe, logger: logger}
}

// Analyze returns the memoized snapshot, computing it on first use.
func (ca *CapabilityAnalyzer) Analyze(ctx context.Context) *CapabilitySnapshot {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.snapshot != nil {
		return ca.snapshot
	}
	ca.snapshot = ca.compute(ctx)
	return ca.snapshot
}

// Invalidate discards the memoized snapshot so the next Analyze recomputes.
func (ca *CapabilityAnalyzer) Invalidate() {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.snapshot = nil
}

func (ca *CapabilityAnalyzer) compute(ctx context.Context) *CapabilitySnapshot {
	snapshot := &CapabilitySnapshot{
		PlatformClass:     ca.probe.PlatformClass(),
		PermissionState:   ca.probe.PermissionState(),
		ConnectionQuality: ca.probe.ConnectionQuality(ctx),
		AnalyzedAt:        time.Now(),
	}

	if !ca.probe.SupportsPositioning(ctx) {
		snapshot.SupportsPositioning = false
		snapshot.CapabilityLevel = CapabilityNone
		ca.logger.Warn("capability_no_positioning_support")
		return snapshot
	}
	snapshot.SupportsPositioning = true

	score := 10

	if snapshot.PlatformClass == PlatformMobile {
		score += 30
		if ca.probe.HasMotionSensors() {
			score += 10
		}
		if ca.probe.HasOrientationSensors() {
			score += 5
		}
	} else {
		score += 15
	}

	switch snapshot.ConnectionQuality {
	case ConnectionExcellent:
		score += 15
	case ConnectionGood:
		score += 10
	case ConnectionFair, ConnectionPoor:
		score += 5
	}

	switch snapshot.PermissionState {
	case PermissionGranted:
		score += 20
	case PermissionPrompt, PermissionUnknown:
		score += 10
	}

	perf := ca.probe.PerformanceScore()
	if perf < 5 {
		perf = 5
	}
	if perf > 10 {
		perf = 10
	}
	score += perf

	snapshot.Score = score
	snapshot.CapabilityLevel = levelForScore(score)

	ca.logger.Info("capability_analyzed",
		"score", score,
		"level", snapshot.CapabilityLevel.String(),
		"platform", snapshot.PlatformClass,
		"permission", snapshot.PermissionState.String(),
	)

	return snapshot
}

func levelForScore(score int) CapabilityLevel {
	switch {
	case score >= 80:
		return CapabilityExcellent
	case score >= 60:
		return CapabilityGood
	case score >= 40:
		return CapabilityAcceptable
	case score >= 20:
		return CapabilityPoor
	default:
		return CapabilityNone
	}
}

// RuntimeProbe is the default probe for a locationd host. Positioning
// support is detected by probing the gpsd socket; connection quality by a
// bounded TCP dial to a well-known endpoint.
type RuntimeProbe struct {
	GpsdAddress string
	Permissions *PermissionMachine
}

func (rp *RuntimeProbe) SupportsPositioning(ctx context.Context) bool {
	addr := rp.GpsdAddress
	if addr == "" {
		addr = "localhost:2947"
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (rp *RuntimeProbe) PlatformClass() PlatformClass {
	// ARM routers and vehicle gateways count as mobile-class hardware.
	if runtime.GOARCH == "arm" || runtime.GOARCH == "arm64" || runtime.GOARCH == "mips" {
		return PlatformMobile
	}
	return PlatformDesktop
}

func (rp *RuntimeProbe) HasMotionSensors() bool      { return false }
func (rp *RuntimeProbe) HasOrientationSensors() bool { return false }

func (rp *RuntimeProbe) ConnectionQuality(ctx context.Context) ConnectionQuality {
	d := net.Dialer{Timeout: 3 * time.Second}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", "1.1.1.1:443")
	if err != nil {
		return ConnectionUnknown
	}
	_ = conn.Close()
	latency := time.Since(start)

	switch {
	case latency < 30*time.Millisecond:
		return ConnectionExcellent
	case latency < 100*time.Millisecond:
		return ConnectionGood
	case latency < 300*time.Millisecond:
		return ConnectionFair
	default:
		return ConnectionPoor
	}
}

func (rp *RuntimeProbe) PermissionState() PermissionState {
	if rp.Permissions == nil {
		return PermissionUnknown
	}
	return rp.Permissions.State()
}

func (rp *RuntimeProbe) PerformanceScore() int {
	if runtime.NumCPU() >= 4 {
		return 10
	}
	return 5
}
