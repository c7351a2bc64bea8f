package locate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// fakeProbe implements Probe with fixed answers for testing.
type fakeProbe struct {
	supports    bool
	platform    PlatformClass
	motion      bool
	orientation bool
	connection  ConnectionQuality
	permission  PermissionState
	perf        int

	analyzeCalls int
}

func (fp *fakeProbe) SupportsPositioning(ctx context.Context) bool {
	fp.analyzeCalls++
	return fp.supports
}
func (fp *fakeProbe) PlatformClass() PlatformClass { return fp.platform }
func (fp *fakeProbe) HasMotionSensors() bool       { return fp.motion }
func (fp *fakeProbe) HasOrientationSensors() bool  { return fp.orientation }
func (fp *fakeProbe) ConnectionQuality(ctx context.Context) ConnectionQuality {
	return fp.connection
}
func (fp *fakeProbe) PermissionState() PermissionState { return fp.permission }
func (fp *fakeProbe) PerformanceScore() int            { return fp.perf }

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

func TestCapabilityScoreFullMobile(t *testing.T) {
	probe := &fakeProbe{
		supports:    true,
		platform:    PlatformMobile,
		motion:      true,
		orientation: true,
		connection:  ConnectionExcellent,
		permission:  PermissionGranted,
		perf:        10,
	}
	analyzer := NewCapabilityAnalyzer(probe, testLogger())

	snapshot := analyzer.Analyze(context.Background())
	// 10 base + 30 mobile + 10 motion + 5 orientation + 15 connection + 20 granted + 10 perf
	assert.Equal(t, 100, snapshot.Score)
	assert.Equal(t, CapabilityExcellent, snapshot.CapabilityLevel)
	assert.True(t, snapshot.SupportsPositioning)
}

func TestCapabilityScoreDesktopIgnoresSensors(t *testing.T) {
	probe := &fakeProbe{
		supports:    true,
		platform:    PlatformDesktop,
		motion:      true,
		orientation: true,
		connection:  ConnectionGood,
		permission:  PermissionPrompt,
		perf:        5,
	}
	analyzer := NewCapabilityAnalyzer(probe, testLogger())

	snapshot := analyzer.Analyze(context.Background())
	// 10 base + 15 desktop + 10 connection + 10 prompt + 5 perf; sensors do not count
	assert.Equal(t, 50, snapshot.Score)
	assert.Equal(t, CapabilityAcceptable, snapshot.CapabilityLevel)
}

func TestCapabilityNoPositioningSupport(t *testing.T) {
	probe := &fakeProbe{supports: false, platform: PlatformMobile, perf: 10}
	analyzer := NewCapabilityAnalyzer(probe, testLogger())

	snapshot := analyzer.Analyze(context.Background())
	assert.False(t, snapshot.SupportsPositioning)
	assert.Equal(t, CapabilityNone, snapshot.CapabilityLevel)
	assert.Equal(t, 0, snapshot.Score)
}

func TestCapabilityLevelBands(t *testing.T) {
	tests := []struct {
		score    int
		expected CapabilityLevel
	}{
		{100, CapabilityExcellent},
		{80, CapabilityExcellent},
		{79, CapabilityGood},
		{60, CapabilityGood},
		{59, CapabilityAcceptable},
		{40, CapabilityAcceptable},
		{39, CapabilityPoor},
		{20, CapabilityPoor},
		{19, CapabilityNone},
		{0, CapabilityNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, levelForScore(tt.score), "score %d", tt.score)
	}
}

func TestCapabilityMemoizationAndInvalidate(t *testing.T) {
	probe := &fakeProbe{
		supports:   true,
		platform:   PlatformDesktop,
		connection: ConnectionGood,
		permission: PermissionUnknown,
		perf:       5,
	}
	analyzer := NewCapabilityAnalyzer(probe, testLogger())

	first := analyzer.Analyze(context.Background())
	second := analyzer.Analyze(context.Background())
	assert.Same(t, first, second)
	assert.Equal(t, 1, probe.analyzeCalls)

	probe.permission = PermissionGranted
	analyzer.Invalidate()

	third := analyzer.Analyze(context.Background())
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, probe.analyzeCalls)
	assert.Equal(t, PermissionGranted, third.PermissionState)
	assert.Greater(t, third.Score, first.Score)
}

func TestCapabilityPerformanceScoreClamped(t *testing.T) {
	probe := &fakeProbe{
		supports:   true,
		platform:   PlatformDesktop,
		connection: ConnectionUnknown,
		permission: PermissionUnknown,
		perf:       99,
	}
	snapshot := NewCapabilityAnalyzer(probe, testLogger()).Analyze(context.Background())
	// 10 base + 15 desktop + 0 connection + 10 unknown + 10 clamped perf
	assert.Equal(t, 45, snapshot.Score)
}
