package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locationd/pkg/locate"
)

func TestMemoryStoreTTLAndStaleWindow(t *testing.T) {
	s := NewMemoryStore(10*time.Minute, 60*time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Put(sampleEstimate(base, 25, locate.TierGood)))

	got := s.Get(0)
	require.NotNil(t, got)
	assert.Equal(t, 25.0, got.AccuracyMeters)

	s.now = func() time.Time { return base.Add(30 * time.Minute) }
	assert.Nil(t, s.Get(0))
	stale := s.GetFallback()
	require.NotNil(t, stale)
	assert.True(t, stale.IsStale)

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Nil(t, s.GetFallback())
}

func TestMemoryStoreOverwriteInvariant(t *testing.T) {
	s := NewMemoryStore(10*time.Minute, 60*time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Put(sampleEstimate(base, 30, locate.TierGood)))
	require.NoError(t, s.Put(sampleEstimate(base.Add(-time.Minute), 5, locate.TierExcellent)))
	assert.Equal(t, 30.0, s.Get(0).AccuracyMeters)

	require.NoError(t, s.Put(sampleEstimate(base.Add(time.Minute), 8, locate.TierExcellent)))
	assert.Equal(t, 8.0, s.Get(0).AccuracyMeters)
}

func TestMemoryStoreFlags(t *testing.T) {
	s := NewMemoryStore(0, 0)

	_, ok := s.GetFlag("permission_denied")
	assert.False(t, ok)

	require.NoError(t, s.SetFlag("permission_denied", "1"))
	v, ok := s.GetFlag("permission_denied")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, s.DeleteFlag("permission_denied"))
	_, ok = s.GetFlag("permission_denied")
	assert.False(t, ok)
}

func TestMemoryStoreFallbackAccounting(t *testing.T) {
	s := NewMemoryStore(10*time.Minute, 60*time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.Put(sampleEstimate(base, 25, locate.TierGood)))

	fresh := s.GetFallback()
	require.NotNil(t, fresh)
	assert.False(t, fresh.IsStale)

	s.now = func() time.Time { return base.Add(11 * time.Minute) }
	stale := s.GetFallback()
	require.NotNil(t, stale)
	assert.True(t, stale.IsStale)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.StaleHits)
}

func TestMemoryStoreClear(t *testing.T) {
	s := NewMemoryStore(10*time.Minute, 60*time.Minute)
	require.NoError(t, s.Put(sampleEstimate(time.Now(), 25, locate.TierGood)))
	require.NoError(t, s.Clear())
	assert.Nil(t, s.Get(0))
	assert.Nil(t, s.GetFallback())
}
