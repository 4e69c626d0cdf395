package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schemahub/tradefeed/objectstore"
)

func newTestStore(t *testing.T) *Store {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return NewStore(backend, "")
}

func TestLoadAbsentReturnsDefault(t *testing.T) {
	s := newTestStore(t)
	m, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, m.LastVersion)
	require.Empty(t, m.ProcessedRawFiles)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	m, err := s.Load(context.Background())
	require.NoError(t, err)
	m.ProcessedRawFiles = []string{"a.jsonl.gz"}
	require.NoError(t, s.Save(context.Background(), m))

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a.jsonl.gz"}, got.ProcessedRawFiles)
}

func TestUpdateAfterTransformClearsFailuresOnPass(t *testing.T) {
	m := defaultManifest()
	m.Health.ConsecutiveFailures = 3
	now := time.Now().UTC()

	m = UpdateAfterTransform(m, TransformOutcome{
		ProcessedFiles:    []string{"a.jsonl.gz"},
		Status:            "success",
		QualityGatePassed: true,
	}, now)

	require.Equal(t, 0, m.Health.ConsecutiveFailures)
	require.Empty(t, m.Health.LastValidationIssues)
	require.Len(t, m.TransformHistory, 1)
	require.Contains(t, m.ProcessedRawFiles, "a.jsonl.gz")
}

func TestUpdateAfterTransformTriggersReplayAtTwoFailures(t *testing.T) {
	m := defaultManifest()
	now := time.Now().UTC()

	m = UpdateAfterTransform(m, TransformOutcome{Status: "error", QualityGatePassed: false, ValidationIssues: []string{"bad schema"}}, now)
	require.False(t, m.ReplayTriggered)
	m = UpdateAfterTransform(m, TransformOutcome{Status: "error", QualityGatePassed: false, ValidationIssues: []string{"bad schema"}}, now)
	require.True(t, m.ReplayTriggered)
}

func TestShouldTriggerReplayOnHighDuplicateRatio(t *testing.T) {
	m := defaultManifest()
	m.DupTrends = []DupTrendEntry{
		{DuplicatesFound: 10, BatchSize: 100},
	}
	should, reason := ShouldTriggerReplay(m)
	require.True(t, should)
	require.Contains(t, reason, "duplicate ratio")
}

func TestShouldTriggerReplayFalseWhenHealthy(t *testing.T) {
	m := defaultManifest()
	m.DupTrends = []DupTrendEntry{{DuplicatesFound: 1, BatchSize: 1000}}
	should, _ := ShouldTriggerReplay(m)
	require.False(t, should)
}

func TestNextVersionAlternates(t *testing.T) {
	m := defaultManifest()
	m.LastVersion = 1
	require.Equal(t, 2, NextVersion(m))
	m.LastVersion = 2
	require.Equal(t, 1, NextVersion(m))
}

func TestMarkReplayAppendsEvent(t *testing.T) {
	m := defaultManifest()
	now := time.Now().UTC()
	m = MarkReplay(m, 1, 2, "consecutive failures", now)
	require.Len(t, m.ReplayedVersions["1_to_2"], 1)
	require.Equal(t, "consecutive failures", m.ReplayedVersions["1_to_2"][0].Reason)
}
