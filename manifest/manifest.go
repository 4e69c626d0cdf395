// Package manifest tracks what the transform pipeline has already
// consumed and produced: the processed-raw-file set, an append-only
// transform history, health/consecutive-failure bookkeeping, duplicate
// trends, and the replay policy that decides when to rebuild into the
// alternate version partition.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/schemahub/tradefeed/internal/tflog"
	"github.com/schemahub/tradefeed/objectstore"
)

var log = tflog.New("manifest")

// DefaultKey is where the manifest object lives in the bucket.
const DefaultKey = "schemahub/manifest.json"

// HistoryEntry is one append-only transform-run record.
type HistoryEntry struct {
	Timestamp              time.Time       `json:"timestamp"`
	RecordsRead            int             `json:"records_read"`
	RecordsTransformed     int             `json:"records_transformed"`
	RecordsWritten         int             `json:"records_written"`
	Status                 string          `json:"status"`
	OutputVersion          int             `json:"output_version"`
	OutputKey              string          `json:"s3_key,omitempty"`
	ProcessedRawFilesCount int             `json:"processed_raw_files_count"`
	QualityGatePassed      bool            `json:"quality_gate_passed"`
	ValidationIssues       []string        `json:"validation_issues,omitempty"`
	ValidationMetrics      json.RawMessage `json:"validation_metrics,omitempty"`
}

// Health tracks the transform pipeline's recent validation outcomes.
type Health struct {
	LastSuccessfulTransform time.Time `json:"last_successful_transform,omitempty"`
	LastValidationIssues    []string  `json:"last_validation_issues,omitempty"`
	ConsecutiveFailures     int       `json:"consecutive_failures"`
}

// DupTrendEntry is one snapshot appended per transform run.
type DupTrendEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	DuplicatesFound int       `json:"duplicates_found"`
	BatchSize       int       `json:"batch_size"`
}

// ReplayEvent is one entry under ReplayedVersions["<old>_to_<new>"]
// (e.g. "1_to_2").
type ReplayEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Manifest is the full persisted state, stored as a single JSON object.
type Manifest struct {
	ProcessedRawFiles []string                 `json:"processed_raw_files"`
	TransformHistory  []HistoryEntry           `json:"transform_history"`
	Health            Health                   `json:"health"`
	DupTrends         []DupTrendEntry          `json:"dup_trends"`
	LastVersion       int                      `json:"last_version"`
	LastUpdateTS      time.Time                `json:"last_update_ts,omitempty"`
	ReplayedVersions  map[string][]ReplayEvent `json:"replayed_versions"`
	ReplayTriggered   bool                     `json:"_replay_triggered,omitempty"`
}

func defaultManifest() Manifest {
	return Manifest{
		ProcessedRawFiles: []string{},
		TransformHistory:  []HistoryEntry{},
		DupTrends:         []DupTrendEntry{},
		LastVersion:       1,
		ReplayedVersions:  map[string][]ReplayEvent{},
	}
}

// Store loads and saves a single Manifest object against an
// objectstore.Store; an absent or malformed object loads as the default
// structure rather than an error.
type Store struct {
	backend objectstore.Store
	key     string
}

// NewStore returns a Store reading/writing key (DefaultKey if empty).
func NewStore(backend objectstore.Store, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{backend: backend, key: key}
}

// Load returns the persisted manifest, or a fresh default one if absent
// or malformed.
func (s *Store) Load(ctx context.Context) (Manifest, error) {
	data, err := s.backend.Get(ctx, s.key)
	if err != nil {
		log.Info("manifest not found, using default", "key", s.key)
		return defaultManifest(), nil
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		log.Warn("manifest malformed, using default", "key", s.key, "err", err)
		return defaultManifest(), nil
	}
	if m.ReplayedVersions == nil {
		m.ReplayedVersions = map[string][]ReplayEvent{}
	}
	return m, nil
}

// Save persists m as a single PUT.
func (s *Store) Save(ctx context.Context, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	return s.backend.Put(ctx, s.key, data, "application/json")
}

// ProcessedRawFiles satisfies transform.ManifestView, letting the
// Transform Engine compute its incremental delta without depending on
// this package's full read/write surface.
func (s *Store) ProcessedRawFiles(ctx context.Context) (map[string]bool, error) {
	m, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(m.ProcessedRawFiles))
	for _, f := range m.ProcessedRawFiles {
		out[f] = true
	}
	return out, nil
}

// TransformOutcome is the subset of a transform run's result the
// manifest update needs, decoupled from the transform package's own
// Result type so this package never imports transform (transform
// declares its own ManifestView, which Store satisfies).
type TransformOutcome struct {
	RecordsRead         int
	RecordsTransformed  int
	RecordsWritten      int
	OutputKey           string
	OutputVersion       int
	ProcessedFiles      []string
	Status              string
	QualityGatePassed   bool
	ValidationIssues    []string
	ValidationMetrics   json.RawMessage
	DuplicatesFound     int
	BatchRecordsChecked int
}

// UpdateAfterTransform folds one transform run's outcome into the
// manifest in-memory (processed files, history, health, dup trends,
// last_update_ts); the caller is responsible for persisting via Save.
func UpdateAfterTransform(m Manifest, outcome TransformOutcome, now time.Time) Manifest {
	processed := mapset.NewThreadUnsafeSet(m.ProcessedRawFiles...)
	for _, f := range outcome.ProcessedFiles {
		processed.Add(f)
	}
	m.ProcessedRawFiles = processed.ToSlice()

	m.TransformHistory = append(m.TransformHistory, HistoryEntry{
		Timestamp:              now,
		RecordsRead:            outcome.RecordsRead,
		RecordsTransformed:     outcome.RecordsTransformed,
		RecordsWritten:         outcome.RecordsWritten,
		Status:                 outcome.Status,
		OutputVersion:          outcome.OutputVersion,
		OutputKey:              outcome.OutputKey,
		ProcessedRawFilesCount: len(outcome.ProcessedFiles),
		QualityGatePassed:      outcome.QualityGatePassed,
		ValidationIssues:       outcome.ValidationIssues,
		ValidationMetrics:      outcome.ValidationMetrics,
	})

	if outcome.QualityGatePassed {
		m.Health.LastSuccessfulTransform = now
		m.Health.LastValidationIssues = nil
		m.Health.ConsecutiveFailures = 0
	} else {
		m.Health.LastValidationIssues = outcome.ValidationIssues
		m.Health.ConsecutiveFailures++
		if m.Health.ConsecutiveFailures >= 2 {
			log.Warn("consecutive failures reached replay threshold", "count", m.Health.ConsecutiveFailures)
			m.ReplayTriggered = true
		}
	}

	m.DupTrends = append(m.DupTrends, DupTrendEntry{
		Timestamp:       now,
		DuplicatesFound: outcome.DuplicatesFound,
		BatchSize:       outcome.BatchRecordsChecked,
	})

	m.LastUpdateTS = now
	return m
}

// ShouldTriggerReplay reports whether the next transform should rebuild
// into the alternate version partition: an explicit flag,
// consecutive_failures >= 2, or any of the last 5 dup_trends entries
// exceeding a 5% duplicate ratio.
func ShouldTriggerReplay(m Manifest) (bool, string) {
	if m.ReplayTriggered {
		return true, "replay flag set (consecutive failures)"
	}
	if m.Health.ConsecutiveFailures >= 2 {
		return true, fmt.Sprintf("consecutive failures: %d", m.Health.ConsecutiveFailures)
	}

	recent := m.DupTrends
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	for _, e := range recent {
		if e.BatchSize <= 0 {
			continue
		}
		ratio := float64(e.DuplicatesFound) / float64(e.BatchSize)
		if ratio > 0.05 {
			return true, fmt.Sprintf("high duplicate ratio: %.1f%%", ratio*100)
		}
	}
	return false, ""
}

// NextVersion alternates the output partition between v1 and v2 so a
// replay never clobbers the live partition.
func NextVersion(m Manifest) int {
	if m.LastVersion == 1 {
		return 2
	}
	return 1
}

// MarkReplay appends a timestamped replay event under "<old>_to_<new>".
func MarkReplay(m Manifest, oldVersion, newVersion int, reason string, now time.Time) Manifest {
	key := fmt.Sprintf("%d_to_%d", oldVersion, newVersion)
	if m.ReplayedVersions == nil {
		m.ReplayedVersions = map[string][]ReplayEvent{}
	}
	m.ReplayedVersions[key] = append(m.ReplayedVersions[key], ReplayEvent{Timestamp: now, Reason: reason})
	log.Info("replay marked", "from", oldVersion, "to", newVersion, "reason", reason)
	return m
}
