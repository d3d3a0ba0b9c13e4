// Package backup writes and restores compressed snapshots of the whole
// pipeline state: samples, aggregates, alert state, and the active
// configuration. A snapshot is one gzip JSON artifact plus a manifest
// sidecar carrying its checksum.
package backup

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/terminusa/monitor/pkg/alert"
	"github.com/terminusa/monitor/pkg/config"
	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/store"
)

const (
	archiveVersion = "1.0"
	filePrefix     = "monitor-"
	fileSuffix     = ".json.gz"
	manifestSuffix = ".manifest.json"

	// restoreBatch bounds one store write during restore.
	restoreBatch = 5000
)

// Kind records why a snapshot was taken. Upgrade and uninstall hooks
// tag theirs so an operator can tell a rollback point from the nightly
// run.
type Kind string

const (
	KindScheduled    Kind = "scheduled"
	KindPreUpgrade   Kind = "pre_upgrade"
	KindPreUninstall Kind = "pre_uninstall"
)

// Valid reports whether k is a recognized snapshot kind.
func (k Kind) Valid() bool {
	switch k {
	case KindScheduled, KindPreUpgrade, KindPreUninstall:
		return true
	}
	return false
}

// SnapshotError wraps a failed snapshot creation. Existing snapshots
// are untouched; the next scheduled run tries again.
type SnapshotError struct {
	Path string
	Err  error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s failed: %v", e.Path, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// RestoreError wraps a restore that failed after its single retry.
// The store may be partially loaded; the caller must flag the pipeline
// as failing.
type RestoreError struct {
	Path string
	Err  error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore from %s failed: %v", e.Path, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Archive is the decoded snapshot payload.
type Archive struct {
	Metadata   Metadata           `json:"metadata"`
	Config     *config.Config     `json:"config"`
	Samples    []metric.Sample    `json:"samples"`
	Aggregates []metric.Aggregate `json:"aggregates"`
	Alerts     []alert.Alert      `json:"alerts"`
}

// Metadata describes the snapshot for listing without full decode.
type Metadata struct {
	Kind           Kind      `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	Version        string    `json:"version"`
	SampleCount    int       `json:"sample_count"`
	AggregateCount int       `json:"aggregate_count"`
	AlertCount     int       `json:"alert_count"`
}

// Manifest is the sidecar written next to each snapshot.
type Manifest struct {
	Snapshot  string    `json:"snapshot"`
	Kind      Kind      `json:"kind"`
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Info is one snapshot as reported by List.
type Info struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertState is the slice of alert engine state a snapshot carries.
type AlertState interface {
	ExportState() []alert.Alert
	ImportState([]alert.Alert)
}

// Snapshotter creates, verifies, and restores snapshots.
type Snapshotter struct {
	store  store.Store
	alerts AlertState
	cfg    *config.Config
	log    *zap.Logger
}

// New builds a snapshotter. cfg is embedded into every snapshot so a
// restore can be checked against the configuration it was taken under.
func New(st store.Store, alerts AlertState, cfg *config.Config, log *zap.Logger) *Snapshotter {
	return &Snapshotter{store: st, alerts: alerts, cfg: cfg, log: log}
}

// Snapshot writes a new artifact into the backup directory. The file
// appears atomically: data goes to a temp file first and is renamed
// only after a successful flush, so a crash mid-write never leaves a
// half-written snapshot behind.
func (s *Snapshotter) Snapshot(ctx context.Context, now time.Time, kind Kind) (string, error) {
	if !kind.Valid() {
		return "", &SnapshotError{Err: fmt.Errorf("unknown snapshot kind %q", kind)}
	}
	archive, err := s.collect(ctx, now)
	if err != nil {
		return "", &SnapshotError{Err: err}
	}
	archive.Metadata.Kind = kind

	name := filePrefix + string(kind) + "-" + now.UTC().Format("20060102-150405") + fileSuffix
	path := filepath.Join(s.cfg.Backup.Dir, name)

	if err := os.MkdirAll(s.cfg.Backup.Dir, 0o755); err != nil {
		return "", &SnapshotError{Path: path, Err: err}
	}
	if err := s.writeAtomic(path, archive); err != nil {
		return "", &SnapshotError{Path: path, Err: err}
	}
	if err := s.writeManifest(path, archive.Metadata); err != nil {
		os.Remove(path)
		return "", &SnapshotError{Path: path, Err: err}
	}

	s.log.Info("snapshot written",
		zap.String("path", path),
		zap.String("kind", string(kind)),
		zap.Int("samples", archive.Metadata.SampleCount),
		zap.Int("aggregates", archive.Metadata.AggregateCount),
		zap.Int("alerts", archive.Metadata.AlertCount))
	return path, nil
}

func (s *Snapshotter) collect(ctx context.Context, now time.Time) (*Archive, error) {
	archive := &Archive{
		Metadata: Metadata{CreatedAt: now.UTC(), Version: archiveVersion},
		Config:   s.cfg,
		Alerts:   s.alerts.ExportState(),
	}

	// Far-future upper bound: a snapshot always captures everything.
	from := time.Unix(0, 0)
	to := now.Add(24 * time.Hour)

	for _, m := range s.cfg.Metrics {
		samples, err := s.store.QuerySamples(ctx, store.Range{
			Metric: m.Name, Tier: metric.TierRaw, From: from, To: to,
		})
		if err != nil {
			return nil, fmt.Errorf("read samples for %s: %w", m.Name, err)
		}
		archive.Samples = append(archive.Samples, samples...)

		for _, tier := range metric.AggregateTiers {
			aggs, err := s.store.QueryAggregates(ctx, store.Range{
				Metric: m.Name, Tier: tier, From: from, To: to,
			})
			if err != nil {
				return nil, fmt.Errorf("read %s aggregates for %s: %w", tier, m.Name, err)
			}
			archive.Aggregates = append(archive.Aggregates, aggs...)
		}
	}

	archive.Metadata.SampleCount = len(archive.Samples)
	archive.Metadata.AggregateCount = len(archive.Aggregates)
	archive.Metadata.AlertCount = len(archive.Alerts)
	return archive, nil
}

func (s *Snapshotter) writeAtomic(path string, archive *Archive) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	if err := json.NewEncoder(gz).Encode(archive); err != nil {
		tmp.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Snapshotter) writeManifest(path string, meta Metadata) error {
	sum, size, err := checksumFile(path)
	if err != nil {
		return err
	}
	manifest := Manifest{
		Snapshot:  filepath.Base(path),
		Kind:      meta.Kind,
		Checksum:  sum,
		SizeBytes: size,
		CreatedAt: meta.CreatedAt,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(manifestPath(path), data, 0o644)
}

// Verify checks the snapshot against its manifest checksum and confirms
// the payload decodes.
func (s *Snapshotter) Verify(path string) error {
	data, err := os.ReadFile(manifestPath(path))
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}

	sum, _, err := checksumFile(path)
	if err != nil {
		return err
	}
	if sum != manifest.Checksum {
		return fmt.Errorf("checksum mismatch: manifest %s, file %s", manifest.Checksum, sum)
	}

	_, err = readArchive(path)
	return err
}

// Restore wipes the store and reloads it from the snapshot. One retry
// covers transient store errors; a second failure is fatal and the
// caller must mark the pipeline failing.
func (s *Snapshotter) Restore(ctx context.Context, path string) error {
	if err := s.Verify(path); err != nil {
		return &RestoreError{Path: path, Err: err}
	}
	archive, err := readArchive(path)
	if err != nil {
		return &RestoreError{Path: path, Err: err}
	}

	err = s.load(ctx, archive)
	if err != nil {
		s.log.Warn("restore attempt failed, retrying once",
			zap.String("path", path), zap.Error(err))
		err = s.load(ctx, archive)
	}
	if err != nil {
		return &RestoreError{Path: path, Err: err}
	}

	s.alerts.ImportState(archive.Alerts)
	s.log.Info("restore complete",
		zap.String("path", path),
		zap.Int("samples", len(archive.Samples)),
		zap.Int("aggregates", len(archive.Aggregates)),
		zap.Int("alerts", len(archive.Alerts)))
	return nil
}

// load replaces all store contents with the archive's. Wipe then
// rewrite keeps load idempotent, so the retry can simply run it again.
func (s *Snapshotter) load(ctx context.Context, archive *Archive) error {
	wipeCutoff := time.Now().Add(100 * 365 * 24 * time.Hour)
	tiers := append([]metric.Tier{metric.TierRaw}, metric.AggregateTiers...)
	for _, tier := range tiers {
		if _, err := s.store.DeleteOlderThan(ctx, tier, wipeCutoff); err != nil {
			return fmt.Errorf("wipe %s: %w", tier, err)
		}
	}

	for i := 0; i < len(archive.Samples); i += restoreBatch {
		end := i + restoreBatch
		if end > len(archive.Samples) {
			end = len(archive.Samples)
		}
		if err := s.store.WriteSamples(ctx, archive.Samples[i:end]); err != nil {
			return fmt.Errorf("write samples: %w", err)
		}
	}
	for _, agg := range archive.Aggregates {
		if err := s.store.UpsertAggregate(ctx, agg); err != nil {
			return fmt.Errorf("write aggregate %s: %w", agg.Key(), err)
		}
	}
	return nil
}

// List returns available snapshots, newest first.
func (s *Snapshotter) List() ([]Info, error) {
	entries, err := os.ReadDir(s.cfg.Backup.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		info := Info{Name: name, SizeBytes: fi.Size(), CreatedAt: fi.ModTime().UTC()}
		if manifest, err := readManifest(filepath.Join(s.cfg.Backup.Dir, name)); err == nil {
			info.Kind = manifest.Kind
			info.CreatedAt = manifest.CreatedAt
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// Cleanup deletes snapshots older than the configured retention, along
// with their manifests.
func (s *Snapshotter) Cleanup(now time.Time) (int, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-s.cfg.Backup.Retention)

	removed := 0
	for _, info := range infos {
		if !info.CreatedAt.Before(cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.Backup.Dir, info.Name)
		if err := os.Remove(path); err != nil {
			s.log.Warn("snapshot cleanup failed", zap.String("path", path), zap.Error(err))
			continue
		}
		os.Remove(manifestPath(path))
		removed++
	}
	if removed > 0 {
		s.log.Info("old snapshots removed", zap.Int("count", removed))
	}
	return removed, nil
}

func manifestPath(snapshotPath string) string {
	return strings.TrimSuffix(snapshotPath, fileSuffix) + manifestSuffix
}

func readManifest(snapshotPath string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath(snapshotPath))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func readArchive(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	var archive Archive
	if err := json.NewDecoder(gz).Decode(&archive); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	return &archive, nil
}

func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := xxhash.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%016x", h.Sum64()), size, nil
}
