package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/terminusa/monitor/pkg/alert"
	"github.com/terminusa/monitor/pkg/config"
	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/store"
	"github.com/terminusa/monitor/pkg/store/memory"
)

type stubAlerts struct {
	alerts []alert.Alert
}

func (s *stubAlerts) ExportState() []alert.Alert { return s.alerts }

func (s *stubAlerts) ImportState(alerts []alert.Alert) { s.alerts = alerts }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Backup: config.Backup{
			Dir:       t.TempDir(),
			Retention: 30 * 24 * time.Hour,
		},
		Metrics: []config.Metric{
			{Name: "cpu", Class: metric.ClassSystem, Unit: "percent"},
		},
	}
}

func seed(t *testing.T, st store.Store, base time.Time) {
	t.Helper()
	ctx := context.Background()
	err := st.WriteSamples(ctx, []metric.Sample{
		{Metric: "cpu", Timestamp: base, Value: 10},
		{Metric: "cpu", Timestamp: base.Add(time.Minute), Value: 20},
	})
	if err != nil {
		t.Fatalf("seed samples: %v", err)
	}
	err = st.UpsertAggregate(ctx, metric.Aggregate{
		Metric: "cpu", Window: metric.Tier5Min, WindowStart: base.Truncate(5 * time.Minute),
		Sum: 30, Count: 2, Min: 10, Max: 20,
	})
	if err != nil {
		t.Fatalf("seed aggregate: %v", err)
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	cfg := testConfig(t)
	st := memory.New()
	alerts := &stubAlerts{alerts: []alert.Alert{{
		ID: "a1", Metric: "cpu", Level: metric.LevelCritical, Active: true,
		OpenedAt: time.Date(2025, 3, 17, 11, 0, 0, 0, time.UTC),
	}}}
	s := New(st, alerts, cfg, zap.NewNop())

	base := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	seed(t, st, base)

	path, err := s.Snapshot(context.Background(), base.Add(time.Hour), KindScheduled)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := s.Verify(path); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// Restore into a fresh store and alert state.
	st2 := memory.New()
	alerts2 := &stubAlerts{}
	s2 := New(st2, alerts2, cfg, zap.NewNop())
	if err := s2.Restore(context.Background(), path); err != nil {
		t.Fatalf("restore: %v", err)
	}

	ctx := context.Background()
	samples, err := st2.QuerySamples(ctx, store.Range{
		Metric: "cpu", From: base.Add(-time.Hour), To: base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("query samples: %v", err)
	}
	if len(samples) != 2 || samples[0].Value != 10 || samples[1].Value != 20 {
		t.Errorf("samples lost in round trip: %+v", samples)
	}

	aggs, err := st2.QueryAggregates(ctx, store.Range{
		Metric: "cpu", Tier: metric.Tier5Min,
		From: base.Add(-time.Hour), To: base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("query aggregates: %v", err)
	}
	if len(aggs) != 1 || aggs[0].Sum != 30 || aggs[0].Count != 2 {
		t.Errorf("aggregates lost in round trip: %+v", aggs)
	}

	if len(alerts2.alerts) != 1 || alerts2.alerts[0].ID != "a1" {
		t.Errorf("alert state lost in round trip: %+v", alerts2.alerts)
	}
}

func TestRestore_ReplacesExistingData(t *testing.T) {
	cfg := testConfig(t)
	st := memory.New()
	s := New(st, &stubAlerts{}, cfg, zap.NewNop())

	base := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	seed(t, st, base)
	path, err := s.Snapshot(context.Background(), base.Add(time.Hour), KindPreUpgrade)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Data written after the snapshot must be gone after restore.
	err = st.WriteSamples(context.Background(), []metric.Sample{
		{Metric: "cpu", Timestamp: base.Add(2 * time.Hour), Value: 999},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.Restore(context.Background(), path); err != nil {
		t.Fatalf("restore: %v", err)
	}
	samples, err := st.QuerySamples(context.Background(), store.Range{
		Metric: "cpu", From: base.Add(-time.Hour), To: base.Add(3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(samples) != 2 {
		t.Errorf("restore kept stale data: %+v", samples)
	}
}

func TestVerify_DetectsCorruption(t *testing.T) {
	cfg := testConfig(t)
	st := memory.New()
	s := New(st, &stubAlerts{}, cfg, zap.NewNop())

	base := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	seed(t, st, base)
	path, err := s.Snapshot(context.Background(), base, KindScheduled)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Flip one byte in the middle of the artifact.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.Verify(path); err == nil {
		t.Error("verify accepted a corrupted snapshot")
	}

	var restoreErr *RestoreError
	err = s.Restore(context.Background(), path)
	if !errors.As(err, &restoreErr) {
		t.Errorf("restore error = %v, want *RestoreError", err)
	}
}

func TestSnapshot_KindRecorded(t *testing.T) {
	cfg := testConfig(t)
	st := memory.New()
	s := New(st, &stubAlerts{}, cfg, zap.NewNop())

	base := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	seed(t, st, base)

	path, err := s.Snapshot(context.Background(), base, KindPreUninstall)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !strings.Contains(filepath.Base(path), string(KindPreUninstall)) {
		t.Errorf("artifact name %s does not carry the kind", path)
	}

	manifest, err := readManifest(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if manifest.Kind != KindPreUninstall {
		t.Errorf("manifest kind = %q, want %q", manifest.Kind, KindPreUninstall)
	}

	infos, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].Kind != KindPreUninstall {
		t.Errorf("listed kind = %+v, want %q", infos, KindPreUninstall)
	}

	archive, err := readArchive(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if archive.Metadata.Kind != KindPreUninstall {
		t.Errorf("archive kind = %q, want %q", archive.Metadata.Kind, KindPreUninstall)
	}

	var snapErr *SnapshotError
	if _, err := s.Snapshot(context.Background(), base, Kind("bogus")); !errors.As(err, &snapErr) {
		t.Errorf("unknown kind error = %v, want *SnapshotError", err)
	}
}

func TestCleanup_RemovesExpiredSnapshots(t *testing.T) {
	cfg := testConfig(t)
	st := memory.New()
	s := New(st, &stubAlerts{}, cfg, zap.NewNop())

	base := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	seed(t, st, base)

	// One snapshot well past retention, one fresh.
	old, err := s.Snapshot(context.Background(), base.Add(-40*24*time.Hour), KindScheduled)
	if err != nil {
		t.Fatalf("old snapshot: %v", err)
	}
	fresh, err := s.Snapshot(context.Background(), base, KindScheduled)
	if err != nil {
		t.Fatalf("fresh snapshot: %v", err)
	}

	removed, err := s.Cleanup(base)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired snapshot still on disk")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh snapshot missing: %v", err)
	}

	infos, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 {
		t.Errorf("snapshots after cleanup = %d, want 1", len(infos))
	}
}
