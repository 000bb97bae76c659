package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"centinela/internal/model"
	"centinela/internal/notify"
)

type fakeStore struct {
	openByTenant map[string][]model.Detection
	locales      map[string]string
	digests      []model.Digest
	closedIDs    [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{openByTenant: map[string][]model.Detection{}, locales: map[string]string{}}
}

func (s *fakeStore) TenantsWithOpenDetections(ctx context.Context) ([]string, error) {
	var out []string
	for tenantID, dets := range s.openByTenant {
		if len(dets) > 0 {
			out = append(out, tenantID)
		}
	}
	return out, nil
}

func (s *fakeStore) OpenDetectionsForTenant(ctx context.Context, tenantID string) ([]model.Detection, error) {
	return s.openByTenant[tenantID], nil
}

func (s *fakeStore) CreateDigestAndCloseDetections(ctx context.Context, digest model.Digest, detectionIDs []string) error {
	s.digests = append(s.digests, digest)
	s.closedIDs = append(s.closedIDs, detectionIDs)
	delete(s.openByTenant, digest.TenantID)
	return nil
}

func (s *fakeStore) TenantLocale(ctx context.Context, tenantID string) (string, error) {
	if l, ok := s.locales[tenantID]; ok {
		return l, nil
	}
	return "en", nil
}

func TestRunTick_CreatesOneDigestPerTenantWithOpenDetections(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.openByTenant["t1"] = []model.Detection{
		{ID: "d1", TenantID: "t1", DetectionType: "vpn_bruteforce", Severity: model.SeverityHigh, EventCount: 4, FirstEventAt: now.Add(-time.Hour), LastEventAt: now},
		{ID: "d2", TenantID: "t1", DetectionType: "config_change_burst", Severity: model.SeverityMedium, EventCount: 12, FirstEventAt: now.Add(-2 * time.Hour), LastEventAt: now.Add(-30 * time.Minute)},
	}

	b := New(Config{Store: store, NewID: func() string { return "digest-1" }, Now: func() time.Time { return now }})

	created, err := b.RunTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)
	require.Len(t, store.digests, 1)

	digest := store.digests[0]
	require.Equal(t, "t1", digest.TenantID)
	require.Equal(t, 2, digest.DetectionCount)
	require.Equal(t, 16, digest.EventCount)
	require.Equal(t, model.SeverityHigh, digest.Severity, "max severity across detections")
	require.True(t, digest.WindowStart.Equal(now.Add(-2*time.Hour)))
	require.True(t, digest.WindowEnd.Equal(now))
	require.NotEmpty(t, digest.Subject)
	require.NotEmpty(t, digest.BodyText)

	require.ElementsMatch(t, []string{"d1", "d2"}, store.closedIDs[0])
}

func TestRunTick_TenantsWithNoOpenDetectionsAreSkipped(t *testing.T) {
	store := newFakeStore()
	b := New(Config{Store: store})

	created, err := b.RunTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, created)
	require.Empty(t, store.digests)
}

func TestRunTick_NotifiesSignalOnlyWhenDigestsCreated(t *testing.T) {
	store := newFakeStore()
	signal := notify.NewSignal()
	waiter := signal.C()

	b := New(Config{Store: store, Signal: signal})
	_, err := b.RunTick(context.Background())
	require.NoError(t, err)

	select {
	case <-waiter:
		t.Fatal("signal should not fire when no digest was created")
	default:
	}

	store.openByTenant["t1"] = []model.Detection{{ID: "d1", TenantID: "t1", Severity: model.SeverityLow}}
	_, err = b.RunTick(context.Background())
	require.NoError(t, err)

	select {
	case <-waiter:
	default:
		t.Fatal("signal should fire once a digest was created")
	}
}

func TestSortDetections_OrdersBySeverityThenRecency(t *testing.T) {
	now := time.Now()
	detections := []model.Detection{
		{ID: "low-recent", Severity: model.SeverityLow, LastEventAt: now},
		{ID: "critical-old", Severity: model.SeverityCritical, LastEventAt: now.Add(-time.Hour)},
		{ID: "high-recent", Severity: model.SeverityHigh, LastEventAt: now},
		{ID: "high-old", Severity: model.SeverityHigh, LastEventAt: now.Add(-time.Minute)},
	}

	sortDetections(detections)

	require.Equal(t, "critical-old", detections[0].ID)
	require.Equal(t, "high-recent", detections[1].ID)
	require.Equal(t, "high-old", detections[2].ID)
	require.Equal(t, "low-recent", detections[3].ID)
}

func TestDefaultRenderer_RendersNonEmptySubjectAndBodies(t *testing.T) {
	digest := model.Digest{DetectionCount: 2, Severity: model.SeverityHigh}
	detections := []model.Detection{
		{DetectionType: "vpn_bruteforce", Severity: model.SeverityHigh, GroupKey: "10.0.0.5", EventCount: 4},
	}

	r := DefaultRenderer{}
	subject, bodyText, bodyHTML := r.Render("en", digest, detections)
	require.Contains(t, subject, "2")
	require.Contains(t, bodyText, "vpn_bruteforce")
	require.Contains(t, bodyHTML, "<li>")
}

func TestDefaultRenderer_SpanishLocale(t *testing.T) {
	digest := model.Digest{DetectionCount: 1, Severity: model.SeverityCritical}
	r := DefaultRenderer{}
	subject, _, _ := r.Render("es", digest, nil)
	require.Contains(t, subject, "critical")
}
