package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"centinela/internal/model"
)

// newTestStore spins up a throwaway Postgres container, applies the
// embedded migrations, and returns a Store against it. Skipped in short
// mode since it needs a container runtime, matching the teacher's
// multi-node cluster test convention.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("centinela"),
		tcpostgres.WithUsername("centinela"),
		tcpostgres.WithPassword("centinela"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, Migrate(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `INSERT INTO tenants (id, name, default_locale) VALUES ('t1', 'Tenant One', 'en')`)
	require.NoError(t, err)

	return New(pool)
}

func TestStore_NormalizeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO raw_events (id, tenant_id, site_id, source_id, received_at, transport, raw_message)
		VALUES ('raw1', 't1', 'site1', 'src1', now(), 'udp', 'hello')`)
	require.NoError(t, err)

	unparsed, err := s.SelectUnparsed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unparsed, 1)
	require.Equal(t, "raw1", unparsed[0].ID)

	normalized := &model.NormalizedEvent{
		ID: "norm1", RawEventID: "raw1", TenantID: "t1", SiteID: "site1", SourceID: "src1",
		TS: time.Now(), EventType: "authentication_failure", Severity: model.SeverityMedium,
		Ports: []int{22}, KV: map[string]string{"srcip": "10.0.0.5"},
	}
	require.NoError(t, s.CompleteParse(ctx, "raw1", normalized, ""))

	unparsed, err = s.SelectUnparsed(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, unparsed)
}

func TestStore_DetectionBatchDispatchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	det := model.Detection{
		ID: "det1", TenantID: "t1", DetectionType: "vpn_bruteforce", Severity: model.SeverityHigh,
		GroupKey: "10.0.0.5", WindowMinutes: 10, EventCount: 6,
		FirstEventAt: time.Now().Add(-time.Hour), LastEventAt: time.Now(),
		Evidence:  model.DetectionEvidence{DistinctSrcIPs: []string{"10.0.0.5"}},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.UpsertDetection(ctx, det))

	open, err := s.OpenDetection(ctx, "t1", "vpn_bruteforce", "10.0.0.5")
	require.NoError(t, err)
	require.NotNil(t, open)
	require.Equal(t, 6, open.EventCount)
	require.Equal(t, []string{"10.0.0.5"}, open.Evidence.DistinctSrcIPs)

	tenants, err := s.TenantsWithOpenDetections(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, tenants)

	digest := model.Digest{
		ID: "dig1", TenantID: "t1", WindowStart: det.FirstEventAt, WindowEnd: det.LastEventAt,
		Severity: model.SeverityHigh, DetectionCount: 1, EventCount: 6,
		Subject: "alert", BodyText: "body", Locale: "en", CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateDigestAndCloseDetections(ctx, digest, []string{"det1"}))

	open, err = s.OpenDetection(ctx, "t1", "vpn_bruteforce", "10.0.0.5")
	require.NoError(t, err)
	require.Nil(t, open, "detection should be closed once batched into a digest")

	_, err = s.pool.Exec(ctx, `INSERT INTO alert_recipients (tenant_id, email) VALUES ('t1', 'ops@example.com')`)
	require.NoError(t, err)

	undelivered, err := s.UndeliveredDigests(ctx)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)

	recipients, err := s.RecipientsForTenant(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"ops@example.com"}, recipients)

	require.NoError(t, s.PutEmailDelivery(ctx, model.EmailDelivery{
		ID: "ed1", DigestID: "dig1", TenantID: "t1", Recipient: "ops@example.com",
		Status: model.DeliverySent,
	}))

	undelivered, err = s.UndeliveredDigests(ctx)
	require.NoError(t, err)
	require.Empty(t, undelivered)
}

func TestStore_ArchiveSelectsAndDeletesAgedRawEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-10 * 24 * time.Hour)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO raw_events (id, tenant_id, received_at, transport, raw_message)
		VALUES ('old1', 't1', $1, 'udp', 'hello')`, old)
	require.NoError(t, err)

	aged, err := s.OldRawEvents(ctx, time.Now().Add(-7*24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, aged, 1)

	require.NoError(t, s.DeleteRawEvents(ctx, []string{"old1"}))

	aged, err = s.OldRawEvents(ctx, time.Now().Add(-7*24*time.Hour), 100)
	require.NoError(t, err)
	require.Empty(t, aged)
}
