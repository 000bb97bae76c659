package normalize

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"centinela/internal/model"
)

func TestDeriveEventType(t *testing.T) {
	cases := []struct {
		name                   string
		typ, subtype, action   string
		want                   string
	}{
		{"mapped vpn login fail", "event", "vpn", "ssl-login-fail", "vpn_login_fail"},
		{"mapped ipsec login fail", "event", "vpn", "ipsec-login-fail", "vpn_login_fail"},
		{"mapped vpn login success", "event", "vpn", "ssl-login", "vpn_login_success"},
		{"mapped admin login fail", "event", "system", "admin-login-fail", "admin_login_fail"},
		{"mapped config change", "event", "system", "cfg-change", "config_change"},
		{"mapped traffic denied", "traffic", "forward", "deny", "traffic_denied"},
		{"mapped malware", "utm", "virus", "infected", "malware_detected"},
		{"unmapped falls back to type_subtype", "event", "webfilter", "block", "event_webfilter"},
		{"no type or subtype falls back to unknown", "", "", "", "unknown"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, DeriveEventType(c.typ, c.subtype, c.action))
		})
	}
}

func TestDeriveSeverity(t *testing.T) {
	cases := []struct {
		level string
		want  model.Severity
	}{
		{"emergency", model.SeverityCritical},
		{"alert", model.SeverityCritical},
		{"critical", model.SeverityCritical},
		{"error", model.SeverityHigh},
		{"warning", model.SeverityMedium},
		{"notice", model.SeverityLow},
		{"information", model.SeverityInfo},
		{"", model.SeverityInfo},
		{"WARNING", model.SeverityMedium},
	}

	for _, c := range cases {
		t.Run(c.level, func(t *testing.T) {
			require.Equal(t, c.want, DeriveSeverity(c.level))
		})
	}
}

func TestDeriveSrcIP(t *testing.T) {
	t.Run("parsed field wins", func(t *testing.T) {
		rec := ParsedRecord{SrcIP: "10.0.0.5", Message: "login from (10.0.0.9)"}
		require.Equal(t, "10.0.0.5", deriveSrcIP(rec, "192.168.1.1"))
	})

	t.Run("falls back to embedded IP in message", func(t *testing.T) {
		rec := ParsedRecord{Message: "SSL VPN login failed for user jdoe(10.0.0.9)"}
		require.Equal(t, "10.0.0.9", deriveSrcIP(rec, "192.168.1.1"))
	})

	t.Run("falls back to collector source IP", func(t *testing.T) {
		rec := ParsedRecord{Message: "no ip embedded here"}
		require.Equal(t, "192.168.1.1", deriveSrcIP(rec, "192.168.1.1"))
	})
}

// fakeStore is an in-memory Store used to exercise NormalizeBatch
// without a database.
type fakeStore struct {
	unparsed   []model.RawEvent
	completed  []completedCall
	selectErr  error
	completeErrOnID string
}

type completedCall struct {
	rawEventID string
	normalized *model.NormalizedEvent
	parseErr   string
}

func (s *fakeStore) SelectUnparsed(ctx context.Context, n int) ([]model.RawEvent, error) {
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	if n < len(s.unparsed) {
		return s.unparsed[:n], nil
	}
	return s.unparsed, nil
}

func (s *fakeStore) CompleteParse(ctx context.Context, rawEventID string, normalized *model.NormalizedEvent, parseErr string) error {
	if rawEventID == s.completeErrOnID {
		return fmt.Errorf("simulated store failure")
	}
	s.completed = append(s.completed, completedCall{rawEventID, normalized, parseErr})
	return nil
}

// fakeGeo is a GeoLookup stub.
type fakeGeo struct {
	country, city string
	ok            bool
}

func (g fakeGeo) Lookup(ip string) (string, string, bool) {
	return g.country, g.city, g.ok
}

func alwaysFailParser(raw string) (ParsedRecord, error) {
	return ParsedRecord{}, fmt.Errorf("cannot parse")
}

func TestNormalizeBatch_ProcessesAllEvents(t *testing.T) {
	store := &fakeStore{
		unparsed: []model.RawEvent{
			{ID: "raw-1", TenantID: "t1", SourceIP: "1.2.3.4", RawMessage: `type="event" subtype="vpn" action="ssl-login-fail" level="warning" srcip=10.0.0.5`, ReceivedAt: time.Now()},
			{ID: "raw-2", TenantID: "t1", SourceIP: "1.2.3.5", RawMessage: `type="traffic" subtype="forward" action="deny" level="notice"`, ReceivedAt: time.Now()},
		},
	}
	n := New(Config{Store: store, NewID: func() string { return "norm-id" }})

	processed, err := n.NormalizeBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 2, processed)
	require.Len(t, store.completed, 2)
	require.Equal(t, "raw-1", store.completed[0].rawEventID)
	require.NotNil(t, store.completed[0].normalized)
	require.Equal(t, "vpn_login_fail", store.completed[0].normalized.EventType)
	require.Equal(t, model.SeverityMedium, store.completed[0].normalized.Severity)
}

func TestNormalizeBatch_ParseErrorStillMarksProcessed(t *testing.T) {
	store := &fakeStore{
		unparsed: []model.RawEvent{
			{ID: "raw-bad", TenantID: "t1", SourceIP: "1.2.3.4", RawMessage: "garbage", ReceivedAt: time.Now()},
		},
	}
	n := New(Config{Store: store, Parser: alwaysFailParser})

	processed, err := n.NormalizeBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Len(t, store.completed, 1)
	require.Nil(t, store.completed[0].normalized)
	require.NotEmpty(t, store.completed[0].parseErr)
}

func TestNormalizeBatch_StoreErrorAbortsBatch(t *testing.T) {
	store := &fakeStore{
		unparsed: []model.RawEvent{
			{ID: "raw-1", TenantID: "t1", RawMessage: `type="event"`, ReceivedAt: time.Now()},
			{ID: "raw-2", TenantID: "t1", RawMessage: `type="event"`, ReceivedAt: time.Now()},
		},
		completeErrOnID: "raw-1",
	}
	n := New(Config{Store: store})

	processed, err := n.NormalizeBatch(context.Background(), 10)
	require.Error(t, err)
	require.Equal(t, 0, processed)
}

func TestNormalizeBatch_SelectErrorReturnsImmediately(t *testing.T) {
	store := &fakeStore{selectErr: fmt.Errorf("db down")}
	n := New(Config{Store: store})

	processed, err := n.NormalizeBatch(context.Background(), 10)
	require.Error(t, err)
	require.Equal(t, 0, processed)
}

func TestNormalizeBatch_EnrichesWithGeoIP(t *testing.T) {
	store := &fakeStore{
		unparsed: []model.RawEvent{
			{ID: "raw-1", TenantID: "t1", SourceIP: "8.8.8.8", RawMessage: `type="event" srcip=8.8.8.8`, ReceivedAt: time.Now()},
		},
	}
	n := New(Config{Store: store, Geo: fakeGeo{country: "United States", city: "Mountain View", ok: true}})

	_, err := n.NormalizeBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, "United States", store.completed[0].normalized.KV["geo_country"])
	require.Equal(t, "Mountain View", store.completed[0].normalized.KV["geo_city"])
}

func TestNormalizeBatch_FallsBackToReceivedAtWhenNoTimestamp(t *testing.T) {
	receivedAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{
		unparsed: []model.RawEvent{
			{ID: "raw-1", TenantID: "t1", RawMessage: `type="event" level="notice"`, ReceivedAt: receivedAt},
		},
	}
	n := New(Config{Store: store})

	_, err := n.NormalizeBatch(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, store.completed[0].normalized.TS.Equal(receivedAt))
}
