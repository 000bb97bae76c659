package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultParser_QuotedAndBareFields(t *testing.T) {
	raw := `date=2024-01-15 time=10:30:45 tz="-0800" devname="fw01" type="event" subtype="vpn" action="ssl-login-fail" level="warning" srcip=10.0.0.5 srcport=51820 dstport=443 srcuser="jdoe" msg="SSL VPN login failed for user jdoe(10.0.0.5)"`

	rec, err := DefaultParser(raw)
	require.NoError(t, err)

	require.Equal(t, "event", rec.Type)
	require.Equal(t, "vpn", rec.Subtype)
	require.Equal(t, "ssl-login-fail", rec.Action)
	require.Equal(t, "warning", rec.Level)
	require.Equal(t, "10.0.0.5", rec.SrcIP)
	require.Equal(t, "jdoe", rec.SrcUser)
	require.Equal(t, "SSL VPN login failed for user jdoe(10.0.0.5)", rec.Message)
	require.Equal(t, []int{51820, 443}, rec.Ports)
	require.True(t, rec.HasTS)

	want, err := time.Parse("2006-01-02 15:04:05 -0700", "2024-01-15 10:30:45 -0800")
	require.NoError(t, err)
	require.True(t, rec.TS.Equal(want))
}

func TestDefaultParser_DefaultsVendorAndProduct(t *testing.T) {
	rec, err := DefaultParser(`type="event" subtype="system"`)
	require.NoError(t, err)
	require.Equal(t, "fortinet", rec.Vendor)
	require.Equal(t, "fortigate", rec.Product)
}

func TestDefaultParser_DevnameBecomesProductWhenPresent(t *testing.T) {
	rec, err := DefaultParser(`devname="edge-fw-01" type="event"`)
	require.NoError(t, err)
	require.Equal(t, "edge-fw-01", rec.Product)
}

func TestDefaultParser_FallsBackToExtractTimestampWithoutDateTime(t *testing.T) {
	rec, err := DefaultParser(`2024-06-01T12:00:00Z type="event" msg="no date/time fields here"`)
	require.NoError(t, err)
	require.True(t, rec.HasTS)

	want, err := time.Parse(time.RFC3339, "2024-06-01T12:00:00Z")
	require.NoError(t, err)
	require.True(t, rec.TS.Equal(want))
}

func TestDefaultParser_NoTimestampAnywhereLeavesHasTSFalse(t *testing.T) {
	rec, err := DefaultParser(`type="event" msg="nothing dateish"`)
	require.NoError(t, err)
	require.False(t, rec.HasTS)
}

func TestParseKV_HandlesQuotedSpacesAndBareTokens(t *testing.T) {
	kv := parseKV(`a=1 b="two words" c=3`)
	require.Equal(t, "1", kv["a"])
	require.Equal(t, "two words", kv["b"])
	require.Equal(t, "3", kv["c"])
}

func TestParseKV_SkipsTokensWithoutEquals(t *testing.T) {
	kv := parseKV(`noise a=1 alsonoise b=2`)
	require.Equal(t, "1", kv["a"])
	require.Equal(t, "2", kv["b"])
	require.Len(t, kv, 2)
}

func TestParseIntField(t *testing.T) {
	n, ok := parseIntField("443")
	require.True(t, ok)
	require.Equal(t, 443, n)

	_, ok = parseIntField("")
	require.False(t, ok)

	_, ok = parseIntField("not-a-number")
	require.False(t, ok)
}

func TestParseDateTimeTZ(t *testing.T) {
	t.Run("with timezone", func(t *testing.T) {
		ts, ok := parseDateTimeTZ("2024-01-15", "10:30:45", "-0800")
		require.True(t, ok)
		want, err := time.Parse("2006-01-02 15:04:05 -0700", "2024-01-15 10:30:45 -0800")
		require.NoError(t, err)
		require.True(t, ts.Equal(want))
	})

	t.Run("without timezone", func(t *testing.T) {
		ts, ok := parseDateTimeTZ("2024-01-15", "10:30:45", "")
		require.True(t, ok)
		want, err := time.Parse("2006-01-02 15:04:05", "2024-01-15 10:30:45")
		require.NoError(t, err)
		require.True(t, ts.Equal(want))
	})

	t.Run("missing date or time", func(t *testing.T) {
		_, ok := parseDateTimeTZ("", "10:30:45", "")
		require.False(t, ok)
		_, ok = parseDateTimeTZ("2024-01-15", "", "")
		require.False(t, ok)
	})
}

func TestFirstNonEmpty(t *testing.T) {
	require.Equal(t, "b", firstNonEmpty("", "b", "c"))
	require.Equal(t, "", firstNonEmpty("", ""))
}
