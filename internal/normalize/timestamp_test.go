package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractTimestamp_RFC3339(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"UTC with Z", "2024-01-15T10:30:45Z some log message", "2024-01-15T10:30:45Z"},
		{"with offset", "2024-01-15T10:30:45+01:00 some log message", "2024-01-15T10:30:45+01:00"},
		{"with fractional seconds", "2024-01-15T10:30:45.123456Z msg", "2024-01-15T10:30:45.123456Z"},
		{"mid-line", "level=INFO ts=2024-06-01T12:00:00Z msg=ok", "2024-06-01T12:00:00Z"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ts, ok := ExtractTimestamp([]byte(c.raw))
			require.True(t, ok)
			want, err := time.Parse(time.RFC3339Nano, c.want)
			require.NoError(t, err)
			require.True(t, ts.Equal(want), "got %v, want %v", ts, want)
		})
	}
}

func TestExtractTimestamp_AppleUnified(t *testing.T) {
	ts, ok := ExtractTimestamp([]byte("2024-01-15 10:30:45.123456-0800 localhost syslogd[1]: message"))
	require.True(t, ok)
	want, err := time.Parse(time.RFC3339Nano, "2024-01-15T10:30:45.123456-08:00")
	require.NoError(t, err)
	require.True(t, ts.Equal(want))
}

func TestExtractTimestamp_CommonLogFormat(t *testing.T) {
	ts, ok := ExtractTimestamp([]byte(`127.0.0.1 - - [10/Oct/2023:13:55:36 -0700] "GET / HTTP/1.1" 200 2326`))
	require.True(t, ok)
	want, err := time.Parse("02/Jan/2006:15:04:05 -0700", "10/Oct/2023:13:55:36 -0700")
	require.NoError(t, err)
	require.True(t, ts.Equal(want))
}

func TestExtractTimestamp_GoRubyStyle(t *testing.T) {
	ts, ok := ExtractTimestamp([]byte("2024/01/15 10:30:45 worker started"))
	require.True(t, ok)
	want, err := time.Parse("2006/01/02 15:04:05", "2024/01/15 10:30:45")
	require.NoError(t, err)
	require.True(t, ts.Equal(want))
}

func TestExtractTimestamp_CtimeWithYear(t *testing.T) {
	ts, ok := ExtractTimestamp([]byte("Fri Feb 13 17:49:50 2026 server starting"))
	require.True(t, ok)
	want, err := time.Parse("Jan 02 15:04:05 2006", "Feb 13 17:49:50 2026")
	require.NoError(t, err)
	require.True(t, ts.Equal(want))
}

func TestExtractTimestamp_SyslogBSDInfersYearWithRollback(t *testing.T) {
	now := time.Now()
	future := now.AddDate(0, 0, 2)
	raw := future.Format("Jan _2 15:04:05") + " router01 kernel: interface up"

	ts, ok := ExtractTimestamp([]byte(raw))
	require.True(t, ok)
	require.True(t, ts.Before(now.Add(24*time.Hour)), "a date 2 days in the future should roll back a year")
}

func TestExtractTimestamp_NoMatchReturnsZero(t *testing.T) {
	ts, ok := ExtractTimestamp([]byte("no timestamp in here at all"))
	require.False(t, ok)
	require.True(t, ts.IsZero())
}

func TestExtractTimestamp_EarliestMatchWins(t *testing.T) {
	// The RFC3339 timestamp appears before the CLF-style bracket, so it
	// should win even though both are present.
	raw := "2024-01-15T10:30:45Z wrapped [10/Oct/2023:13:55:36 -0700] tail"
	ts, ok := ExtractTimestamp([]byte(raw))
	require.True(t, ok)
	want, err := time.Parse(time.RFC3339Nano, "2024-01-15T10:30:45Z")
	require.NoError(t, err)
	require.True(t, ts.Equal(want))
}
