package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenda/internal/recurrence"
)

func crlf(s string) string {
	return strings.ReplaceAll(strings.TrimLeft(s, "\n"), "\n", "\r\n")
}

var sampleICS = crlf(`
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//agenda//test//EN
BEGIN:VEVENT
UID:weekly@test
DTSTAMP:20240101T000000Z
SUMMARY:Team sync
LOCATION:Room 1
DTSTART;TZID=Europe/Berlin:20240108T100000
DTEND;TZID=Europe/Berlin:20240108T103000
RRULE:FREQ=WEEKLY;BYDAY=MO
EXDATE;TZID=Europe/Berlin:20240115T100000
END:VEVENT
BEGIN:VEVENT
UID:weekly@test
DTSTAMP:20240101T000000Z
RECURRENCE-ID;TZID=Europe/Berlin:20240122T100000
SUMMARY:Team sync (moved)
DTSTART;TZID=Europe/Berlin:20240123T140000
DURATION:PT45M
END:VEVENT
BEGIN:VEVENT
UID:holiday@test
DTSTAMP:20240101T000000Z
SUMMARY:Holiday
DTSTART;VALUE=DATE:20240501
END:VEVENT
BEGIN:VEVENT
UID:broken@test
DTSTAMP:20240101T000000Z
SUMMARY:Broken
DTSTART:20240101T090000Z
RRULE:FREQ=HOURLY
END:VEVENT
BEGIN:VEVENT
UID:plain@test
DTSTAMP:20240101T000000Z
DTSTART:20240301T120000Z
END:VEVENT
END:VCALENDAR
`)

func TestParse(t *testing.T) {
	events, err := Parse(strings.NewReader(sampleICS), time.UTC)
	require.NoError(t, err)
	require.Len(t, events, 4)

	weekly := events[0]
	assert.Equal(t, "Team sync", weekly.Title)
	assert.Equal(t, "Room 1", weekly.Location)
	assert.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), weekly.Start)
	assert.Equal(t, 30*time.Minute, weekly.Duration)
	require.NotNil(t, weekly.Rule)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", weekly.Rule.String())
	assert.Equal(t, []recurrence.Date{
		{Year: 2024, Month: time.January, Day: 15},
		{Year: 2024, Month: time.January, Day: 22},
	}, weekly.Exclusions)

	moved := events[1]
	assert.Equal(t, "Team sync (moved)", moved.Title)
	assert.Equal(t, time.Date(2024, 1, 23, 13, 0, 0, 0, time.UTC), moved.Start)
	assert.Equal(t, 45*time.Minute, moved.Duration)
	assert.Nil(t, moved.Rule)

	holiday := events[2]
	assert.True(t, holiday.AllDay)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), holiday.Start)
	assert.Equal(t, 24*time.Hour, holiday.Duration)

	plain := events[3]
	assert.Equal(t, defaultTitle, plain.Title)
	assert.Equal(t, time.Hour, plain.Duration)
}

func TestParseReferenceZone(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	events, err := Parse(strings.NewReader(sampleICS), tokyo)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, tokyo, events[0].Start.Location())
	// all-day dates are midnight in the reference zone
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, tokyo), events[2].Start)
}

func TestParseAllDayAcrossDST(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	body := crlf(`
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//agenda//test//EN
BEGIN:VEVENT
UID:dst@test
SUMMARY:Clocks change
DTSTART;VALUE=DATE:20241027
END:VEVENT
END:VCALENDAR
`)

	events, err := Parse(strings.NewReader(body), berlin)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].AllDay)
	assert.Equal(t, 25*time.Hour, events[0].Duration)
	assert.True(t, time.Date(2024, 10, 28, 0, 0, 0, 0, berlin).Equal(events[0].End()))
}

func TestParseInvalidCalendar(t *testing.T) {
	_, err := Parse(strings.NewReader("not a calendar"), time.UTC)
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"PT1H30M", 90 * time.Minute, true},
		{"P1D", 24 * time.Hour, true},
		{"P2W", 14 * 24 * time.Hour, true},
		{"P1DT2H", 26 * time.Hour, true},
		{"-PT15M", -15 * time.Minute, true},
		{"PT45S", 45 * time.Second, true},
		{"1H", 0, false},
		{"PT5", 0, false},
		{"P1H", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://cal.example.com/...(redacted)", redactURL("https://cal.example.com/private/abc.ics?token=secret"))
	assert.Equal(t, "ics://...(redacted)", redactURL("no-scheme"))
}

func TestFetchUsesCache(t *testing.T) {
	var hits, status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if s := int(status.Load()); s != http.StatusOK {
			w.WriteHeader(s)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	ctx := context.Background()

	body, cached, err := f.Fetch(ctx, srv.URL+"/cal.ics")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, sampleICS, string(body))

	body, cached, err = f.Fetch(ctx, srv.URL+"/cal.ics")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, sampleICS, string(body))

	status.Store(http.StatusInternalServerError)
	body, cached, err = f.Fetch(ctx, srv.URL+"/cal.ics")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.NotEmpty(t, body)
	assert.EqualValues(t, 3, hits.Load())

	_, _, err = NewFetcher("").Fetch(ctx, srv.URL+"/cal.ics")
	assert.Error(t, err)
}

func TestImportFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.ics")
	require.NoError(t, os.WriteFile(path, []byte(sampleICS), 0o600))

	events, err := NewFetcher("").Import(context.Background(), path, time.UTC)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	_, err = NewFetcher("").Import(context.Background(), filepath.Join(t.TempDir(), "missing.ics"), time.UTC)
	assert.Error(t, err)
}
