package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenda/internal/model"
	"agenda/internal/recurrence"
	"agenda/internal/reminder"
)

func intPtr(n int) *int { return &n }

func TestCandidateEvent(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	c := Candidate{
		Title:           "  Dentist ",
		Date:            "2024-03-10",
		Time:            "15:30",
		DurationMinutes: intPtr(30),
		Location:        "Main St",
		RRule:           "FREQ=MONTHLY;COUNT=3",
		Notify:          "hour,now",
		ExDates:         []string{"2024-04-10"},
	}
	ev, err := c.Event(berlin)
	require.NoError(t, err)
	assert.Equal(t, "Dentist", ev.Title)
	assert.Equal(t, time.Date(2024, 3, 10, 15, 30, 0, 0, berlin), ev.Start)
	assert.Equal(t, 30*time.Minute, ev.Duration)
	assert.False(t, ev.AllDay)
	assert.Equal(t, "FREQ=MONTHLY;COUNT=3", ev.Rule.String())
	assert.Equal(t, []reminder.Threshold{reminder.Hour, reminder.Now}, ev.Notify.Thresholds())
	assert.Equal(t, []recurrence.Date{{Year: 2024, Month: time.April, Day: 10}}, ev.Exclusions)
}

func TestCandidateDefaults(t *testing.T) {
	ev, err := Candidate{Title: "Call", Date: "2024-03-10", Time: "09:00"}.Event(nil)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ev.Duration)
	assert.True(t, ev.Notify.IsDefault())
	assert.Nil(t, ev.Rule)

	ev, err = Candidate{Title: "Holiday", Date: "2024-05-01"}.Event(time.UTC)
	require.NoError(t, err)
	assert.True(t, ev.AllDay)
	assert.Equal(t, 24*time.Hour, ev.Duration)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), ev.Start)

	ev, err = Candidate{Title: "Offsite", Date: "2024-05-02", Time: "10:00", AllDay: true}.Event(time.UTC)
	require.NoError(t, err)
	assert.True(t, ev.AllDay)
	assert.Zero(t, ev.Start.Hour())
}

func TestCandidateLongTitleTruncated(t *testing.T) {
	ev, err := Candidate{Title: strings.Repeat("a", 200), Date: "2024-01-01"}.Event(time.UTC)
	require.NoError(t, err)
	assert.Len(t, ev.Title, model.MaxTitleLen)
}

func TestCandidateErrors(t *testing.T) {
	tests := []struct {
		name string
		c    Candidate
		want []string
	}{
		{"missing title", Candidate{Date: "2024-01-01"}, []string{"title missing"}},
		{"bad date", Candidate{Title: "x", Date: "01/02/2024"}, []string{"date invalid"}},
		{"bad time format", Candidate{Title: "x", Date: "2024-01-01", Time: "9am"}, []string{"time invalid format"}},
		{"time out of range", Candidate{Title: "x", Date: "2024-01-01", Time: "25:00"}, []string{"time out of range"}},
		{"zero duration", Candidate{Title: "x", Date: "2024-01-01", DurationMinutes: intPtr(0)}, []string{"duration_minutes"}},
		{"bad notify", Candidate{Title: "x", Date: "2024-01-01", Notify: "daily"}, []string{"notify invalid"}},
		{"bad exdate", Candidate{Title: "x", Date: "2024-01-01", ExDates: []string{"soon"}}, []string{"exdate invalid"}},
		{"several", Candidate{Date: "nope", Time: "99:99"}, []string{"title missing", "date invalid", "time out of range"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.c.Event(time.UTC)
			require.Error(t, err)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}

	_, err := Candidate{Title: "x", Date: "2024-01-01", RRule: "FREQ=DAILY;COUNT=2;UNTIL=20240105"}.Event(time.UTC)
	assert.ErrorIs(t, err, recurrence.ErrMalformedRule)

	_, err = Candidate{Title: "x", Date: "2024-01-01", Notify: "hour,fortnight"}.Event(time.UTC)
	assert.ErrorIs(t, err, reminder.ErrUnknownThreshold)
}

func TestExtractJSON(t *testing.T) {
	fenced := "Sure!\n```json\n{\"title\": \"Lunch\", \"date\": \"2024-06-01\"}\n```\nanything else?"
	data, err := ExtractJSON(fenced)
	require.NoError(t, err)
	c, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "Lunch", c.Title)

	data, err = ExtractJSON(`here: {"title": "Gym", "duration_minutes": 45} done`)
	require.NoError(t, err)
	c, err = Decode(data)
	require.NoError(t, err)
	require.NotNil(t, c.DurationMinutes)
	assert.Equal(t, 45, *c.DurationMinutes)

	_, err = ExtractJSON("no json here")
	assert.ErrorIs(t, err, ErrNoJSON)
	_, err = ExtractJSON("{broken")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestCandidateAllDayAcrossDST(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	ev, err := Candidate{Title: "Clocks change", Date: "2024-03-31"}.Event(berlin)
	require.NoError(t, err)
	assert.Equal(t, 23*time.Hour, ev.Duration)
	assert.True(t, time.Date(2024, 4, 1, 0, 0, 0, 0, berlin).Equal(ev.End()))

	ev, err = Candidate{Title: "Clocks change back", Date: "2024-10-27"}.Event(berlin)
	require.NoError(t, err)
	assert.Equal(t, 25*time.Hour, ev.Duration)
	assert.True(t, time.Date(2024, 10, 28, 0, 0, 0, 0, berlin).Equal(ev.End()))
}
