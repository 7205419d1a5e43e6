package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, r *Rule)
	}{
		{
			name:  "weekly with days",
			input: "FREQ=WEEKLY;BYDAY=MO,WE",
			check: func(t *testing.T, r *Rule) {
				assert.Equal(t, Weekly, r.Freq)
				assert.Equal(t, 1, r.Interval)
				assert.Equal(t, []Weekday{{Day: time.Monday}, {Day: time.Wednesday}}, r.ByDay)
				assert.Equal(t, Unbounded, r.Bound.Kind())
			},
		},
		{
			name:  "prefix, lower case and count",
			input: "RRULE:freq=daily;interval=2;count=5",
			check: func(t *testing.T, r *Rule) {
				assert.Equal(t, Daily, r.Freq)
				assert.Equal(t, 2, r.Interval)
				n, ok := r.Bound.Count()
				assert.True(t, ok)
				assert.Equal(t, 5, n)
			},
		},
		{
			name:  "until utc",
			input: "FREQ=MONTHLY;UNTIL=20240630T090000Z",
			check: func(t *testing.T, r *Rule) {
				u, ok := r.Bound.Until()
				require.True(t, ok)
				assert.Equal(t, time.Date(2024, 6, 30, 9, 0, 0, 0, time.UTC), u)
			},
		},
		{
			name:  "until date covers whole day",
			input: "FREQ=DAILY;UNTIL=20240105",
			check: func(t *testing.T, r *Rule) {
				d, ok := r.Bound.UntilDate()
				require.True(t, ok)
				assert.Equal(t, Date{Year: 2024, Month: time.January, Day: 5}, d)
				u, ok := r.Bound.Until()
				require.True(t, ok)
				assert.Equal(t, time.Date(2024, 1, 5, 23, 59, 59, 0, time.UTC), u)
				la, err := time.LoadLocation("America/Los_Angeles")
				require.NoError(t, err)
				u, ok = r.Bound.UntilIn(la)
				require.True(t, ok)
				assert.Equal(t, time.Date(2024, 1, 5, 23, 59, 59, 0, la), u)
			},
		},
		{
			name:  "ordinal weekday for monthly",
			input: "FREQ=MONTHLY;BYDAY=-1FR",
			check: func(t *testing.T, r *Rule) {
				assert.Equal(t, []Weekday{{Day: time.Friday, N: -1}}, r.ByDay)
			},
		},
		{
			name:  "trailing separator and wkst",
			input: "FREQ=YEARLY;BYMONTH=3;BYMONTHDAY=15;WKST=SU;",
			check: func(t *testing.T, r *Rule) {
				assert.Equal(t, []time.Month{time.March}, r.ByMonth)
				assert.Equal(t, []int{15}, r.ByMonthDay)
				assert.Equal(t, time.Sunday, r.WeekStart)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRule(tt.input)
			require.NoError(t, err)
			tt.check(t, r)
		})
	}
}

func TestParseRuleMalformed(t *testing.T) {
	tests := []struct {
		input string
		token string
	}{
		{"", ""},
		{"FREQ=HOURLY", "FREQ=HOURLY"},
		{"FREQ=DAILY;COUNT=3;UNTIL=20240101T000000Z", "UNTIL=20240101T000000Z"},
		{"FREQ=DAILY;INTERVAL=0", "INTERVAL=0"},
		{"FREQ=DAILY;COUNT=abc", "COUNT=abc"},
		{"FREQ=WEEKLY;BYDAY=MO,XX", "XX"},
		{"FREQ=WEEKLY;BYDAY=2MO", "BYDAY=2MO"},
		{"FREQ=DAILY;FREQ=WEEKLY", "FREQ=WEEKLY"},
		{"FREQ=DAILY;BYSETPOS=1", "BYSETPOS=1"},
		{"INTERVAL=2", "INTERVAL=2"},
		{"FREQ", "FREQ"},
		{"FREQ=DAILY;UNTIL=tomorrow", "UNTIL=tomorrow"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseRule(tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRule))

			var me *MalformedRuleError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, tt.token, me.Token)
		})
	}
}

func TestRuleStringRoundTrip(t *testing.T) {
	for _, in := range []string{
		"FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE;COUNT=10",
		"FREQ=MONTHLY;BYDAY=2TU;UNTIL=20250101T000000Z",
		"FREQ=DAILY;UNTIL=20250110",
		"FREQ=YEARLY;BYMONTHDAY=1;BYMONTH=1;WKST=SU",
		"FREQ=DAILY",
	} {
		r, err := ParseRule(in)
		require.NoError(t, err)
		assert.Equal(t, in, r.String())
	}
}
