package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := "timezone: UTC\n" +
		"data_dir: " + filepath.Join(dir, "data") + "\n" +
		"cache_dir: " + filepath.Join(dir, "cache") + "\n" +
		"notifier: log\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	return path
}

func runCmd(t *testing.T, cfg, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), append([]string{"-config", cfg}, args...), strings.NewReader(stdin), &out)
	return out.String(), err
}

var addedID = regexp.MustCompile(`Added event (\S+):`)

func TestAddListDelete(t *testing.T) {
	cfg := testConfig(t)
	day := time.Now().UTC().AddDate(0, 0, 2).Format("2006-01-02")

	out, err := runCmd(t, cfg, "", "add", "-title", "Dentist", "-date", day, "-time", "10:30", "-duration", "45", "-notify", "hour,now")
	require.NoError(t, err)
	m := addedID.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	id := m[1]
	assert.Contains(t, out, "notify=hour,now")

	out, err = runCmd(t, cfg, "", "list", "-days", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "["+id+"] Dentist :: ")

	out, err = runCmd(t, cfg, "", "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted event "+id)

	out, err = runCmd(t, cfg, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No upcoming events.")

	_, err = runCmd(t, cfg, "", "delete", id)
	assert.Error(t, err)
}

func TestEditReplacesEvent(t *testing.T) {
	cfg := testConfig(t)
	day := time.Now().UTC().AddDate(0, 0, 2).Format("2006-01-02")

	out, err := runCmd(t, cfg, "", "add", "-title", "Dentist", "-date", day, "-time", "10:30")
	require.NoError(t, err)
	m := addedID.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	id := m[1]

	out, err = runCmd(t, cfg, "", "edit", id, "-title", "Orthodontist", "-date", day, "-time", "11:00", "-notify", "never")
	require.NoError(t, err)
	assert.Contains(t, out, "Updated event "+id+": Orthodontist (notify=never)")

	out, err = runCmd(t, cfg, "", "list", "-days", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "["+id+"] Orthodontist :: ")
	assert.NotContains(t, out, "Dentist")

	_, err = runCmd(t, cfg, "", "edit", "no-such-id", "-title", "x", "-date", day)
	assert.Error(t, err)
	_, err = runCmd(t, cfg, "", "edit", "-title", "x")
	assert.ErrorIs(t, err, errUsage)
}

func TestAddRejectsInvalid(t *testing.T) {
	cfg := testConfig(t)
	_, err := runCmd(t, cfg, "", "add", "-title", "x", "-date", "someday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "date invalid")

	_, err = runCmd(t, cfg, "", "add", "-title", "x", "-date", "2024-01-01", "-rrule", "FREQ=SECONDLY")
	assert.Error(t, err)
}

func TestAddFromJSON(t *testing.T) {
	cfg := testConfig(t)
	day := time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
	text := "Here you go:\n```json\n{\"title\": \"Gym\", \"date\": \"" + day + "\", \"time\": \"18:00\", \"rrule\": \"FREQ=WEEKLY\"}\n```"

	out, err := runCmd(t, cfg, text, "add", "-json")
	require.NoError(t, err)
	assert.Contains(t, out, "Gym")

	out, err = runCmd(t, cfg, "", "list", "-days", "10")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "Gym"))
}

func TestPollSendsOnce(t *testing.T) {
	cfg := testConfig(t)
	day := time.Now().UTC().AddDate(0, 0, 3).Format("2006-01-02")
	_, err := runCmd(t, cfg, "", "add", "-title", "Trip", "-date", day, "-time", "12:00")
	require.NoError(t, err)

	out, err := runCmd(t, cfg, "", "poll")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent 2 reminder(s)")

	out, err = runCmd(t, cfg, "", "poll")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent 0 reminder(s)")
}

func TestImportICS(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "cal.ics")
	body := strings.ReplaceAll(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//agenda//test//EN
BEGIN:VEVENT
UID:a@test
SUMMARY:Imported
DTSTART:20300101T090000Z
DTEND:20300101T100000Z
END:VEVENT
END:VCALENDAR
`, "\n", "\r\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	out, err := runCmd(t, cfg, "", "import-ics", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 1 event(s).")
}

func TestUsageErrors(t *testing.T) {
	cfg := testConfig(t)
	for _, args := range [][]string{
		{},
		{"frobnicate"},
		{"delete"},
		{"import-ics"},
		{"list", "-bogus"},
	} {
		_, err := runCmd(t, cfg, "", args...)
		assert.ErrorIs(t, err, errUsage, args)
	}
}
