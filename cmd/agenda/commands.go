package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"agenda/internal/config"
	"agenda/internal/ics"
	"agenda/internal/ingest"
	appLog "agenda/internal/log"
	"agenda/internal/notifier"
	"agenda/internal/recurrence"
	"agenda/internal/schedule"
	"agenda/internal/web"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// candidate reads an event proposal from the add/edit flags, or from stdin
// with -json.
func (a *app) candidate(name string, args []string) (ingest.Candidate, error) {
	var (
		c        ingest.Candidate
		duration int
		exdates  string
		fromJSON bool
	)
	fs := newFlagSet(name)
	fs.StringVar(&c.Title, "title", "", "Event title")
	fs.StringVar(&c.Date, "date", "", "YYYY-MM-DD")
	fs.StringVar(&c.Time, "time", "", "HH:MM (omit for all-day)")
	fs.IntVar(&duration, "duration", 0, "Duration in minutes (default 60)")
	fs.StringVar(&c.Description, "description", "", "Description")
	fs.StringVar(&c.Location, "location", "", "Location")
	fs.BoolVar(&c.AllDay, "all-day", false, "All-day event")
	fs.StringVar(&c.RRule, "rrule", "", "Recurrence rule, e.g. FREQ=WEEKLY;BYDAY=MO,WE")
	fs.StringVar(&c.Notify, "notify", "", `Reminders: "default", "never" or a list such as "hour,now"`)
	fs.StringVar(&exdates, "exdate", "", "Comma separated excluded dates (YYYY-MM-DD)")
	fs.BoolVar(&fromJSON, "json", false, "Read a candidate JSON object (or text containing one) from stdin")
	if err := fs.Parse(args); err != nil {
		return c, fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 0 {
		return c, fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}

	if fromJSON {
		text, err := io.ReadAll(a.stdin)
		if err != nil {
			return c, err
		}
		data, err := ingest.ExtractJSON(string(text))
		if err != nil {
			return c, err
		}
		return ingest.Decode(data)
	}
	if duration != 0 {
		c.DurationMinutes = &duration
	}
	for _, d := range strings.Split(exdates, ",") {
		if d = strings.TrimSpace(d); d != "" {
			c.ExDates = append(c.ExDates, d)
		}
	}
	return c, nil
}

func (a *app) cmdAdd(ctx context.Context, args []string) error {
	c, err := a.candidate("add", args)
	if err != nil {
		return err
	}
	ev, err := c.Event(a.loc)
	if err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if err := a.store.AddEvent(ctx, &ev); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Added event %s: %s (notify=%s)\n", ev.ID, ev.Title, ev.Notify)
	return nil
}

// cmdEdit replaces every field of an existing event. Reminders already
// sent stay recorded.
func (a *app) cmdEdit(ctx context.Context, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("%w: edit takes an event id followed by flags", errUsage)
	}
	id := args[0]
	c, err := a.candidate("edit", args[1:])
	if err != nil {
		return err
	}
	ev, err := c.Event(a.loc)
	if err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	ev.ID = id
	if err := a.store.UpdateEvent(ctx, &ev); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Updated event %s: %s (notify=%s)\n", ev.ID, ev.Title, ev.Notify)
	return nil
}

func (a *app) cmdList(ctx context.Context, args []string) error {
	fs := newFlagSet("list")
	days := fs.Int("days", a.cfg.ListDays, "How many days ahead")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	events, err := a.store.ListEvents(ctx)
	if err != nil {
		return err
	}
	now := a.now().In(a.loc)
	occs, errs := schedule.ExpandAll(events, recurrence.Window{From: now, To: now.AddDate(0, 0, *days)})
	for _, err := range errs {
		appLog.Warn("list: event skipped", "err", err)
	}
	if len(occs) == 0 {
		fmt.Fprintln(a.stdout, "No upcoming events.")
		return nil
	}
	for _, o := range occs {
		fmt.Fprintf(a.stdout, "- [%s] %s :: %s\n", o.EventID(), o.Event.Title, timeRange(o.Start, o.End, o.Event.AllDay))
	}
	return nil
}

// timeRange renders an occurrence in the local display zone.
func timeRange(start, end time.Time, allDay bool) string {
	s, e := start.Local(), end.Local()
	if allDay {
		return s.Format("2006-01-02") + " (all day)"
	}
	if s.YearDay() == e.YearDay() && s.Year() == e.Year() {
		return s.Format("2006-01-02 15:04") + "-" + e.Format("15:04")
	}
	return s.Format("2006-01-02 15:04") + " - " + e.Format("2006-01-02 15:04")
}

func (a *app) cmdDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: delete takes exactly one event id", errUsage)
	}
	if err := a.store.DeleteEvent(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Deleted event %s\n", args[0])
	return nil
}

func (a *app) cmdImport(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: import-ics takes one path or URL", errUsage)
	}
	events, err := ics.NewFetcher(a.cfg.ICSCacheDir()).Import(ctx, args[0], a.loc)
	if err != nil {
		return err
	}
	count := 0
	for i := range events {
		if err := a.store.AddEvent(ctx, &events[i]); err != nil {
			appLog.Error("import: event not stored", err, "title", events[i].Title)
			continue
		}
		count++
	}
	fmt.Fprintf(a.stdout, "Imported %d event(s).\n", count)
	return nil
}

func (a *app) cmdPoll(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: poll takes no arguments", errUsage)
	}
	sink, closeSink := a.sink()
	defer closeSink()

	rep, err := a.poller(sink).RunCycle(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Sent %d reminder(s) (%d failed) for %d event(s).\n", rep.Emitted, rep.EmitFailed, rep.Events)
	return nil
}

func (a *app) cmdDaemon(ctx context.Context, args []string, configPath string) error {
	fs := newFlagSet("daemon")
	listen := fs.String("listen", "", "HTTP listen address (overrides config if set)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *listen != "" {
		a.cfg.Listen = *listen
	}

	if err := os.MkdirAll(a.cfg.CacheDir, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(a.cfg.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	appLog.SetOutput(io.MultiWriter(os.Stderr, logFile))
	defer appLog.SetOutput(nil)

	appLog.Info("agenda daemon starting",
		"config_path", configPath,
		"timezone", a.cfg.Timezone,
		"poll", a.cfg.Poll,
		"notifier", a.cfg.Notifier,
		"listen", a.cfg.Listen,
	)

	sink, closeSink := a.sink()
	defer closeSink()
	p := a.poller(sink)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx, a.cfg.Poll, a.loc)
	})
	if a.cfg.Listen != "" {
		srv := web.NewServer(a.cfg, a.loc, a.store, p)
		g.Go(func() error {
			return srv.Serve(gctx)
		})
	}
	err = g.Wait()
	appLog.Info("agenda daemon exiting")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) poller(sink schedule.Sink) *schedule.Poller {
	return schedule.NewPoller(a.store, sink, schedule.Config{
		Slack:       a.cfg.ScanSlack,
		NowGrace:    a.cfg.NowGrace,
		CallTimeout: a.cfg.CallTimeout,
		Retries:     a.cfg.Retries,
		Now:         a.now,
	})
}

// sink picks the configured reminder sink, falling back to the log when
// no session bus is reachable.
func (a *app) sink() (schedule.Sink, func()) {
	if a.cfg.Notifier == config.NotifierDesktop {
		d, err := notifier.NewDesktop("agenda", time.Local)
		if err == nil {
			return d, func() { _ = d.Close() }
		}
		appLog.Warn("desktop notifications unavailable; logging reminders instead", "err", err)
	}
	return notifier.Log{Loc: time.Local}, func() {}
}
