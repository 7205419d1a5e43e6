package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agenda/internal/config"
	appLog "agenda/internal/log"
	"agenda/internal/store"
)

const usage = `usage: agenda [-config path] [-v] <command> [flags]

commands:
  add         add an event (flags or -json candidate on stdin)
  edit        replace an event: edit <id> [add flags]
  list        list upcoming occurrences
  delete      delete an event by id
  import-ics  import events from an .ics file or URL
  poll        run one reminder poll cycle
  daemon      run the reminder poller (and the HTTP API if listen is set)
`

var errUsage = errors.New("invalid usage")

// app bundles what every subcommand needs.
type app struct {
	cfg    *config.Config
	loc    *time.Location
	store  *store.Store
	stdin  io.Reader
	stdout io.Writer
	now    func() time.Time
}

func main() {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	case err != nil:
		appLog.Error("agenda failed", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("agenda", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", config.DefaultPath(), "Path to config file")
	verbose := fs.Bool("v", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", *configPath, err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	if *verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DBPath(), loc)
	if err != nil {
		return err
	}
	defer st.Close()

	a := &app{cfg: cfg, loc: loc, store: st, stdin: stdin, stdout: stdout, now: time.Now}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "add":
		return a.cmdAdd(ctx, rest)
	case "edit":
		return a.cmdEdit(ctx, rest)
	case "list":
		return a.cmdList(ctx, rest)
	case "delete", "rm":
		return a.cmdDelete(ctx, rest)
	case "import-ics", "import":
		return a.cmdImport(ctx, rest)
	case "poll":
		return a.cmdPoll(ctx, rest)
	case "daemon":
		return a.cmdDaemon(ctx, rest, *configPath)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}
