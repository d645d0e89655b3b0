package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zerolethanh/sysutil/internal/config"
	"github.com/zerolethanh/sysutil/internal/logger"
	"github.com/zerolethanh/sysutil/internal/procs"
)

// errUsage marks command line mistakes; main exits with status 2 for them.
var errUsage = errors.New("usage error")

type command struct {
	name  string
	short string
	run   func(ctx context.Context, cfg *config.Config, args []string) error
}

var commands = []command{
	{"serve", "run a socket server (TCP or Unix)", runServe},
	{"send", "send data to a socket server and print the reply", runSend},
	{"stop", "signal the server recorded in the pid file", runStop},
	{"fetch", "download a URL to a file", runFetch},
	{"ps", "list processes", runPS},
	{"kill", "signal a process by pid or name", runKill},
	{"top", "interactive process and connection monitor (default)", runTop},
	{"info", "print hostname and interface address", runInfo},
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: sysutil [flags] <command> [command flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-6s %s\n", c.name, c.short)
	}
	fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	configPath := flag.String("config", config.DefaultPath(), "path to the YAML config file")
	logLevel := flag.String("log-level", "", "log level override: debug, info, warn, error, none")
	flag.Parse()

	os.Exit(run(*configPath, *logLevel, flag.Args()))
}

func run(configPath, logLevel string, args []string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sysutil: %v\n", err)
		return 1
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log, err := logger.Open(logger.ParseLevel(cfg.Log.Level), cfg.Log.Path, "sysutil")
	if err != nil {
		fmt.Fprintf(os.Stderr, "sysutil: %v\n", err)
		return 1
	}
	logger.SetGlobal(log)
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := "top"
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}

	for _, c := range commands {
		if c.name != name {
			continue
		}
		err := c.run(ctx, cfg, args)
		switch {
		case err == nil:
			return 0
		case errors.Is(err, flag.ErrHelp):
			return 0
		case errors.Is(err, errUsage):
			fmt.Fprintf(os.Stderr, "sysutil %s: %v\n", name, err)
			return 2
		default:
			fmt.Fprintf(os.Stderr, "sysutil %s: %v\n", name, err)
			return 1
		}
	}

	fmt.Fprintf(os.Stderr, "sysutil: unknown command %q\n", name)
	usage()
	return 2
}

// runTop shows the interactive monitor until q or an interrupt.
func runTop(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("top", flag.ContinueOnError)
	procLimit := fs.Int("limit", cfg.Top.Limit, "Maximum number of processes to display in the table")
	interval := fs.Duration("interval", cfg.Top.Interval, "refresh interval")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *interval <= 0 {
		return fmt.Errorf("%w: -interval must be positive", errUsage)
	}

	// stderr belongs to the terminal UI while it runs
	if cfg.Log.Path == "" {
		logger.Global().SetLevel(logger.LevelNone)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dns := newDNSCache()
	go dns.run(ctx)

	group := procs.NewGroup()
	defer group.Close()

	app := tview.NewApplication()
	view := newTopView()
	t := &topActions{ctx: ctx, app: app, group: group, view: view}

	view.output.SetDoneFunc(func(key tcell.Key) {
		view.hideOutput(app)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if view.output.HasFocus() {
			return event
		}
		if event.Key() == tcell.KeyTab {
			if view.procs.HasFocus() {
				app.SetFocus(view.conns)
			} else {
				app.SetFocus(view.procs)
			}
			return nil
		}
		if event.Rune() == 'q' {
			app.Stop()
			return nil
		}

		if view.conns.HasFocus() {
			return t.listenKeyForConnTable(event)
		}
		if view.procs.HasFocus() {
			return t.listenKeyForProcTable(event)
		}
		return event
	})

	go func() {
		<-ctx.Done()
		app.Stop()
	}()

	// Goroutine for continuous data fetching and UI updates
	go func() {
		var prev netCounters
		if cur, err := readNetCounters(ctx); err == nil {
			prev = cur
		}

		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			s, err := fetchSample(ctx, dns, &prev, *interval)
			if err != nil {
				logger.Warn("Refresh failed: %v", err)
				app.QueueUpdateDraw(func() { view.setStatus("[red]%v", err) })
				continue
			}
			app.QueueUpdateDraw(func() {
				view.update(s, *procLimit, 50)
			})
		}
	}()

	return app.SetRoot(view.pages, true).Run()
}

// topActions runs the key-bound actions of the top view.
type topActions struct {
	ctx   context.Context
	app   *tview.Application
	group *procs.Group
	view  *topView
}

func selectedPID(table *tview.Table) (int, bool) {
	row, _ := table.GetSelection()
	if row == 0 {
		// header row
		return 0, false
	}
	pid, err := strconv.Atoi(table.GetCell(row, 0).Text)
	if err != nil {
		return 0, false
	}
	return pid, true
}

// killKey handles k and K on either table.
func (t *topActions) killKey(event *tcell.EventKey, table *tview.Table) bool {
	var sig syscall.Signal
	switch event.Rune() {
	case 'k':
		sig = syscall.SIGTERM
	case 'K':
		sig = syscall.SIGKILL
	default:
		return false
	}
	if pid, ok := selectedPID(table); ok {
		if err := procs.Kill(pid, sig); err != nil {
			t.view.setStatus("[red]%v", err)
		} else {
			t.view.setStatus("[green]sent %v to %d", sig, pid)
		}
	}
	return true
}

func (t *topActions) listenKeyForProcTable(event *tcell.EventKey) *tcell.EventKey {
	if t.killKey(event, t.view.procs) {
		return nil
	}
	return event
}

func (t *topActions) listenKeyForConnTable(event *tcell.EventKey) *tcell.EventKey {
	if t.killKey(event, t.view.conns) {
		return nil
	}
	if event.Rune() == 'w' {
		row, _ := t.view.conns.GetSelection()
		if row == 0 {
			return nil
		}
		if ip, ok := t.view.conns.GetCell(row, 3).GetReference().(string); ok && ip != "" {
			t.whois(ip)
		}
		return nil
	}
	return event
}

// whois runs whois for ip in the background and shows the output in a pane.
func (t *topActions) whois(ip string) {
	t.view.setStatus("whois %s ...", ip)
	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, 15*time.Second)
		defer cancel()

		out, err := t.group.Run(ctx, procs.RunOptions{Read: true, Suppress: true}, "whois", ip)
		t.app.QueueUpdateDraw(func() {
			if err != nil && out == "" {
				t.view.setStatus("[red]whois %s: %v", ip, err)
				return
			}
			t.view.setStatus("")
			t.view.showOutput(t.app, "whois "+ip, out)
		})
	}()
}
