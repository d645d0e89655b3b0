package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/zerolethanh/sysutil/internal/config"
	"github.com/zerolethanh/sysutil/internal/download"
	"github.com/zerolethanh/sysutil/internal/logger"
	"github.com/zerolethanh/sysutil/internal/pidfile"
	"github.com/zerolethanh/sysutil/internal/procs"
	"github.com/zerolethanh/sysutil/internal/sockclient"
	"github.com/zerolethanh/sysutil/internal/sockserver"
)

// stdout receives command output; tests replace it.
var stdout io.Writer = os.Stdout

// parseFlags parses args into fs, marking anything but -h as a usage error.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func runServe(ctx context.Context, cfg *config.Config, args []string) error {
	sc := cfg.Server
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	host := fs.String("host", sc.Host, "TCP host to bind")
	port := fs.Int("port", sc.Port, "TCP port to bind (0 picks a free port)")
	unixPath := fs.String("unix", sc.SocketPath, "serve on a Unix socket at this path instead of TCP")
	mode := fs.String("mode", sc.SocketMode, "octal permissions for the Unix socket file")
	workers := fs.Int("workers", sc.Workers, "handle chunks on a pool of this many workers (0 handles them in order per connection)")
	chunk := fs.Int("chunk", sc.ChunkSize, "maximum bytes per receive")
	maxConns := fs.Int("max-conns", sc.MaxConns, "maximum concurrent connections (0 is unlimited)")
	readTimeout := fs.Duration("read-timeout", sc.ReadTimeout, "close connections idle for this long (0 disables)")
	echo := fs.Bool("echo", true, "write every received chunk back to the sender")
	pidPath := fs.String("pidfile", sc.PidFile, "write the server pid here (empty disables)")
	watch := fs.Bool("watch", false, "stop when the Unix socket file is removed")
	grace := fs.Duration("grace", sc.ShutdownGrace, "on interrupt, wait this long for clients to disconnect (0 closes them at once)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *grace < 0 {
		return fmt.Errorf("%w: -grace must not be negative", errUsage)
	}

	sc.SocketMode = *mode
	var socketMode os.FileMode
	if *unixPath != "" && *mode != "" {
		m, err := sc.FileMode()
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		socketMode = m
	}

	log := slog.New(logger.NewSlogHandler(logger.Global().WithPrefix("serve")))
	h := &serveHandler{echo: *echo, log: log}

	opts := []sockserver.Option{
		sockserver.WithOnRecv(h.recv),
		sockserver.WithChunkSize(*chunk),
		sockserver.WithWorkers(*workers),
		sockserver.WithMaxConns(*maxConns),
		sockserver.WithReadTimeout(*readTimeout),
	}

	var (
		srv *sockserver.Server
		err error
	)
	if *unixPath != "" {
		opts = append(opts, sockserver.WithSocketMode(socketMode))
		if *watch {
			opts = append(opts, sockserver.WithSocketWatch())
		}
		if sockclient.IsServing(*unixPath) {
			return fmt.Errorf("a server is already listening on %s", *unixPath)
		}
		srv, err = sockserver.NewUnix(h.disconnect, *unixPath, opts...)
	} else {
		srv, err = sockserver.New(h.disconnect, *host, *port, opts...)
	}
	if err != nil {
		return err
	}

	if *pidPath != "" {
		pf := pidfile.New(*pidPath)
		if err := pf.Write(); err != nil {
			srv.Stop()
			return err
		}
		defer pf.Remove()
	}

	fmt.Fprintf(stdout, "serving on %s %s (pid %d)\n", srv.Network(), srv.Addr(), os.Getpid())
	return serveUntilDone(ctx, srv, *grace)
}

// serveUntilDone runs srv until it stops by itself or ctx ends. On ctx end the
// clients get grace to disconnect before their connections are closed.
func serveUntilDone(ctx context.Context, srv *sockserver.Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(context.Background())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if grace <= 0 {
		srv.Stop()
		return startResult(<-errCh)
	}

	logger.Info("Draining connections for up to %v", grace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("Grace period of %v expired; closed remaining connections", grace)
	}
	return startResult(<-errCh)
}

// startResult drops the error Start reports when the stop won the race
// against it.
func startResult(err error) error {
	if errors.Is(err, sockserver.ErrServerClosed) {
		return nil
	}
	return err
}

// serveHandler is the connection handler of `sysutil serve`.
type serveHandler struct {
	echo bool
	log  *slog.Logger
}

func (h *serveHandler) recv(conn net.Conn, addr net.Addr, data []byte) {
	h.log.Debug("received", "remote", addrString(addr), "bytes", len(data))
	if !h.echo {
		return
	}
	if _, err := conn.Write(data); err != nil {
		h.log.Warn("echo failed", "remote", addrString(addr), "err", err)
	}
}

func (h *serveHandler) disconnect(conn net.Conn, addr net.Addr) {
	h.log.Info("disconnected", "remote", addrString(addr))
}

// addrString names a peer; Unix socket peers are usually unnamed.
func addrString(addr net.Addr) string {
	if addr == nil || addr.String() == "" {
		return "@"
	}
	return addr.String()
}

func runSend(ctx context.Context, cfg *config.Config, args []string) error {
	sc := cfg.Server
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	addr := fs.String("addr", sc.Address(), "TCP address of the server")
	unixPath := fs.String("unix", sc.SocketPath, "Unix socket path of the server (overrides -addr)")
	wait := fs.Duration("wait", time.Second, "how long to wait for reply data (0 sends without reading)")
	retry := fs.Duration("retry", 5*time.Second, "keep retrying the dial for this long")
	dialTimeout := fs.Duration("dial-timeout", sockclient.DetectionTimeout, "timeout of each dial attempt")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var data []byte
	if fs.NArg() > 0 {
		data = []byte(strings.Join(fs.Args(), " "))
	} else {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		data = b
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: nothing to send", errUsage)
	}

	network, address := "tcp", *addr
	if *unixPath != "" {
		network, address = "unix", *unixPath
	}

	conn, err := sockclient.Dial(ctx, network, address, sockclient.WithMaxElapsed(*retry), sockclient.WithDialTimeout(*dialTimeout))
	if err != nil {
		return err
	}
	defer conn.Close()

	reply, err := sockclient.Send(ctx, conn, data, *wait)
	if len(reply) > 0 {
		stdout.Write(reply)
	}
	return err
}

func runStop(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	pidPath := fs.String("pidfile", cfg.Server.PidFile, "pid file written by serve")
	sigName := fs.String("signal", "TERM", "signal to send, by name or number")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	sig, err := parseSignal(*sigName)
	if err != nil {
		return err
	}

	pf := pidfile.New(*pidPath)
	if !pf.Exists() {
		return fmt.Errorf("no server running (pid file %s missing)", pf.Path())
	}
	pid, err := pf.Read()
	if err != nil {
		return err
	}
	if err := procs.Kill(pid, sig); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "sent %v to %d\n", sig, pid)
	return nil
}

// cookieFlags collects repeated -cookie name=value flags.
type cookieFlags [][2]string

func (c *cookieFlags) String() string { return fmt.Sprint(*c) }

func (c *cookieFlags) Set(v string) error {
	name, value, ok := strings.Cut(v, "=")
	if !ok || name == "" {
		return fmt.Errorf("cookie %q is not name=value", v)
	}
	*c = append(*c, [2]string{name, value})
	return nil
}

func runFetch(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	out := fs.String("o", "", "output file (default: last element of the URL path)")
	timeout := fs.Duration("timeout", 0, "overall request timeout (0 is unlimited)")
	retry := fs.Duration("retry", 10*time.Second, "keep retrying connection failures and 5xx replies for this long")
	agent := fs.String("user-agent", "sysutil", "User-Agent header")
	var cookies cookieFlags
	fs.Var(&cookies, "cookie", "send a cookie, as name=value (repeatable)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: fetch needs exactly one URL", errUsage)
	}
	url := fs.Arg(0)

	path := *out
	if path == "" {
		path = filepath.Base(strings.TrimRight(strings.SplitN(url, "?", 2)[0], "/"))
		if path == "" || path == "." || path == "/" || strings.HasSuffix(path, ":") {
			return fmt.Errorf("%w: cannot name the output file from %s; use -o", errUsage, url)
		}
	}

	sess, err := download.NewSession(download.Config{
		Headers:         http.Header{"User-Agent": {*agent}},
		Timeout:         *timeout,
		MaxRetryElapsed: *retry,
	})
	if err != nil {
		return err
	}
	for _, c := range cookies {
		sess.InjectCookie(c[0], c[1])
	}

	var progress download.ProgressFunc
	if f, ok := stdout.(*os.File); ok && isTerminal(f) {
		last := -1
		progress = func(done float64) {
			pct := int(done * 100)
			if pct != last {
				last = pct
				fmt.Fprintf(stdout, "\r%s %3d%%", path, pct)
			}
		}
	}

	n, err := sess.Download(ctx, url, path, progress)
	if progress != nil {
		fmt.Fprintln(stdout)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "saved %s (%d bytes)\n", path, n)
	return nil
}

func runPS(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("ps", flag.ContinueOnError)
	usePS := fs.Bool("ps", false, "parse ps aux output instead of querying the process table directly")
	sortBy := fs.String("sort", "pid", "sort key: pid, mem, cpu")
	limit := fs.Int("limit", 0, "print at most this many rows (0 prints all)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var (
		list []procs.Process
		err  error
	)
	if *usePS {
		list, err = procs.SnapshotPS(ctx)
	} else {
		list, err = procs.Snapshot(ctx)
	}
	if err != nil {
		return err
	}

	if err := sortProcs(list, *sortBy); err != nil {
		return err
	}
	if *limit > 0 && len(list) > *limit {
		list = list[:*limit]
	}

	return writeProcs(stdout, list, isTerminal(os.Stdout))
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func sortProcs(list []procs.Process, key string) error {
	switch key {
	case "pid":
		sort.Slice(list, func(i, j int) bool { return list[i].PID < list[j].PID })
	case "mem":
		procs.SortByMemory(list)
	case "cpu":
		sort.SliceStable(list, func(i, j int) bool { return list[i].CPUPercent > list[j].CPUPercent })
	default:
		return fmt.Errorf("%w: unknown sort key %q", errUsage, key)
	}
	return nil
}

// writeProcs prints one process per line. aligned pads columns for a terminal;
// otherwise fields are tab separated for other tools.
func writeProcs(w io.Writer, list []procs.Process, aligned bool) error {
	out := w
	var tw *tabwriter.Writer
	if aligned {
		tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		out = tw
	}

	fmt.Fprintln(out, "PID\tUSER\t%CPU\t%MEM\tCOMMAND")
	for _, p := range list {
		cmd := p.Cmd
		if cmd == "" {
			cmd = p.Name
		}
		fmt.Fprintf(out, "%d\t%s\t%.1f\t%.1f\t%s\n", p.PID, p.Owner, p.CPUPercent, p.MemoryPercent, cmd)
	}

	if tw != nil {
		return tw.Flush()
	}
	return nil
}

func runKill(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	pid := fs.Int("pid", 0, "process id to signal")
	name := fs.String("name", "", "signal the first process whose executable is named this")
	sigName := fs.String("signal", "KILL", "signal to send, by name or number")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	sig, err := parseSignal(*sigName)
	if err != nil {
		return err
	}

	switch {
	case *pid != 0 && *name != "":
		return fmt.Errorf("%w: -pid and -name are mutually exclusive", errUsage)
	case *pid != 0:
		if err := procs.Kill(*pid, sig); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "sent %v to %d\n", sig, *pid)
		return nil
	case *name != "":
		p, found, err := procs.KillByName(ctx, *name, sig)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintf(stdout, "no process named %s\n", *name)
			return nil
		}
		fmt.Fprintf(stdout, "sent %v to %d (%s)\n", sig, p.PID, p.Executable())
		return nil
	default:
		return fmt.Errorf("%w: one of -pid or -name is required", errUsage)
	}
}

func defaultInterface() string {
	if runtime.GOOS == "darwin" {
		return "en0"
	}
	return "eth0"
}

func runInfo(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	iface := fs.String("iface", defaultInterface(), "network interface to report the IPv4 address of")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	hostname, err := procs.Hostname(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "hostname: %s\n", hostname)

	ip, err := procs.IPAddress(ctx, *iface)
	if err != nil {
		logger.Debug("No address for %s: %v", *iface, err)
		fmt.Fprintf(stdout, "%s: -\n", *iface)
		return nil
	}
	fmt.Fprintf(stdout, "%s: %s\n", *iface, ip)
	return nil
}

// parseSignal accepts a signal number or a name such as TERM or SIGKILL.
func parseSignal(s string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return syscall.Signal(n), nil
	}
	switch strings.TrimPrefix(strings.ToUpper(s), "SIG") {
	case "TERM":
		return syscall.SIGTERM, nil
	case "KILL":
		return syscall.SIGKILL, nil
	case "INT":
		return syscall.SIGINT, nil
	case "HUP":
		return syscall.SIGHUP, nil
	}
	return 0, fmt.Errorf("%w: unknown signal %q", errUsage, s)
}
