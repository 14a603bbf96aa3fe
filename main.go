// Command orgctl is a command line client for the organization API. It keeps
// the session alive across concurrent requests by refreshing the access
// token once per expiry and replaying the requests that were rejected.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/go-authgate/orgctl/authclient"
	"github.com/go-authgate/orgctl/config"
	"github.com/go-authgate/orgctl/credstore"
	"github.com/go-authgate/orgctl/tui"
)

var version = "dev"

// configFlags maps persistent flag names to config keys.
var configFlags = map[string]string{
	"server-url":      "server_url",
	"profile":         "profile",
	"store":           "store",
	"token-file":      "token_file",
	"redis-url":       "redis_url",
	"database-url":    "database_url",
	"rotation":        "rotation",
	"refresh-timeout": "refresh_timeout",
	"log-level":       "log_level",
	"log-format":      "log_format",
	"metrics-addr":    "metrics_addr",
}

// app carries what every command needs. Streams and the TTY check are
// fields so tests can drive commands in process.
type app struct {
	configPath string

	stdout io.Writer
	stderr io.Writer
	isTTY  func() bool
}

// session is the per-command runtime built from configuration.
type session struct {
	cfg     *config.Config
	log     *zap.Logger
	client  *authclient.Client
	store   credstore.Store
	display tui.Displayer
	out     io.Writer
}

// shownError wraps an error the displayer has already reported.
type shownError struct{ err error }

func (e shownError) Error() string { return e.err.Error() }
func (e shownError) Unwrap() error { return e.err }

func main() {
	a := &app{stdout: os.Stdout, stderr: os.Stderr, isTTY: isTTY}
	if err := a.execute(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

// execute runs the command line in args and prints any error the displayer
// did not report, including cobra's argument and flag errors.
func (a *app) execute(args []string) error {
	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return nil
	}
	var shown shownError
	if !errors.As(err, &shown) {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
	}
	if errors.Is(err, authclient.ErrSessionEnded) {
		fmt.Fprintln(a.stderr, "Run `orgctl login` to start a new session.")
	}
	return err
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "orgctl",
		Short: "Authenticated client for the organization API",
		Long: `orgctl talks to the organization API with a stored session.

Credentials live in a token file, Redis or PostgreSQL. When the access token
expires, concurrent requests share a single refresh and are replayed once.

Configuration precedence: flags > ORGCTL_* environment > config file > defaults.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "orgctl.yaml", "Config file (YAML)")
	flags.String("server-url", "", "API server URL (default: http://localhost:8000 or ORGCTL_SERVER_URL)")
	flags.String("profile", "", "Credential profile name")
	flags.String("store", "", "Credential store: file, redis, postgres or memory")
	flags.String("token-file", "", "Credential file for the file store")
	flags.String("redis-url", "", "Redis URL for the redis store")
	flags.String("database-url", "", "PostgreSQL URL for the postgres store")
	flags.String("rotation", "", "Refresh token policy: rotate or fixed")
	flags.Duration("refresh-timeout", 0, "Timeout of a single token refresh")
	flags.String("log-level", "", "Diagnostic log level (debug, info, warn, error)")
	flags.String("log-format", "", "Diagnostic log format: console or json")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")

	root.AddCommand(
		newLoginCmd(a),
		newRegisterCmd(a),
		newLogoutCmd(a),
		newMeCmd(a),
		newOrgsCmd(a),
		newUseOrgCmd(a),
		newStatusCmd(a),
		newCallCmd(a),
	)
	return root
}

// loadConfig layers explicitly set flags over file and environment.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	l, err := config.NewLoader(a.configPath)
	if err != nil {
		return nil, err
	}

	var setErr error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		key, ok := configFlags[f.Name]
		if !ok || setErr != nil {
			return
		}
		setErr = l.Set(key, f.Value.String())
	})
	if setErr != nil {
		return nil, setErr
	}
	return l.Config()
}

// run builds the session for one command, runs fn and tears everything down.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := cfg.NewLogger(a.stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := initSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
	}
	defer flushSentry()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := authclient.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer shutdown()
	}

	display, finish := a.newDisplayer()
	defer finish()

	display.Banner(cfg.ServerURL, cfg.Profile)
	for _, w := range cfg.Warnings() {
		display.Warning(w)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		display.Fatal(err)
		return shownError{err}
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("failed to close credential store", zap.Error(err))
		}
	}()

	client, err := authclient.New(cfg.ServerURL, store,
		authclient.WithRefreshPath(cfg.RefreshPath),
		authclient.WithLoginPath(cfg.LoginPath),
		authclient.WithRotation(cfg.RotationPolicy()),
		authclient.WithRefreshTimeout(cfg.RefreshTimeout),
		authclient.WithRequestTimeout(cfg.RequestTimeout),
		authclient.WithLogger(logger),
		authclient.WithMetrics(metrics),
		authclient.WithObserver(display),
		authclient.WithErrorReporter(reportError(cfg.SentryDSN)),
	)
	if err != nil {
		display.Fatal(err)
		return shownError{err}
	}

	s := &session{
		cfg:     cfg,
		log:     logger.With(zap.String("command", cmd.Name())),
		client:  client,
		store:   store,
		display: display,
		out:     a.stdout,
	}
	if err := fn(ctx, s); err != nil {
		display.Fatal(err)
		return shownError{err}
	}
	return nil
}

// newDisplayer picks the TUI on a terminal and plain text otherwise. The
// returned func stops the TUI and waits for it to exit.
func (a *app) newDisplayer() (tui.Displayer, func()) {
	if !a.isTTY() {
		return tui.NewPlainDisplayer(a.stderr), func() {}
	}

	// Run TUI program on stderr so stdout pipes are not corrupted.
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(tui.NewModel(), tea.WithOutput(a.stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(a.stderr, "TUI error: %v\n", err)
		}
	}()

	return tui.NewProgramDisplayer(p), func() {
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
	}
}

// readSecret returns value, or the first line of r when fromStdin is set.
func readSecret(value string, fromStdin bool, r io.Reader) (string, error) {
	if !fromStdin {
		return value, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimRight(line, "\r"), nil
}
