package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relayboard/internal/boardsync"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			red.Fprintf(os.Stderr, "✗ %v\n", err)
		}
		os.Exit(1)
	}
}

// reportedError marks an error whose details were already printed.
type reportedError struct {
	title string
}

func (e reportedError) Error() string {
	return e.title
}

// cliConfig is everything a command needs to reach the board.
type cliConfig struct {
	BaseURL        string
	Token          string
	RefreshToken   string
	Team           string
	Output         string
	Timeout        time.Duration
	InternalSecret string
	StateFile      string
	ReconnectDelay time.Duration
	ResyncInterval time.Duration
	ResyncJitter   float64
	Verbose        bool
}

type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
	cfg    cliConfig
	out    *printer
	logger *logrus.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	var configFile string

	root := &cobra.Command{
		Use:   "relayboard-cli",
		Short: "Edit shared work items with optimistic updates",
		Long: `relayboard-cli talks to a relayboard server. Writes are applied
optimistically, checked against the item version on the server, and
retried once on a version conflict.

Configuration is read from ~/.relayboard.yaml (or --config), then from
RELAYBOARD_* environment variables, then from flags.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(configFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ~/.relayboard.yaml)")
	flags.String("base-url", "http://127.0.0.1:8080", "relayboard base URL")
	flags.String("token", "", "bearer access token")
	flags.String("refresh-token", "", "refresh token used when the access token expires")
	flags.String("team", "", "team ID")
	flags.StringP("output", "o", "table", "output format (table, json, yaml)")
	flags.Duration("timeout", 15*time.Second, "per-request timeout")
	flags.Bool("verbose", false, "log client internals to stderr")
	for _, name := range []string{"base-url", "token", "refresh-token", "team", "output", "timeout", "verbose"} {
		_ = a.v.BindPFlag(viperKey(name), flags.Lookup(name))
	}

	root.AddCommand(
		a.newGetCmd(),
		a.newListCmd(),
		a.newCreateCmd(),
		a.newUpdateCmd(),
		a.newArchiveCmd(),
		a.newPriorityCmd(),
		a.newDeleteCmd(),
		a.newWatchCmd(),
		a.newApplyCmd(),
		a.newTokenCmd(),
	)
	return root
}

func viperKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func (a *app) loadConfig(configFile string) error {
	v := a.v
	v.SetDefault("internal_secret", "")
	v.SetDefault("state_file", "")
	v.SetDefault("reconnect_delay", 2*time.Second)
	v.SetDefault("resync_interval", time.Minute)
	v.SetDefault("resync_jitter", 0.2)

	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName(".relayboard")
	}
	v.SetEnvPrefix("RELAYBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	a.cfg = cliConfig{
		BaseURL:        strings.TrimSpace(v.GetString("base_url")),
		Token:          strings.TrimSpace(v.GetString("token")),
		RefreshToken:   strings.TrimSpace(v.GetString("refresh_token")),
		Team:           strings.TrimSpace(v.GetString("team")),
		Output:         strings.ToLower(strings.TrimSpace(v.GetString("output"))),
		Timeout:        v.GetDuration("timeout"),
		InternalSecret: v.GetString("internal_secret"),
		StateFile:      expandHome(strings.TrimSpace(v.GetString("state_file"))),
		ReconnectDelay: v.GetDuration("reconnect_delay"),
		ResyncInterval: v.GetDuration("resync_interval"),
		ResyncJitter:   clampJitterRatio(v.GetFloat64("resync_jitter")),
		Verbose:        v.GetBool("verbose"),
	}
	if a.cfg.Timeout <= 0 {
		a.cfg.Timeout = 15 * time.Second
	}
	switch a.cfg.Output {
	case "", "table":
		a.cfg.Output = "table"
	case "json", "yaml":
	default:
		return fmt.Errorf("unsupported output format %q (table, json, yaml)", a.cfg.Output)
	}

	a.out = newPrinter(a.stdout, a.stderr, a.cfg.Output)
	a.logger = logrus.New()
	a.logger.SetOutput(a.stderr)
	a.logger.SetLevel(logrus.WarnLevel)
	if a.cfg.Verbose {
		a.logger.SetLevel(logrus.DebugLevel)
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

func (a *app) clientLogger(component string) *logrus.Entry {
	return a.logger.WithField("component", component)
}

func (a *app) requireTeam() (string, error) {
	if a.cfg.Team == "" {
		return "", fmt.Errorf("team is required (--team or RELAYBOARD_TEAM)")
	}
	return a.cfg.Team, nil
}

func (a *app) httpClient() *boardsync.HTTPClient {
	client := boardsync.NewHTTPClient(a.cfg.BaseURL, a.cfg.Token, &http.Client{Timeout: a.cfg.Timeout})
	if a.cfg.RefreshToken != "" {
		client.SetRefreshToken(a.cfg.RefreshToken)
	}
	return client
}

func (a *app) mutationClient(transport boardsync.Transport, sink boardsync.Sink, snapshots boardsync.SnapshotSource) *boardsync.MutationClient {
	return boardsync.NewMutationClient(boardsync.MutationOptions{
		Transport: transport,
		Sink:      sink,
		Snapshots: snapshots,
		Logger:    debugLogger{a.clientLogger("mutation")},
	})
}

// debugLogger adapts a logrus entry to the Printf loggers of the internal
// packages, at debug level.
type debugLogger struct {
	entry *logrus.Entry
}

func (l debugLogger) Printf(format string, args ...any) {
	l.entry.Debugf(format, args...)
}
