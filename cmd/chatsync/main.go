package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/logging"
)

type rootFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	logFile    string
	serverURL  string
	apiURL     string
	token      string
	sessionID  string
	storePath  string
}

var (
	flags rootFlags
	// cfg is the effective configuration once the root pre-run has loaded it.
	cfg config.Config
	// logCloser releases the log file opened by --log-file.
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "chatsync keeps a conversation with a remote agent in sync",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var envFiles []string
		if flags.envFile != "" {
			envFiles = append(envFiles, flags.envFile)
		}
		loaded, err := config.Load(flags.configPath, envFiles...)
		if err != nil {
			return err
		}
		applyFlags(cmd, &loaded)
		cfg = loaded
		return initLogging(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file")
	pf.StringVar(&flags.envFile, "env-file", "", ".env file to load (default: ./.env if present)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format (auto, console, json)")
	pf.StringVar(&flags.logFile, "log-file", "", "write logs to this file instead of stderr")
	pf.StringVar(&flags.serverURL, "server-url", "", "websocket URL of the session server")
	pf.StringVar(&flags.apiURL, "api-url", "", "base URL of the REST API")
	pf.StringVar(&flags.token, "token", "", "bearer token")
	pf.StringVar(&flags.sessionID, "session", "", "resume this session id")
	pf.StringVar(&flags.storePath, "store", "", "SQLite transcript cache file")

	rootCmd.AddCommand(
		newRunCommand(),
		newTUICommand(),
		newHistoryCommand(),
		newTranscriptCommand(),
		newConfigCommand(),
	)
}

func applyFlags(cmd *cobra.Command, c *config.Config) {
	set := func(name string, value string, dst *string) {
		if cmd.Flags().Changed(name) {
			*dst = value
		}
	}
	set("log-level", flags.logLevel, &c.Log.Level)
	set("log-format", flags.logFormat, &c.Log.Format)
	set("server-url", flags.serverURL, &c.ServerURL)
	set("api-url", flags.apiURL, &c.APIBaseURL)
	set("token", flags.token, &c.Token)
	set("session", flags.sessionID, &c.SessionID)
	set("store", flags.storePath, &c.Store.Path)
}

func initLogging(cmd *cobra.Command) error {
	var w io.Writer = os.Stderr
	if flags.logFile != "" {
		f, err := os.OpenFile(flags.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		logCloser = f
		w = f
	} else if cmd.Name() == "tui" {
		// the terminal belongs to the UI
		w = io.Discard
	}
	return logging.Init(cfg.Log.Level, logging.Format(cfg.Log.Format), w)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
