package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"goldrenard/config"
	"goldrenard/network"
	"goldrenard/storage"
)

// environment is what every subcommand needs once flags are parsed.
type environment struct {
	dataDir string
	cfgPath string
	cfg     *config.NodeConfig
	logger  *logrus.Logger
}

// app holds the state of one command invocation.
type app struct {
	dataDirFlag  string
	logLevelFlag string

	env environment
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "goldrenard",
		Short: "Relay files between machines on a local network",
		Long: `goldrenard relays files between machines on a local network.

Run "goldrenard serve" on one machine. Other machines connect with "send" and
"receive"; every file one of them uploads is offered to all the others.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setupEnvironment,
	}

	root.PersistentFlags().StringVar(&a.dataDirFlag, "data-dir", "", "data directory (defaults to $"+config.DataDirEnv+" or the per-user config directory)")
	root.PersistentFlags().StringVar(&a.logLevelFlag, "log-level", "", "log level: trace, debug, info, warn, error")

	root.AddCommand(
		a.newServeCmd(),
		a.newSendCmd(),
		a.newReceiveCmd(),
		a.newDiscoverCmd(),
		a.newHistoryCmd(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) setupEnvironment(cmd *cobra.Command, _ []string) error {
	var (
		cfg     *config.NodeConfig
		cfgPath string
		err     error
	)
	if a.dataDirFlag != "" {
		cfg, cfgPath, err = config.LoadOrCreateAt(a.dataDirFlag)
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if a.logLevelFlag != "" {
		level = a.logLevelFlag
	}
	logger, err := newLogger(level)
	if err != nil {
		return err
	}
	logger.SetOutput(cmd.ErrOrStderr())

	a.env = environment{
		dataDir: filepath.Dir(cfgPath),
		cfgPath: cfgPath,
		cfg:     cfg,
		logger:  logger,
	}
	logger.WithFields(logrus.Fields{
		"config":  cfgPath,
		"node_id": cfg.NodeID,
	}).Debug("configuration loaded")
	return nil
}

func newLogger(level string) (*logrus.Logger, error) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := logrus.New()
	logger.SetLevel(parsed)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}

func (a *app) openHistory() (*storage.Store, error) {
	history, dbPath, err := storage.Open(a.env.dataDir)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.env.logger.WithField("path", dbPath).Debug("history opened")
	return history, nil
}

func (a *app) closeHistory(history *storage.Store) {
	if err := history.Close(); err != nil {
		a.env.logger.WithError(err).Warn("close history")
	}
}

func (a *app) handshakeOptions() network.HandshakeOptions {
	return network.HandshakeOptions{Logger: a.env.logger}
}
