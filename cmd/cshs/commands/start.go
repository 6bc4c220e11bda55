package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cubeflix/cshd/internal/logger"
	"github.com/cubeflix/cshd/pkg/config"
	"github.com/cubeflix/cshd/pkg/metrics"
	"github.com/cubeflix/cshd/pkg/server"
	"github.com/cubeflix/cshd/pkg/users"
)

var (
	startNoConfig  bool
	startPort      int
	startHost      string
	startPath      string
	startName      string
	startUsersFile string
	startLogFile   string
	startLevel     string
)

var startCmd = &cobra.Command{
	Use:   "start [config-file]",
	Short: "Start the CSH server",
	Long: `Start the CSH server with the given configuration file (default
config.json). Flags override the corresponding config file settings.

Examples:
  # Start with the default config file
  cshs start

  # Start with a custom config file
  cshs start /etc/cshd/config.json

  # Start without a config file, serving /srv/files on port 9000
  cshs start -c -p 9000 -d /srv/files`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&startNoConfig, "noconfig", "c", false, "run without a config file")
	startCmd.Flags().IntVarP(&startPort, "port", "p", 0, "override the listening port")
	startCmd.Flags().StringVarP(&startHost, "host", "o", "", "override the listening host")
	startCmd.Flags().StringVarP(&startPath, "path", "d", "", "override the served root directory")
	startCmd.Flags().StringVarP(&startName, "name", "n", "", "override the server name")
	startCmd.Flags().StringVarP(&startUsersFile, "users", "u", "", "override the users file path")
	startCmd.Flags().StringVarP(&startLogFile, "logfile", "l", "", "override the log file path")
	startCmd.Flags().StringVarP(&startLevel, "level", "e", "", "override the log level")
}

func runStart(cmd *cobra.Command, args []string) error {
	file := "config.json"
	if len(args) > 0 {
		file = args[0]
	}
	if startNoConfig {
		file = ""
	}

	cfg, err := config.Load(file, startOverrides(cmd))
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:   cfg.Level,
		File:    cfg.FileHandler,
		Verbose: cfg.Verbose,
	}); err != nil {
		return err
	}
	server.Version = Version

	store, err := users.Load(cfg.UsersFile)
	if err != nil {
		return err
	}
	if store.Count() == 0 {
		if err := bootstrapAdmin(store); err != nil {
			return err
		}
	}

	srv, err := server.New(cfg, store)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// An admin shutdown command stops everything else.
		select {
		case <-ctx.Done():
		case <-srv.ShutdownRequested():
			cancel()
		}
		return nil
	})
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error { return srv.Sessions().RunGenerator(ctx) })
	g.Go(func() error {
		period := time.Duration(cfg.SessionExpirationDelay) * time.Second
		return srv.Sessions().RunSweeper(ctx, period)
	})
	if cfg.MetricsAddress != "" {
		g.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddress) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if cfg.UpdateSettings && file != "" {
		touched := srv.Settings().TouchedValues()
		if len(touched) > 0 {
			if err := config.WriteBack(file, touched); err != nil {
				logger.Error("settings write-back failed", "error", err)
				return err
			}
			logger.Info("settings written back to config file", "file", file, "count", len(touched))
		}
	}
	logger.Info("server shut down")
	return nil
}

// startOverrides collects the flags the user actually set.
func startOverrides(cmd *cobra.Command) config.Overrides {
	var ov config.Overrides
	if cmd.Flags().Changed("port") {
		ov.Port = &startPort
	}
	if cmd.Flags().Changed("host") {
		ov.Host = &startHost
	}
	if cmd.Flags().Changed("path") {
		ov.Path = &startPath
	}
	if cmd.Flags().Changed("name") {
		ov.Name = &startName
	}
	if cmd.Flags().Changed("users") {
		ov.UsersFile = &startUsersFile
	}
	if cmd.Flags().Changed("logfile") {
		ov.LogFile = &startLogFile
	}
	if cmd.Flags().Changed("level") {
		ov.Level = &startLevel
	}
	return ov
}

// bootstrapAdmin interactively creates the first admin account when the
// users file is empty. Without a terminal the server still starts, but no
// one can log in until an account is created with the user tool.
func bootstrapAdmin(store *users.Store) error {
	if !stdinIsTerminal() {
		logger.Warn("users file is empty; create an admin account with 'cshs user add'")
		return nil
	}

	fmt.Println("The users file is empty. Create the first admin account.")
	username, err := promptLine("Username: ")
	if err != nil {
		return err
	}
	password, err := promptNewPassword()
	if err != nil {
		return err
	}
	if err := store.Create(username, password, users.PermAdmin); err != nil {
		return err
	}
	fmt.Printf("Admin account %q created.\n", username)
	return nil
}
