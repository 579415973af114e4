package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ghyeongl/backupsync/sync"
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "backupsync",
		Short: "Copies Home Assistant backups to an attached storage device",
		Long: `backupsync watches the Home Assistant backup directory for new
archives, copies each one to a mounted storage device, and prunes old
copies beyond the configured retention count.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	var flags *pflag.FlagSet = rootCmd.Flags()
	flags.StringVar(&configPath, "config", "/data/options.json", "path to the add-on options file")
	flags.StringVar(&logLevel, "log-level", "", "override the configured log level")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := sync.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	sync.InitLogger(cfg.LogDir(), cfg.LogLevel)

	db, err := sync.OpenDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	var notifier sync.Notifier = sync.NopNotifier{}
	var power sync.PowerController
	if cfg.NotifyService != "" || cfg.PowerSwitch != "" {
		client := sync.NewSupervisorClient(cfg.NotifyService)
		if cfg.NotifyService != "" {
			notifier = client
		}
		if cfg.PowerSwitch != "" {
			power = client
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon := sync.NewDaemon(cfg, db, sync.NewDeviceManager(cfg.MediaRoot, cfg.SystemDiskPrefixes), notifier, power)
	if err := daemon.Run(ctx); err != nil {
		if errors.Is(err, sync.ErrAlreadyLocked) {
			// Expected when a previous run is still going; not a failure.
			return nil
		}
		return err
	}
	return nil
}
