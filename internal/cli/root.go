package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Only-tech/agglo-transcribe/internal/config"
)

const (
	serviceName    = "agglo-transcribe"
	serviceVersion = "1.0.0"
)

// Dependencies are resolved once per invocation, before any subcommand runs
type Dependencies struct {
	ConfigPath string
	Config     *config.Config
	Logger     *slog.Logger

	logCloser io.Closer
}

// NewRootCmd builds the command tree
func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "agglo",
		Short:         "Collaborative live meeting transcription",
		Long:          "Records meeting audio in overlapping windows, transcribes it and keeps every participant's transcript in sync.",
		Version:       serviceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(deps.ConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			deps.Config = cfg
			deps.Logger, deps.logCloser = initLogger(cfg.Logging)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if deps.logCloser != nil {
				deps.logCloser.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&deps.ConfigPath, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewUploadCmd(deps))
	rootCmd.AddCommand(NewFollowCmd(deps))
	rootCmd.AddCommand(NewDevicesCmd(deps))

	return rootCmd
}
