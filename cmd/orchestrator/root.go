package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/config"
	"github.com/t77yq/activity-orchestrator/internal/orchestrator"
	"github.com/t77yq/activity-orchestrator/internal/repository"
)

var (
	configPath string
	devLogging bool
	logger     = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "orchestrator",
	Short:         "Run and administer activities in a shared file repository",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if devLogging {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./config/orchestrator.yaml or ./orchestrator.yaml)")
	rootCmd.PersistentFlags().BoolVar(&devLogging, "dev", false, "Human readable debug logging")
}

// execute runs the selected command and returns the process exit code
func execute() int {
	err := rootCmd.Execute()
	_ = logger.Sync()

	code := orchestrator.ExitCode(err)
	if err != nil && code != orchestrator.ExitOK {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return code
}

// loadConfig reads the configuration, marking failures as configuration errors
func loadConfig() (*config.Manager, error) {
	mgr, err := config.Load(configPath, logger)
	if err != nil {
		return nil, &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
	}
	return mgr, nil
}

// openRepository opens the repository named by the configuration
func openRepository(cfg *config.Config) (*repository.Repository, error) {
	repo, err := repository.New(cfg.Repository.Root, cfg.WorkerID, logger)
	if err != nil {
		var ioErr *repository.IOError
		if errors.As(err, &ioErr) {
			return nil, &orchestrator.ExitError{Code: orchestrator.ExitRepository, Err: err}
		}
		return nil, &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
	}
	return repo, nil
}
