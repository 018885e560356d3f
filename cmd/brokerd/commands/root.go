package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/openfroyo/broker/pkg/config"
)

// defaultConfigPath is read when neither --config nor BROKER_CONFIG is set.
const defaultConfigPath = "/etc/broker/brokerd.yaml"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	actor      string
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", b.Version, b.Commit, b.Date)
}

// Execute runs the root command
func Execute(ctx context.Context, build BuildInfo) error {
	rootCmd := newRootCommand(build)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(build BuildInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "brokerd",
		Short: "Cloud resource broker",
		Long: `brokerd admits resource orders against policy and quota, drives the
resources they describe through their lifecycle on the configured backends,
and meters their usage.

Backends:
  - Hetzner Cloud servers
  - Kubernetes namespaces
  - Slurm accounts
  - In-memory fakes for development`,
		Version:       build.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $BROKER_CONFIG or "+defaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "identity recorded on orders and transitions")

	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newTerminateCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newRejectCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newQuotaCommand())
	rootCmd.AddCommand(newUsageCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "brokerd"
}

// resolveConfigPath returns the config file to read and whether it was
// named explicitly.
func resolveConfigPath() (string, bool) {
	if configPath != "" {
		return configPath, true
	}
	if p, ok := os.LookupEnv("BROKER_CONFIG"); ok && p != "" {
		return p, true
	}
	return defaultConfigPath, false
}

// loadConfig reads the config file. A missing default file yields the
// built-in defaults so local use needs no file.
func loadConfig() (*config.Config, string, error) {
	path, explicit := resolveConfigPath()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Parse(nil)
		return cfg, "", err
	}
	return nil, "", err
}
