package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/GalleryDrop/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gallerydrop: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gallerydrop",
		Short: "GalleryDrop development CLI",
		Long: `GalleryDrop CLI decodes upload bodies offline, renders image derivatives,
inspects sharded storage paths, and runs the tests and binaries directly.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newDecodeCmd(),
		newDeriveCmd(),
		newShardCmd(),
		newTestCmd(),
		newRunCmd(),
	)
	return cmd
}

// loadConfig reads the shared configuration and installs its logger, which
// always writes to stderr so command output stays machine readable.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newTestCmd() *cobra.Command {
	var (
		race    bool
		cover   bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run Go tests (defaults to ./...) with the local config file ignored",
		RunE: func(cmd *cobra.Command, args []string) error {
			goArgs := []string{"test"}
			if race {
				goArgs = append(goArgs, "-race")
			}
			if cover {
				goArgs = append(goArgs, "-cover")
			}
			if verbose {
				goArgs = append(goArgs, "-v")
			}
			if len(args) == 0 {
				args = []string{"./..."}
			}
			// Tests build their own configuration; a developer's file must not
			// leak into them.
			env := []string{config.EnvConfigFile + "=", "GALLERYDROP_LOG_LEVEL=error"}
			return runCommand(cmd.Context(), env, "go", append(goArgs, args...)...)
		},
	}
	cmd.Flags().BoolVar(&race, "race", false, "Enable Go race detector")
	cmd.Flags().BoolVar(&cover, "cover", false, "Collect coverage data")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every test as it runs")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		configFile string
		uploadRoot string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the GalleryDrop binaries directly",
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file passed to the binary")
	cmd.PersistentFlags().StringVar(&uploadRoot, "upload-root", "", "Override the upload root")

	binary := func(name, path string) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: fmt.Sprintf("go run %s", path),
			RunE: func(cmd *cobra.Command, args []string) error {
				var env []string
				if configFile != "" {
					env = append(env, config.EnvConfigFile+"="+configFile)
				}
				if uploadRoot != "" {
					env = append(env, "GALLERYDROP_UPLOAD_ROOT="+uploadRoot)
				}
				return runCommand(cmd.Context(), env, "go", append([]string{"run", path}, args...)...)
			},
		}
	}
	cmd.AddCommand(
		binary("server", "./cmd/server"),
		binary("api", "./cmd/api"),
		binary("worker", "./cmd/worker"),
	)
	return cmd
}

// runCommand runs name with the terminal attached. env entries override the
// inherited environment.
func runCommand(ctx context.Context, env []string, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Env = append(os.Environ(), env...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
