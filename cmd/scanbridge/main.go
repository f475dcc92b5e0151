package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/scanbridge/internal/driver"
	"github.com/CZERTAINLY/scanbridge/internal/driver/sim"
	"github.com/CZERTAINLY/scanbridge/internal/log"
	"github.com/CZERTAINLY/scanbridge/internal/model"
	"github.com/CZERTAINLY/scanbridge/internal/pool"
	"github.com/CZERTAINLY/scanbridge/internal/worker"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const envConfig = "SCANBRIDGECONFIG"

var (
	userConfigPath string // /default/config/path/scanbridge on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "scanbridge")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is scanbridge.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initScanbridge

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workerCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("scanbridge failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scanbridge",
	Short:        "Runs document scans in-process, in isolated worker processes or on a remote scan server",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a scanbridge",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("scanbridge: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("scanbridge: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

// workerCmd is what the pool starts. It must not touch the config file, the
// pool hands everything over the ipc Init call.
var workerCmd = &cobra.Command{
	Use:    pool.WorkerCommand + " <parent-pid>",
	Short:  "internal command",
	// worker.Run validates the arguments, a cobra error would not produce
	// the startup token the pool waits for
	Args:   cobra.ArbitraryArgs,
	Hidden: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		// stdout carries the startup token, logs go to stderr which the
		// pool forwards
		slog.SetDefault(log.New(os.Stderr, flagVerbose))
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := worker.Run(cmd.Context(), registry(), args, os.Stdout); err != nil {
			slog.Error("worker failed", "err", err)
			os.Exit(1)
		}
	},
}

// registry lists the drivers compiled into this binary.
func registry() *driver.Registry {
	r := driver.NewRegistry()
	sim.Register(r)
	return r
}

func initScanbridge(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv(envConfig); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "scanbridge.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "scanbridge.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}
	slog.SetDefault(log.New(os.Stderr, config.Service.Verbose))

	slog.Debug("scanbridge run", "configPath", configPath)
	slog.Debug("scanbridge run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
