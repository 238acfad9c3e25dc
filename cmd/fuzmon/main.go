// fuzmon — always-on process profiler and forensic recorder for Linux.
//
// Samples resident processes from /proc, captures native and Python stacks
// of busy ones with ptrace, detects file-descriptor transitions, and writes
// a structured per-PID log that the report subcommand turns into HTML.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baikal/fuzmon/internal/config"
	"github.com/baikal/fuzmon/internal/logfile"
	"github.com/baikal/fuzmon/internal/logging"
	mcpserver "github.com/baikal/fuzmon/internal/mcp"
	"github.com/baikal/fuzmon/internal/procfs"
	"github.com/baikal/fuzmon/internal/report"
	"github.com/baikal/fuzmon/internal/sampler"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fuzmon",
		Short: "Low-overhead process profiler and forensic recorder",
		Long: `fuzmon — always-on Linux process monitor.

Periodically samples processes via /proc, records CPU and memory usage,
file-descriptor open/close events, and (for busy processes) per-thread
native and Python stack traces to per-PID log files. The report
subcommand renders those logs into an HTML report with time-series
graphs and a Chrome-trace flame view.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd(), newDumpCmd(), newReportCmd(), newMCPCmd())

	if len(os.Args) < 2 {
		_ = rootCmd.Help()
		return
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file when given, reporting fatal parse
// failures on stdout the way run-scripts expect.
func loadConfig(path string, logger *zap.Logger) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Println(err)
		logger.Error("config load failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	var (
		pid        int
		configPath string
		targetUser string
		output     string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "run [-p PID] [-c CONFIG] [--target-user USER] [-o DIR] [-v] [-- CMD ARGS...]",
		Short: "Run the monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.Setup(verbose)
			defer func() { _ = logger.Sync() }()

			cfg, err := loadConfig(configPath, logger)
			if err != nil {
				return err
			}
			cfg.MergeFlags(targetUser, output)
			cfg.Finalize()

			return runMonitor(cfg, uint32(pid), args, verbose, logger)
		},
	}

	cmd.Flags().IntVarP(&pid, "pid", "p", 0, "PID to trace")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&targetUser, "target-user", "", "User name filter")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory for logs")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func runMonitor(cfg *config.Config, pid uint32, command []string, verbose bool, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.Output.Path, 0o755); err != nil {
		logger.Warn("failed to create output directory",
			zap.String("path", cfg.Output.Path), zap.Error(err))
	}

	var targetUID *uint32
	if name := cfg.Filter.TargetUser; name != "" {
		if uid, ok := config.UIDForUser(name); ok {
			targetUID = &uid
		} else {
			logger.Warn("unknown user", zap.String("user", name))
		}
	}

	interval := 200 * time.Millisecond
	if cfg.Monitor.IntervalSec > 0 {
		interval = time.Duration(cfg.Monitor.IntervalSec) * time.Second
	}

	opts := sampler.Options{
		Interval:                      interval,
		TargetPID:                     pid,
		TargetUID:                     targetUID,
		IgnorePatterns:                cfg.CompileIgnores(logger),
		RecordCPUPercentThreshold:     cfg.Monitor.RecordCPUTimePercentThreshold,
		StacktraceCPUPercentThreshold: *cfg.Monitor.StacktraceCPUTimePercentThreshold,
		Verbose:                       verbose,
	}

	proc := procfs.New()
	format := logfile.ParseFormat(cfg.Output.Format, *cfg.Output.Compress)
	sink := logfile.NewWriter(cfg.Output.Path, format, logger)
	s := sampler.New(proc, sink, opts, logger)

	if pid == 0 && len(command) > 0 {
		if err := s.Spawn(command); err != nil {
			fmt.Println(err)
			logger.Error("spawn failed", zap.Error(err))
			return err
		}
	} else if pid != 0 && !proc.Exists(pid) {
		msg := fmt.Sprintf("pid %d not found", pid)
		fmt.Println(msg)
		logger.Warn(msg)
		return fmt.Errorf("%s", msg)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("SIGINT received, shutting down")
		s.Terminate()
	}()

	s.Run()
	return nil
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump PATH",
		Short: "Dump logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logfile.Dump(args[0], os.Stdout, os.Stderr); err != nil {
				fmt.Println(err)
				return err
			}
			return nil
		},
	}
}

func newReportCmd() *cobra.Command {
	var (
		configPath string
		outDir     string
	)

	cmd := &cobra.Command{
		Use:   "report [-c CONFIG] [-o OUTDIR] PATH",
		Short: "Render an HTML report from recorded logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.Setup(false)
			defer func() { _ = logger.Sync() }()

			cfg, err := loadConfig(configPath, logger)
			if err != nil {
				return err
			}
			cfg.Finalize()

			input := args[0]
			out := outDir
			if out == "" {
				base := filepath.Base(input)
				out = strings.TrimSuffix(base, filepath.Ext(base))
				if out == "" || out == "." {
					out = "report"
				}
			}

			r := report.NewRenderer(cfg.Report, out, logger)
			if err := r.Generate(input); err != nil {
				fmt.Println(err)
				logger.Error("report failed", zap.Error(err))
				return err
			}
			fmt.Println(out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "Output directory for the report")
	return cmd
}

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp [-c CONFIG]",
		Short: "Serve recorded logs over the Model Context Protocol (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.Setup(false)
			defer func() { _ = logger.Sync() }()

			cfg, err := loadConfig(configPath, logger)
			if err != nil {
				return err
			}
			cfg.Finalize()

			srv := mcpserver.NewServer(version, cfg.Output.Path)
			return srv.Start(context.Background())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
