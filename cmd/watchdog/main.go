package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/watchdog"
)

var (
	flagConfigFilePath string
	flagDataDir        string
	flagControlAddr    string
	flagVerbose        bool
	flagNoReboot       bool

	flagPingPort     int
	flagPingInterval time.Duration
	flagPingPayload  string
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "settings.json", "Settings file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringVar(&flagDataDir, "data", "Data", "Directory for activity and diagnostic logs")
	runCmd.Flags().StringVar(&flagControlAddr, "http", watchdog.DefaultControlAddr, "Address of the metrics and control endpoints")
	runCmd.Flags().BoolVar(&flagNoReboot, "no-reboot", false, "Log reboot decisions instead of rebooting the host")

	pingCmd.Flags().IntVar(&flagPingPort, "port", 0, "Heartbeat port (defaults to the first port in the settings file)")
	pingCmd.Flags().DurationVar(&flagPingInterval, "interval", 0, "Repeat every interval until interrupted; send once when zero")
	pingCmd.Flags().StringVar(&flagPingPayload, "payload", "alive", "Heartbeat payload")

	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("watchdog failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "watchdog",
	Short:        "Supervise one process through a UDP heartbeat",
	SilenceUsage: true,
	RunE:         doRun,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start supervising the configured process",
	RunE:  doRun,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "send heartbeats to a running watchdog",
	RunE:  doPing,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("watchdog: version info not available")
			return
		}
		fmt.Printf("watchdog: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			}
		}
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	if err := watchdog.SetupLogging(filepath.Join(flagDataDir, "watchdog.log"), flagVerbose); err != nil {
		return err
	}
	lock, err := watchdog.AcquireInstanceLock(filepath.Join(flagDataDir, "watchdog.lock"))
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	activity, err := watchdog.NewFileActivity(flagDataDir)
	if err != nil {
		return err
	}
	defer activity.Close()

	store, err := watchdog.LoadConfigStore(flagConfigFilePath, activity)
	if err != nil {
		return err
	}

	childLog := &lumberjack.Logger{
		Filename:   filepath.Join(flagDataDir, "child.log"),
		MaxSize:    10,
		MaxBackups: 3,
		Compress:   true,
	}
	defer childLog.Close()

	opts := []watchdog.Option{
		watchdog.WithLauncher(watchdog.ExecLauncher{Output: childLog}),
	}
	if flagNoReboot {
		opts = append(opts, watchdog.WithRebooter(watchdog.LogRebooter{}))
	}
	sup := watchdog.New(store, activity, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })
	g.Go(func() error { return store.Watch(ctx) })
	g.Go(func() error {
		return watchdog.ServeControl(ctx, flagControlAddr, watchdog.ControlHandler(sup, activity.Recent))
	})
	g.Go(func() error { return restartOnHangup(ctx, sup) })
	return g.Wait()
}

// restartOnHangup restarts the supervised process on SIGHUP.
func restartOnHangup(ctx context.Context, sup *watchdog.Supervisor) error {
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGHUP)
	defer signal.Stop(sigC)
	for {
		select {
		case <-sigC:
			slog.Info("SIGHUP received, restarting child")
			if err := sup.Restart(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Restart failed", slog.String("err", err.Error()))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func doPing(cmd *cobra.Command, args []string) error {
	port := flagPingPort
	if port == 0 {
		store, err := watchdog.LoadConfigStore(flagConfigFilePath, discardActivity{})
		if err != nil {
			return err
		}
		port = store.Snapshot().ListenPort()
	}
	addr := net.JoinHostPort("localhost", strconv.Itoa(port))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if flagPingInterval <= 0 {
		return watchdog.SendHeartbeat(ctx, addr, flagPingPayload)
	}
	ticker := time.NewTicker(flagPingInterval)
	defer ticker.Stop()
	for {
		if err := watchdog.SendHeartbeat(ctx, addr, flagPingPayload); err != nil {
			slog.Warn("Heartbeat not sent", slog.String("addr", addr), slog.String("err", err.Error()))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

type discardActivity struct{}

func (discardActivity) Add(string) {}
