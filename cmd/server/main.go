package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/encoder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw/sim"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/logger"
)

var version = "dev"

var (
	configPath string
	logLevel   string
	frameLimit uint64
)

var rootCmd = &cobra.Command{
	Use:           "hwencoder",
	Short:         "H.264 hardware encoder control plane",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Encode the test source and serve the control API, WebRTC and metrics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("frames") {
			cfg.Source.Frames = frameLimit
		}

		if err := os.MkdirAll(cfg.Output.RecordPath, 0755); err != nil {
			return fmt.Errorf("failed to create recordings directory: %w", err)
		}

		srv, err := NewServer(cfg)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		select {
		case <-ctx.Done():
			logger.Info("Main", "Shutting down...")
		case <-srv.Done():
			logger.Info("Main", "Source finished, shutting down...")
		}

		if err := srv.Shutdown(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		logger.Info("Main", "Server stopped")
		return nil
	},
}

var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "Print the device capabilities and the configuration the encoder would use",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dev, err := sim.New(cfg.Device)
		if err != nil {
			return err
		}
		d, err := encoder.NewController(dev).Resolve(cfg.Encoder, false)
		if err != nil {
			return err
		}

		caps := dev.Caps()
		snap := d.Snapshot
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "device\t%s\n", caps.Name)
		fmt.Fprintf(w, "profiles\t%v\n", caps.Profiles)
		fmt.Fprintf(w, "levels\t%s .. %s\n", caps.MinLevel, caps.MaxLevel)
		fmt.Fprintf(w, "max L0 references\t%d\n", caps.MaxL0ReferencesForP)
		fmt.Fprintf(w, "max DPB capacity\t%d\n", caps.MaxDPBCapacity)
		fmt.Fprintf(w, "max resolution\t%dx%d\n", caps.MaxWidth, caps.MaxHeight)
		fmt.Fprintln(w)
		fmt.Fprintf(w, "profile / level\t%s / %s\n", snap.Profile, snap.Level)
		fmt.Fprintf(w, "resolution\t%dx%d @ %d/%d\n", snap.Width, snap.Height, snap.FpsN, snap.FpsD)
		fmt.Fprintf(w, "gop\tlength=%d p_period=%d log2_max_frame_num=%d\n",
			snap.Gop.GOPLength, snap.Gop.PPicturePeriod, snap.Gop.Log2MaxFrameNumMinus4+4)
		fmt.Fprintf(w, "reference frames\t%d\n", snap.RefFrames)
		fmt.Fprintf(w, "rate control\t%s %+v\n", snap.RateControl.Mode(), snap.RateControl)
		fmt.Fprintf(w, "rate control flags\t%s\n", snap.RCFlags)
		fmt.Fprintf(w, "slices\t%s value=%d\n", snap.Layout.Mode, snap.Layout.Value)
		fmt.Fprintf(w, "support\t%s\n", snap.Support)
		return w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "hwencoder %s\n", resolveVersion())
		return nil
	},
	DisableFlagsInUseLine: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error, silent)")
	runCmd.Flags().Uint64Var(&frameLimit, "frames", 0, "Stop after encoding this many frames (0 = run until interrupted)")

	rootCmd.AddCommand(runCmd, capsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// loadConfig reads the config file and initializes the logger from it
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := logger.Setup(cfg.Log.Level, os.Stderr, cfg.Log.Color); err != nil {
		return cfg, err
	}
	logger.Debug("Main", "Log level: %s", logger.GetLevel())
	return cfg, nil
}

func resolveVersion() string {
	if version != "" && version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}
