package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rzhang57/capture-sidecar/internal/config"
	"github.com/rzhang57/capture-sidecar/internal/logging"
	"github.com/rzhang57/capture-sidecar/internal/protocol"
	"github.com/rzhang57/capture-sidecar/internal/session"
)

var version = "1.0.0"

var cfgFile string

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "capture-sidecar",
	Short: "GPU screen/window capture encoding sidecar",
	Long:  `capture-sidecar drives GPU screen and window capture and an ffmpeg subprocess over a line-delimited JSON control channel on stdin/stdout.`,
	Run: func(cmd *cobra.Command, args []string) {
		runSidecar()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sidecar, serving the control channel on stdin/stdout",
	Run: func(cmd *cobra.Command, args []string) {
		runSidecar()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("capture-sidecar v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: platform config dir / capture-sidecar.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSidecar() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	log.Info("capture-sidecar starting", "version", version)

	supervisor := session.New(cfg)

	if err := protocol.Serve(os.Stdin, os.Stdout, supervisor); err != nil {
		log.Error("control channel loop exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("control channel closed, exiting")
}
