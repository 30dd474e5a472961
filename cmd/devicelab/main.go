package main

import (
	"os"

	envload "github.com/httprunner/DeviceLab/internal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devicelab",
	Short: "Run tests against a shared pool of adb devices",
	Long: `devicelab allocates devices from the local adb server, runs configured
test commands against them with recovery-aware retries, and reports results to
the local journal and optional Feishu dashboards.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newRunCmd(),
		newDevicesCmd(),
	)
	_ = envload.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("devicelab command failed")
	}
}
