/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package cmd

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "roomlive-cli",
	Short: "Command-line client for RoomLive audio/video rooms",
	Long: `roomlive-cli exercises the RoomLive Go SDK from a terminal: mint
room-access tokens, join rooms, and watch signaling and session events as
they happen.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("server", "ws://localhost:8080/ws", "signaling server websocket URL")
	rootCmd.PersistentFlags().String("user", "", "local user identity")
	rootCmd.PersistentFlags().String("api-key", "", "API key for token operations")
	rootCmd.PersistentFlags().String("api-secret", "", "API secret for token operations")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	viper.SetEnvPrefix("roomlive")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

// newLogger builds the console logger used by every subcommand.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
