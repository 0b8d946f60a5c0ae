/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package cmd

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	roomlive "github.com/roomlive/roomlive-go-sdk"
	"github.com/roomlive/roomlive-go-sdk/session"
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room and stream events until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		server := viper.GetString("server")
		user := viper.GetString("user")
		token, _ := cmd.Flags().GetString("token")
		record, _ := cmd.Flags().GetString("record-file")
		if user == "" {
			return errors.New("--user is required")
		}
		if token == "" {
			return errors.New("--token is required")
		}

		cfg := roomlive.DefaultConfig()
		cfg.SignalingURL = server
		cfg.UserID = user
		cfg.Logger = logger

		client, err := roomlive.New(cfg)
		if err != nil {
			return err
		}
		defer client.Destroy()

		client.SetListener(func(ev roomlive.Event) {
			e := logger.Info().Str("event", string(ev.Type))
			if ev.UserID != "" {
				e = e.Str("user", ev.UserID)
			}
			if ev.RoomID != "" {
				e = e.Str("room", ev.RoomID)
			}
			if ev.Message != "" {
				e = e.Str("message", ev.Message)
			}
			if ev.Session != nil {
				e = e.Str("session", string(ev.Session.Type)).Str("role", string(ev.Session.Role))
				if ev.Session.Type == session.EventStats {
					e = e.Uint64("audio_sent", ev.Session.Stats.AudioBytesSent).
						Uint64("video_sent", ev.Session.Stats.VideoBytesSent)
				}
			}
			e.Msg("room event")
		})

		if record != "" {
			client.SetRecordFileName(record)
		}
		if err := client.Login(token); err != nil {
			return err
		}
		if err := client.EnterRoom(args[0]); err != nil {
			return err
		}
		logger.Info().Str("room", args[0]).Msg("joined; press Ctrl-C to leave")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		if err := client.LeaveRoom(); err != nil {
			logger.Warn().Err(err).Msg("leave room")
		}
		logger.Info().Msg("left room")
		return nil
	},
}

func init() {
	joinCmd.Flags().String("token", "", "room-access token (see the token command)")
	joinCmd.Flags().String("record-file", "", "request server-side recording to this file")
	rootCmd.AddCommand(joinCmd)
}
