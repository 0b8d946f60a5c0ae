/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roomlive/roomlive-go-sdk/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <room-id>",
	Short: "Mint a room-access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey := viper.GetString("api-key")
		apiSecret := viper.GetString("api-secret")
		user := viper.GetString("user")
		if apiKey == "" || apiSecret == "" {
			return errors.New("--api-key and --api-secret are required")
		}
		if user == "" {
			return errors.New("--user is required")
		}

		validity, _ := cmd.Flags().GetDuration("valid-for")
		record, _ := cmd.Flags().GetBool("record")

		token, err := auth.NewAccessToken(apiKey, apiSecret).
			SetIdentity(user).
			SetValidFor(validity).
			SetGrant(&auth.RoomGrant{
				RoomID:    args[0],
				Publish:   true,
				Subscribe: true,
				Record:    record,
			}).
			ToJWT()
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("valid-for", 6*time.Hour, "token lifetime")
	tokenCmd.Flags().Bool("record", false, "grant recording permission")
	rootCmd.AddCommand(tokenCmd)
}
