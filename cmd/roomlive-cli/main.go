/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import "github.com/roomlive/roomlive-go-sdk/cmd/roomlive-cli/cmd"

func main() {
	cmd.Execute()
}
