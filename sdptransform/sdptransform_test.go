/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sdptransform

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
)

// sampleSDP is a trimmed-down offer in the shape the engine produces:
// BUNDLE group, one audio section with opus/ISAC, one video section with
// VP8/rtx/H264.
const sampleSDP = "v=0\r\n" +
	"o=- 923069 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0 1\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 103 0 8\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtpmap:103 ISAC/16000\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97 98\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:97 rtx/90000\r\n" +
	"a=fmtp:97 apt=96\r\n" +
	"a=rtpmap:98 H264/90000\r\n"

func mLine(t *testing.T, sdp, mediaType string) string {
	t.Helper()
	for _, line := range strings.Split(sdp, "\r\n") {
		if strings.HasPrefix(line, "m="+mediaType) {
			return line
		}
	}
	t.Fatalf("no m=%s line in SDP", mediaType)
	return ""
}

func parseOK(t *testing.T, raw string) {
	t.Helper()
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		t.Fatalf("transformed SDP no longer parses: %v", err)
	}
}

func TestPreferCodec(t *testing.T) {
	t.Run("moves matching payload type to front", func(t *testing.T) {
		out := PreferCodec(sampleSDP, "H264", false)
		got := mLine(t, out, "video")
		want := "m=video 9 UDP/TLS/RTP/SAVPF 98 96 97"
		if got != want {
			t.Errorf("m=video line = %q, want %q", got, want)
		}
		parseOK(t, out)
	})

	t.Run("audio flag selects the audio section", func(t *testing.T) {
		out := PreferCodec(sampleSDP, "ISAC", true)
		got := mLine(t, out, "audio")
		want := "m=audio 9 UDP/TLS/RTP/SAVPF 103 111 0 8"
		if got != want {
			t.Errorf("m=audio line = %q, want %q", got, want)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		once := PreferCodec(sampleSDP, "H264", false)
		twice := PreferCodec(once, "H264", false)
		if once != twice {
			t.Error("applying PreferCodec twice changed the output")
		}
	})

	t.Run("unknown codec returns input unchanged", func(t *testing.T) {
		if out := PreferCodec(sampleSDP, "AV1", false); out != sampleSDP {
			t.Error("expected unchanged SDP for absent codec")
		}
	})

	t.Run("missing media section returns input unchanged", func(t *testing.T) {
		audioOnly := strings.Split(sampleSDP, "m=video")[0]
		if out := PreferCodec(audioOnly, "VP8", false); out != audioOnly {
			t.Error("expected unchanged SDP when m=video is absent")
		}
	})

	t.Run("malformed m= line returns input byte-for-byte", func(t *testing.T) {
		malformed := strings.Replace(sampleSDP,
			"m=video 9 UDP/TLS/RTP/SAVPF 96 97 98",
			"m=video 9 UDP/TLS/RTP/SAVPF", 1)
		if out := PreferCodec(malformed, "H264", false); out != malformed {
			t.Error("expected byte-for-byte unchanged SDP for malformed m= line")
		}
	})
}

func TestSetStartBitrate(t *testing.T) {
	t.Run("appends to existing fmtp line for audio", func(t *testing.T) {
		out := SetStartBitrate("opus", false, sampleSDP, 32)
		want := "a=fmtp:111 minptime=10;useinbandfec=1;maxaveragebitrate=32000"
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output", want)
		}
		parseOK(t, out)
	})

	t.Run("inserts new fmtp line after rtpmap for video", func(t *testing.T) {
		out := SetStartBitrate("VP8", true, sampleSDP, 800)
		lines := strings.Split(out, "\r\n")
		for i, line := range lines {
			if line == "a=rtpmap:96 VP8/90000" {
				if lines[i+1] != "a=fmtp:96 x-google-start-bitrate=800" {
					t.Errorf("line after rtpmap = %q", lines[i+1])
				}
				return
			}
		}
		t.Fatal("rtpmap line for VP8 not found")
	})

	t.Run("never duplicates the fmtp line", func(t *testing.T) {
		once := SetStartBitrate("VP8", true, sampleSDP, 800)
		twice := SetStartBitrate("VP8", true, once, 800)
		if twice != once {
			t.Error("second application modified the SDP")
		}
		count := strings.Count(twice, "a=fmtp:96 ")
		if count != 1 {
			t.Errorf("expected exactly one a=fmtp:96 line, found %d", count)
		}
	})

	t.Run("unknown codec returns input unchanged", func(t *testing.T) {
		if out := SetStartBitrate("AV1", true, sampleSDP, 800); out != sampleSDP {
			t.Error("expected unchanged SDP for absent codec")
		}
	})
}

func TestEnsureExtmapAllowMixed(t *testing.T) {
	t.Run("inserts before the last group line", func(t *testing.T) {
		out := EnsureExtmapAllowMixed(sampleSDP)
		lines := strings.Split(out, "\r\n")
		for i, line := range lines {
			if line == "a=extmap-allow-mixed" {
				if !strings.HasPrefix(lines[i+1], "a=group") {
					t.Errorf("expected a=group after insertion, got %q", lines[i+1])
				}
				parseOK(t, out)
				return
			}
		}
		t.Fatal("a=extmap-allow-mixed not inserted")
	})

	t.Run("no-op when already present", func(t *testing.T) {
		once := EnsureExtmapAllowMixed(sampleSDP)
		if twice := EnsureExtmapAllowMixed(once); twice != once {
			t.Error("second application modified the SDP")
		}
	})

	t.Run("appends when no group line exists", func(t *testing.T) {
		noGroup := strings.Replace(sampleSDP, "a=group:BUNDLE 0 1\r\n", "", 1)
		out := EnsureExtmapAllowMixed(noGroup)
		if !strings.HasSuffix(out, "a=extmap-allow-mixed\r\n") {
			t.Error("expected attribute appended at the end")
		}
	})
}
