/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sdptransform

import (
	"fmt"
	"regexp"
	"strings"
)

// Package sdptransform rewrites session descriptions before they are handed
// to the media engine: codec preference ordering, start-bitrate injection,
// and extmap-allow-mixed patching. All functions are pure string transforms
// over CRLF-delimited SDP and are safe for concurrent use.

const lineDelimiter = "\r\n"

// splitSDP breaks an SDP blob into lines. A single trailing delimiter is
// removed here and restored exactly once by joinSDP, so transforms that
// rebuild the description stay round-trip safe.
func splitSDP(sdp string) []string {
	trimmed := strings.TrimSuffix(sdp, lineDelimiter)
	return strings.Split(trimmed, lineDelimiter)
}

// joinSDP reassembles lines into an SDP blob with the trailing delimiter.
func joinSDP(lines []string) string {
	return strings.Join(lines, lineDelimiter) + lineDelimiter
}

// rtpmapPattern matches an a=rtpmap line for the given encoding name and
// captures the payload type.
func rtpmapPattern(codec string) *regexp.Regexp {
	return regexp.MustCompile(`^a=rtpmap:(\d+) ` + regexp.QuoteMeta(codec) + `(/\d+)+`)
}

// PreferCodec moves all payload types whose encoding name matches codec to
// the front of the matching m= line, preserving the relative order of the
// remaining payload types. The audio flag selects the m=audio section;
// otherwise m=video is rewritten.
//
// Codec absence is policy, not error: when no a=rtpmap line matches, the
// input is returned unchanged. A malformed m= line (three tokens or fewer)
// also returns the input unchanged.
func PreferCodec(sdp, codec string, audio bool) string {
	lines := splitSDP(sdp)

	mediaType := "m=video"
	if audio {
		mediaType = "m=audio"
	}

	mLineIndex := -1
	for i, line := range lines {
		if strings.HasPrefix(line, mediaType) {
			mLineIndex = i
			break
		}
	}
	if mLineIndex == -1 {
		return sdp
	}

	// Collect every payload type advertising the codec, in declaration order.
	pattern := rtpmapPattern(codec)
	var payloadTypes []string
	for _, line := range lines {
		if m := pattern.FindStringSubmatch(line); m != nil {
			payloadTypes = append(payloadTypes, m[1])
		}
	}
	if len(payloadTypes) == 0 {
		return sdp
	}

	reordered, ok := movePayloadTypesToFront(lines[mLineIndex], payloadTypes)
	if !ok {
		return sdp
	}
	lines[mLineIndex] = reordered
	return joinSDP(lines)
}

// movePayloadTypesToFront rewrites an m= line so the preferred payload
// types come first. The first three tokens (media, port, protocol) are the
// header and stay in place. Returns false for malformed lines.
func movePayloadTypesToFront(mLine string, preferred []string) (string, bool) {
	parts := strings.Fields(mLine)
	if len(parts) <= 3 {
		return "", false
	}

	header := parts[:3]
	existing := parts[3:]

	preferredSet := make(map[string]bool, len(preferred))
	for _, pt := range preferred {
		preferredSet[pt] = true
	}

	front := make([]string, 0, len(existing))
	rest := make([]string, 0, len(existing))
	for _, pt := range existing {
		if preferredSet[pt] {
			front = append(front, pt)
		} else {
			rest = append(rest, pt)
		}
	}

	merged := append(append(append([]string{}, header...), front...), rest...)
	return strings.Join(merged, " "), true
}

// SetStartBitrate injects the target bitrate for codec into its a=fmtp
// line. Video codecs get x-google-start-bitrate in kbps; audio codecs get
// maxaveragebitrate in bps. When the codec has an a=fmtp line the parameter
// is appended to it; otherwise a new a=fmtp line is inserted immediately
// after the codec's a=rtpmap line. When no a=rtpmap matches, or the
// parameter is already present, the input is returned unchanged.
func SetStartBitrate(codec string, video bool, sdp string, bitrateKbps int) string {
	lines := splitSDP(sdp)

	param := fmt.Sprintf("maxaveragebitrate=%d", bitrateKbps*1000)
	if video {
		param = fmt.Sprintf("x-google-start-bitrate=%d", bitrateKbps)
	}
	paramKey := "maxaveragebitrate"
	if video {
		paramKey = "x-google-start-bitrate"
	}

	pattern := rtpmapPattern(codec)
	rtpmapIndex := -1
	payloadType := ""
	for i, line := range lines {
		if m := pattern.FindStringSubmatch(line); m != nil {
			rtpmapIndex = i
			payloadType = m[1]
			break
		}
	}
	if rtpmapIndex == -1 {
		return sdp
	}

	fmtpPrefix := "a=fmtp:" + payloadType + " "
	for i, line := range lines {
		if !strings.HasPrefix(line, fmtpPrefix) {
			continue
		}
		if strings.Contains(line, paramKey) {
			// Already applied; re-running the transform is a no-op.
			return sdp
		}
		lines[i] = line + ";" + param
		return joinSDP(lines)
	}

	// No fmtp line for this payload type yet; insert one after the rtpmap.
	inserted := make([]string, 0, len(lines)+1)
	inserted = append(inserted, lines[:rtpmapIndex+1]...)
	inserted = append(inserted, fmtpPrefix+param)
	inserted = append(inserted, lines[rtpmapIndex+1:]...)
	return joinSDP(inserted)
}

// EnsureExtmapAllowMixed makes sure the session carries the
// a=extmap-allow-mixed attribute. Engines that negotiate one- and two-byte
// RTP header extensions in the same session require it. The attribute is
// inserted immediately before the last a=group line when one exists, and
// appended at the end otherwise. Present attributes are left alone.
func EnsureExtmapAllowMixed(sdp string) string {
	lines := splitSDP(sdp)

	lastGroup := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "a=extmap-allow-mixed") {
			return sdp
		}
		if strings.HasPrefix(line, "a=group") {
			lastGroup = i
		}
	}

	if lastGroup == -1 {
		return joinSDP(append(lines, "a=extmap-allow-mixed"))
	}

	inserted := make([]string, 0, len(lines)+1)
	inserted = append(inserted, lines[:lastGroup]...)
	inserted = append(inserted, "a=extmap-allow-mixed")
	inserted = append(inserted, lines[lastGroup:]...)
	return joinSDP(inserted)
}
