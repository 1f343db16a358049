// Package util provides utility functions for the CampaignPipe application.
package util

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateCampaignID returns a time-ordered campaign identifier such as
// "cmp_lq3k2x9a_4f1c9b". Collisions require the same millisecond and the same
// 24 random bits.
func GenerateCampaignID(now time.Time) string {
	return "cmp_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + GenerateRandomHex(6)
}

// GenerateRequestID returns a UUIDv4 string identifying one turn.
func GenerateRequestID() string {
	return uuid.NewString()
}

// GenerateSessionID returns a storage identifier for a workflow session.
func GenerateSessionID() string {
	return "ws_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateConversationID returns a client-facing conversation identifier.
func GenerateConversationID() string {
	return "conv_" + GenerateRandomHex(24)
}
