package agentclient

import (
	"regexp"
	"strconv"
	"time"
)

// The agent vendor reports usage limits inline in streamed text as
// "usage limit reached|<epoch>". The epoch shows up both in seconds and
// in milliseconds depending on the client version.
var usageLimitRegex = regexp.MustCompile(`usage limit reached\|(\d+)`)

// millisThreshold separates second from millisecond epochs. Any value
// this large cannot be a plausible seconds timestamp.
const millisThreshold = 1e12

// DetectRateLimit scans streamed agent output for the vendor's usage
// limit marker and returns the normalized reset time.
func DetectRateLimit(text string) (time.Time, bool) {
	matches := usageLimitRegex.FindStringSubmatch(text)
	if matches == nil {
		return time.Time{}, false
	}

	epoch, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	if epoch >= millisThreshold {
		return time.UnixMilli(epoch), true
	}
	return time.Unix(epoch, 0), true
}
