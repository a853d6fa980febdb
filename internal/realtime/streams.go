package realtime

import (
	"errors"
	"strings"
)

// Named realtime streams.
const (
	StreamNotifications = "notifications"
	StreamUnreadCount   = "unread_count"
	StreamODRequests    = "od_requests"
)

var errUnknownStream = errors.New("unknown stream")

// DefaultStreams is used when a client names none.
var DefaultStreams = []string{StreamNotifications, StreamUnreadCount, StreamODRequests}

// KnownStream reports whether stream can be subscribed to.
func KnownStream(stream string) bool {
	switch normalizeStream(stream) {
	case StreamNotifications, StreamUnreadCount, StreamODRequests:
		return true
	}
	return false
}

// UniqueStreams normalises names and drops blanks and duplicates, keeping order.
func UniqueStreams(streams []string) []string {
	seen := make(map[string]struct{}, len(streams))
	var out []string
	for _, stream := range streams {
		stream = normalizeStream(stream)
		if stream == "" {
			continue
		}
		if _, ok := seen[stream]; ok {
			continue
		}
		seen[stream] = struct{}{}
		out = append(out, stream)
	}
	return out
}

func normalizeStream(stream string) string {
	return strings.ToLower(strings.TrimSpace(stream))
}
