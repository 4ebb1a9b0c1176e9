package domain

import (
	"strings"
	"time"
)

// Feeds disagree on timestamp layouts; these cover ThreatFox, TweetFeed,
// URLhaus and OTX.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses a feed timestamp into UTC. Empty or unparseable input
// yields nil: a bad date never fails the whole record.
func ParseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
