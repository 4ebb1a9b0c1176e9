package domain

import (
	"encoding/json"
	"time"
)

const formatTimeLayout = "2006-01-02 15:04:05"

type formattedIoC struct {
	ID             string            `json:"id,omitempty"`
	Source         string            `json:"source"`
	FirstSeen      string            `json:"first_seen,omitempty"`
	LastSeen       string            `json:"last_seen,omitempty"`
	Type           IOCType           `json:"type"`
	Value          string            `json:"value"`
	Tags           []string          `json:"tags,omitempty"`
	AdditionalData map[string]string `json:"additional_data,omitempty"`
}

// Format renders a human-readable, indented view of the record for logs.
func Format(ioc IoC) string {
	view := formattedIoC{
		ID:             ioc.ID,
		Source:         ioc.Source,
		FirstSeen:      formatTime(ioc.FirstSeen),
		LastSeen:       formatTime(ioc.LastSeen),
		Type:           ioc.Type,
		Value:          ioc.Value,
		Tags:           ioc.Tags,
		AdditionalData: ioc.AdditionalData,
	}

	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return ioc.DedupKey()
	}
	return string(data)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(formatTimeLayout)
}
