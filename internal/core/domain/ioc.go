package domain

import (
	"errors"
	"time"
)

type IOCType string

const (
	IPAddress IOCType = "ip"
	CIDR      IOCType = "cidr"
	Domain    IOCType = "domain"
	FileHash  IOCType = "file_hash"
	URL       IOCType = "url"
)

// ErrInvalidIoC is returned when a record is missing one of value, source or type.
var ErrInvalidIoC = errors.New("invalid ioc")

// IoC is the unit that flows through every pipeline stage. It is also the
// JSON envelope published on the broker, so field tags are part of the wire
// contract shared with the storage writer.
type IoC struct {
	ID             string            `json:"id,omitempty"`
	Source         string            `json:"source"`
	FirstSeen      *time.Time        `json:"first_seen,omitempty"`
	LastSeen       *time.Time        `json:"last_seen,omitempty"`
	Type           IOCType           `json:"type"`
	Value          string            `json:"value"`
	Tags           []string          `json:"tags"`
	AdditionalData map[string]string `json:"additional_data,omitempty"`
}

// DedupKey identifies a record for deduplication purposes: (source, value).
func (i IoC) DedupKey() string {
	return i.Source + ":" + i.Value
}
