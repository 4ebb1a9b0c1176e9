package domain

import (
	"fmt"
	"strings"
	"time"
)

// Normalize returns the canonical form of an IoC. It never mutates its input
// and is idempotent: Normalize(Normalize(x)) == Normalize(x).
//
//   - type is trimmed and lower-cased
//   - value and source are trimmed; domains are lower-cased
//   - tags keep only ASCII letters and digits, upper-cased, empties dropped
//   - timestamps are converted to UTC
func Normalize(ioc IoC) (IoC, error) {
	out := IoC{
		ID:     strings.TrimSpace(ioc.ID),
		Source: strings.TrimSpace(ioc.Source),
		Type:   IOCType(strings.ToLower(strings.TrimSpace(string(ioc.Type)))),
	}
	out.Value = NormalizeIOCValue(strings.TrimSpace(ioc.Value), out.Type)

	switch {
	case out.Value == "":
		return IoC{}, fmt.Errorf("%w: empty value", ErrInvalidIoC)
	case out.Source == "":
		return IoC{}, fmt.Errorf("%w: empty source for %q", ErrInvalidIoC, out.Value)
	case out.Type == "":
		return IoC{}, fmt.Errorf("%w: empty type for %q", ErrInvalidIoC, out.Value)
	}

	out.FirstSeen = toUTC(ioc.FirstSeen)
	out.LastSeen = toUTC(ioc.LastSeen)
	out.Tags = NormalizeTags(ioc.Tags)

	if len(ioc.AdditionalData) > 0 {
		out.AdditionalData = make(map[string]string, len(ioc.AdditionalData))
		for k, v := range ioc.AdditionalData {
			out.AdditionalData[k] = v
		}
	}

	return out, nil
}

// NormalizeTags strips every character that is not an ASCII letter or digit,
// upper-cases the remainder and drops tags that end up empty. Order is kept.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		var b strings.Builder
		for _, r := range tag {
			switch {
			case r >= 'a' && r <= 'z':
				b.WriteRune(r - 'a' + 'A')
			case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			out = append(out, b.String())
		}
	}
	return out
}

// NormalizeIOCValue normalizes IOC values for better matching
func NormalizeIOCValue(value string, iocType IOCType) string {
	switch iocType {
	case Domain:
		return strings.TrimRight(strings.ToLower(value), ".")
	default:
		return value
	}
}

func toUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
