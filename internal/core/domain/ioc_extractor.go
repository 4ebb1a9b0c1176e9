package domain

import (
	"net"
	"net/url"
	"strings"
)

// ExtractIOCComponents expands a URL indicator into the URL itself plus its
// host, typed as an IP address or a domain. For example
// "http://198.0.2.12/malware.sh" produces the URL IoC and an IP IoC for
// 198.0.2.12. Non-URL values are returned unchanged.
func ExtractIOCComponents(source IoC) []IoC {
	components := []IoC{source}

	value := source.Value
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		return components
	}

	u, err := url.Parse(value)
	if err != nil {
		return components
	}

	host := u.Hostname()
	if host == "" || host == value {
		return components
	}

	hostType := Domain
	if net.ParseIP(host) != nil {
		hostType = IPAddress
	}

	component := source
	component.ID = ""
	component.Type = hostType
	component.Value = host
	component.Tags = append([]string{"extracted-from-url"}, source.Tags...)

	return append(components, component)
}

// DetectIOCType guesses the indicator kind of a bare value from a plain-text list.
func DetectIOCType(value string) IOCType {
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return URL
	}

	if _, _, err := net.ParseCIDR(value); err == nil {
		return CIDR
	}

	if net.ParseIP(value) != nil {
		return IPAddress
	}

	// 32, 40 or 64 hex chars: md5, sha1, sha256
	if n := len(value); n == 32 || n == 40 || n == 64 {
		isHex := true
		for _, c := range value {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
				isHex = false
				break
			}
		}
		if isHex {
			return FileHash
		}
	}

	return Domain
}
