package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/httpclient"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
)

const otxURL = "https://otx.alienvault.com/api/v1/pulses/subscribed?limit=10&modified_since=7d"

var errOTXKeyMissing = errors.New("OTX API key is missing")

type OTXProvider struct {
	client *httpclient.Client
	url    string
	apiKey string
}

func NewOTXProvider(client *httpclient.Client, url, apiKey string) *OTXProvider {
	if url == "" {
		url = otxURL
	}
	return &OTXProvider{client: client, url: url, apiKey: apiKey}
}

func (p *OTXProvider) Name() string {
	return "AlienVaultOTX"
}

type otxPulse struct {
	Name       string         `json:"name"`
	AuthorName string         `json:"author_name"`
	Indicators []otxIndicator `json:"indicators"`
	Tags       []string       `json:"tags"`
}

type otxIndicator struct {
	ID        json.Number `json:"id"`
	Indicator string      `json:"indicator"`
	Type      string      `json:"type"` // ex: IPv4, domain, FileHash-SHA256
	Created   string      `json:"created"`
}

// Collect streams the subscribed pulses; each pulse is decoded on its own
// and its indicators yielded before the next pulse is read.
func (p *OTXProvider) Collect(ctx context.Context) iter.Seq2[domain.IoC, error] {
	return func(yield func(domain.IoC, error) bool) {
		if p.apiKey == "" {
			yield(domain.IoC{}, errOTXKeyMissing)
			return
		}

		resp, err := p.client.Get(ctx, p.url, map[string]string{"X-OTX-API-KEY": p.apiKey})
		if err != nil {
			yield(domain.IoC{}, fmt.Errorf("failed to fetch otx pulses: %w", err))
			return
		}
		defer resp.Body.Close()

		dec := json.NewDecoder(resp.Body)
		found, err := seekField(dec, "results")
		if err != nil {
			yield(domain.IoC{}, fmt.Errorf("failed to decode OTX json: %w", err))
			return
		}
		if !found {
			return
		}

		for pulse, err := range streamArray[otxPulse](dec) {
			if err != nil {
				yield(domain.IoC{}, fmt.Errorf("failed to decode OTX pulse: %w", err))
				return
			}
			for _, ind := range pulse.Indicators {
				iocType := mapOTXType(ind.Type)
				if iocType == "" {
					continue // email, CVE and other kinds are not indicators we track
				}
				ioc := domain.IoC{
					ID:        ind.ID.String(),
					Source:    p.Name(),
					FirstSeen: domain.ParseTime(ind.Created),
					Type:      iocType,
					Value:     ind.Indicator,
					Tags:      pulse.Tags,
					AdditionalData: map[string]string{
						"pulse":  pulse.Name,
						"author": pulse.AuthorName,
					},
				}
				if !yield(ioc, nil) {
					return
				}
			}
		}
	}
}

func mapOTXType(otxType string) domain.IOCType {
	switch otxType {
	case "IPv4", "IPv6":
		return domain.IPAddress
	case "CIDR":
		return domain.CIDR
	case "domain", "hostname":
		return domain.Domain
	case "URL", "url":
		return domain.URL
	case "FileHash-MD5", "FileHash-SHA1", "FileHash-SHA256":
		return domain.FileHash
	default:
		return ""
	}
}
