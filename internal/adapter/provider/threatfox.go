package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/httpclient"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
)

const threatFoxURL = "https://threatfox-api.abuse.ch/api/v1/"

type ThreatFoxProvider struct {
	client *httpclient.Client
	url    string
	apiKey string
}

func NewThreatFoxProvider(client *httpclient.Client, url, apiKey string) *ThreatFoxProvider {
	if url == "" {
		url = threatFoxURL
	}
	return &ThreatFoxProvider{client: client, url: url, apiKey: apiKey}
}

func (p *ThreatFoxProvider) Name() string {
	return "ThreatFox"
}

type threatFoxQuery struct {
	Query string `json:"query"`
	Days  int    `json:"days"`
}

type threatFoxItem struct {
	ID              string   `json:"id"`
	IoC             string   `json:"ioc"`
	ThreatType      string   `json:"threat_type"`
	ThreatTypeDesc  string   `json:"threat_type_desc"`
	IoCType         string   `json:"ioc_type"`
	ConfidenceLevel int      `json:"confidence_level"`
	FirstSeen       string   `json:"first_seen"`
	LastSeen        string   `json:"last_seen"`
	Reference       string   `json:"reference"`
	Reporter        string   `json:"reporter"`
	Tags            []string `json:"tags"`
}

// Collect queries the IoCs reported during the last day and streams the
// "data" array element by element.
func (p *ThreatFoxProvider) Collect(ctx context.Context) iter.Seq2[domain.IoC, error] {
	return func(yield func(domain.IoC, error) bool) {
		var headers map[string]string
		if p.apiKey != "" {
			headers = map[string]string{"Auth-Key": p.apiKey}
		}

		resp, err := p.client.PostJSON(ctx, p.url, threatFoxQuery{Query: "get_iocs", Days: 1}, headers)
		if err != nil {
			yield(domain.IoC{}, fmt.Errorf("failed to query threatfox: %w", err))
			return
		}
		defer resp.Body.Close()

		dec := json.NewDecoder(resp.Body)
		found, err := seekField(dec, "data")
		if err != nil {
			yield(domain.IoC{}, fmt.Errorf("failed to decode threatfox response: %w", err))
			return
		}
		if !found {
			return
		}

		for item, err := range streamArray[threatFoxItem](dec) {
			if err != nil {
				yield(domain.IoC{}, fmt.Errorf("failed to decode threatfox item: %w", err))
				return
			}
			if !yield(item.toIoC(p.Name()), nil) {
				return
			}
		}
	}
}

func (i threatFoxItem) toIoC(source string) domain.IoC {
	return domain.IoC{
		ID:        i.ID,
		Source:    source,
		FirstSeen: domain.ParseTime(i.FirstSeen),
		LastSeen:  domain.ParseTime(i.LastSeen),
		Type:      domain.IOCType(i.IoCType),
		Value:     i.IoC,
		Tags:      i.Tags,
		AdditionalData: map[string]string{
			"threat_type":      i.ThreatType,
			"threat_type_desc": i.ThreatTypeDesc,
			"confidence_level": strconv.Itoa(i.ConfidenceLevel),
			"reference":        i.Reference,
			"reporter":         i.Reporter,
		},
	}
}
