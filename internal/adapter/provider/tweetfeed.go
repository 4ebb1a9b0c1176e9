package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/httpclient"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
)

const tweetFeedURL = "https://api.tweetfeed.live/v1/week/"

var tweetFeedEndpoints = []string{"ip", "url", "domain", "sha256", "md5"}

type TweetFeedProvider struct {
	client  *httpclient.Client
	baseURL string
}

func NewTweetFeedProvider(client *httpclient.Client, baseURL string) *TweetFeedProvider {
	if baseURL == "" {
		baseURL = tweetFeedURL
	}
	return &TweetFeedProvider{client: client, baseURL: strings.TrimSuffix(baseURL, "/") + "/"}
}

func (p *TweetFeedProvider) Name() string {
	return "TweetFeed"
}

type tweetFeedItem struct {
	Date  string   `json:"date"`
	User  string   `json:"user"`
	Type  string   `json:"type"`
	Value string   `json:"value"`
	Tags  []string `json:"tags"`
	Tweet string   `json:"tweet"`
}

// Collect walks the weekly endpoints in order. A failing endpoint is
// reported and the remaining endpoints are still collected.
func (p *TweetFeedProvider) Collect(ctx context.Context) iter.Seq2[domain.IoC, error] {
	return func(yield func(domain.IoC, error) bool) {
		for _, endpoint := range tweetFeedEndpoints {
			if ctx.Err() != nil {
				yield(domain.IoC{}, ctx.Err())
				return
			}
			if !p.collectEndpoint(ctx, endpoint, yield) {
				return
			}
		}
	}
}

func (p *TweetFeedProvider) collectEndpoint(ctx context.Context, endpoint string, yield func(domain.IoC, error) bool) bool {
	resp, err := p.client.Get(ctx, p.baseURL+endpoint, nil)
	if err != nil {
		return yield(domain.IoC{}, fmt.Errorf("failed to fetch tweetfeed %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	for item, err := range streamArray[tweetFeedItem](json.NewDecoder(resp.Body)) {
		if err != nil {
			return yield(domain.IoC{}, fmt.Errorf("failed to decode tweetfeed %s: %w", endpoint, err))
		}
		ioc := domain.IoC{
			Source:    p.Name(),
			FirstSeen: domain.ParseTime(item.Date),
			Type:      domain.IOCType(item.Type),
			Value:     item.Value,
			Tags:      item.Tags,
			AdditionalData: map[string]string{
				"user":  item.User,
				"tweet": item.Tweet,
			},
		}
		if !yield(ioc, nil) {
			return false
		}
	}
	return true
}
