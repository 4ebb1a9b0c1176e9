package provider

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/httpclient"
)

const majesticURL = "https://downloads.majestic.com/majestic_million.csv"

// MajesticProvider yields the domains of the Majestic Million ranking.
type MajesticProvider struct {
	client *httpclient.Client
	url    string
}

func NewMajesticProvider(client *httpclient.Client, url string) *MajesticProvider {
	if url == "" {
		url = majesticURL
	}
	return &MajesticProvider{client: client, url: url}
}

func (p *MajesticProvider) Name() string {
	return "MajesticMillion"
}

// Collect skips the CSV header and yields the lower-cased third column
// (GlobalRank,TldRank,Domain,...) of every row.
func (p *MajesticProvider) Collect(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := p.client.Get(ctx, p.url, nil)
		if err != nil {
			yield("", fmt.Errorf("failed to fetch majestic million: %w", err))
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxLineLength)
		header := true
		for scanner.Scan() {
			if header {
				header = false
				continue
			}
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			fields := strings.SplitN(line, ",", 4)
			if len(fields) < 3 {
				continue
			}
			value := strings.ToLower(strings.TrimSpace(fields[2]))
			if value == "" {
				continue
			}
			if !yield(value, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("scanner error: %w", err))
		}
	}
}
