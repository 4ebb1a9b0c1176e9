package provider

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/httpclient"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
)

const urlHausCSV = "https://urlhaus.abuse.ch/downloads/csv_recent/"

type URLHausProvider struct {
	client *httpclient.Client
	url    string
}

func NewURLHausProvider(client *httpclient.Client, url string) *URLHausProvider {
	if url == "" {
		url = urlHausCSV
	}
	return &URLHausProvider{client: client, url: url}
}

func (p *URLHausProvider) Name() string {
	return "URLhaus"
}

func (p *URLHausProvider) Collect(ctx context.Context) iter.Seq2[domain.IoC, error] {
	return func(yield func(domain.IoC, error) bool) {
		resp, err := p.client.Get(ctx, p.url, nil)
		if err != nil {
			yield(domain.IoC{}, fmt.Errorf("failed to fetch urlhaus: %w", err))
			return
		}
		defer resp.Body.Close()

		reader := csv.NewReader(resp.Body)
		reader.Comment = '#'
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true

		for {
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(domain.IoC{}, fmt.Errorf("error reading csv line: %w", err))
				return
			}
			// 0: id, 1: dateadded, 2: url, 3: url_status, 4: last_online,
			// 5: threat, 6: tags, 7: urlhaus_link, 8: reporter
			if len(record) < 9 || record[2] == "" {
				continue
			}

			base := domain.IoC{
				ID:        record[0],
				Source:    p.Name(),
				FirstSeen: domain.ParseTime(record[1]),
				LastSeen:  domain.ParseTime(record[4]),
				Type:      domain.URL,
				Value:     record[2],
				Tags:      splitTags(record[6]),
				AdditionalData: map[string]string{
					"url_status":   record[3],
					"threat":       record[5],
					"urlhaus_link": record[7],
					"reporter":     record[8],
				},
			}

			for _, ioc := range domain.ExtractIOCComponents(base) {
				if !yield(ioc, nil) {
					return
				}
			}
		}
	}
}

func splitTags(raw string) []string {
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
