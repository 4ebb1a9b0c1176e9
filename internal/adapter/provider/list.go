package provider

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/httpclient"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
)

const maxLineLength = 1024 * 1024

// ListProvider reads plain-text feeds with one indicator per line. Lines
// starting with "#" or "//" are comments, as is anything after an inline "#".
type ListProvider struct {
	client       *httpclient.Client
	url          string
	providerName string
	iocType      domain.IOCType
	tags         []string
}

// NewListProvider creates a list feed. An empty iocType detects the type of
// each line; URL lines then also yield their host component.
func NewListProvider(client *httpclient.Client, providerName, url string, iocType domain.IOCType, tags ...string) *ListProvider {
	return &ListProvider{
		client:       client,
		providerName: providerName,
		url:          url,
		iocType:      iocType,
		tags:         tags,
	}
}

func (p *ListProvider) Name() string {
	return p.providerName
}

func (p *ListProvider) Collect(ctx context.Context) iter.Seq2[domain.IoC, error] {
	return func(yield func(domain.IoC, error) bool) {
		resp, err := p.client.Get(ctx, p.url, nil)
		if err != nil {
			yield(domain.IoC{}, fmt.Errorf("failed to fetch %s: %w", p.providerName, err))
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxLineLength)
		for scanner.Scan() {
			line := parseListLine(scanner.Text())
			if line == "" {
				continue
			}

			for _, ioc := range p.toIoCs(line) {
				if !yield(ioc, nil) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			yield(domain.IoC{}, fmt.Errorf("scanner error: %w", err))
		}
	}
}

func (p *ListProvider) toIoCs(value string) []domain.IoC {
	iocType := p.iocType
	if iocType == "" {
		iocType = domain.DetectIOCType(value)
	}

	ioc := domain.IoC{
		Source: p.providerName,
		Type:   iocType,
		Value:  value,
		Tags:   append([]string(nil), p.tags...),
	}
	if iocType == domain.URL {
		return domain.ExtractIOCComponents(ioc)
	}
	return []domain.IoC{ioc}
}

// parseListLine strips comments and whitespace, returning "" for lines
// that carry no indicator.
func parseListLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
		return ""
	}
	if idx := strings.Index(line, "#"); idx != -1 {
		line = strings.TrimSpace(line[:idx])
	}
	return line
}
