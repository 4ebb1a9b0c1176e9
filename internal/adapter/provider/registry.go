package provider

import (
	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/httpclient"
	"github.com/hive-corporation/watchtower-pipeline/internal/config"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
)

const (
	blocklistURL       = "https://lists.blocklist.de/lists/all.txt"
	feodoTrackerURL    = "https://feodotracker.abuse.ch/downloads/ipblocklist.txt"
	emergingThreatsURL = "https://rules.emergingthreats.net/blockrules/compromised-ips.txt"
	fireHolLevel1URL   = "https://raw.githubusercontent.com/firehol/blocklist-ipsets/master/firehol_level1.netset"
)

// ThreatProviders builds the feed registry. Every feed gets its own HTTP
// client so a failing feed only trips its own circuit breaker.
func ThreatProviders(cfg config.HTTPConfig, logger *zap.Logger) []ports.ThreatProvider {
	client := func(name string) *httpclient.Client {
		return httpclient.New(name, cfg, logger)
	}

	providers := []ports.ThreatProvider{
		NewThreatFoxProvider(client("ThreatFox"), "", cfg.ThreatFoxAPIKey),
		NewTweetFeedProvider(client("TweetFeed"), ""),
		NewListProvider(client("Blocklist"), "Blocklist", blocklistURL, domain.IPAddress),
		NewListProvider(client("FeodoTracker"), "FeodoTracker", feodoTrackerURL, domain.IPAddress, "botnet-c2"),
		NewListProvider(client("EmergingThreats"), "EmergingThreats", emergingThreatsURL, domain.IPAddress),
		NewListProvider(client("FireHolLevel"), "FireHolLevel", fireHolLevel1URL, ""),
		NewURLHausProvider(client("URLhaus"), ""),
	}
	if cfg.OTXAPIKey != "" {
		providers = append(providers, NewOTXProvider(client("AlienVaultOTX"), "", cfg.OTXAPIKey))
	}
	return providers
}

// WhitelistProviders builds the whitelist source registry.
func WhitelistProviders(cfg config.HTTPConfig, logger *zap.Logger) []ports.WhitelistProvider {
	return []ports.WhitelistProvider{
		NewMajesticProvider(httpclient.New("MajesticMillion", cfg, logger), ""),
	}
}
