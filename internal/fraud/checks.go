package fraud

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/mssola/user_agent"

	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// Fraud type tags recorded on FraudEvent rows
const (
	TypeBlacklist  = "blacklist"
	TypeBot        = "bot"
	TypeProxy      = "proxy"
	TypeSuspicious = "suspicious_pattern"
	TypeFrequency  = "high_frequency"
)

// CheckResult is the outcome of one independent check
type CheckResult struct {
	Type       string
	IsFraud    bool
	Confidence float64
	Reason     string
}

var notTriggered = CheckResult{}

// botTokens are lowercase user-agent fragments of crawlers, scrapers,
// link-preview fetchers and HTTP libraries
var botTokens = []string{
	"bot", "crawler", "spider", "scraper", "crawling",
	"curl", "wget", "python-requests", "python-urllib", "java/", "go-http-client",
	"okhttp", "httpclient", "libwww", "headless", "phantomjs", "selenium", "puppeteer",
	"facebookexternalhit", "facebot", "twitterbot", "linkedinbot", "slackbot",
	"whatsapp", "telegrambot", "discordbot", "pinterest", "embedly",
	"slurp", "bingpreview", "yandex", "baiduspider", "ahrefs", "semrush", "mj12bot",
}

// proxyHeaders indicate the request was relayed
var proxyHeaders = []string{
	"Via",
	"Forwarded",
	"X-Forwarded",
	"X-Forwarded-For",
	"Forwarded-For",
	"X-Cluster-Client-IP",
	"Client-IP",
	"X-Client-IP",
	"Proxy-Connection",
	"X-Proxy-ID",
}

// datacenterRanges are private and reserved ranges, treated as hosting
// indicators for end-user traffic
var datacenterRanges = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

var shortAlphaUA = regexp.MustCompile(`^[A-Za-z]{1,3}$`)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}

func (s *Scorer) checkBlacklist(ctx context.Context, sample Sample) CheckResult {
	bl := s.blacklist.get(ctx)
	if bl == nil {
		return notTriggered
	}
	if reason, ok := bl.match(sample); ok {
		return CheckResult{Type: TypeBlacklist, IsFraud: true, Confidence: 1.0, Reason: reason}
	}
	return notTriggered
}

func checkBot(sample Sample) CheckResult {
	ua := strings.ToLower(sample.UserAgent)
	for _, token := range botTokens {
		if strings.Contains(ua, token) {
			return CheckResult{Type: TypeBot, IsFraud: true, Confidence: 0.9, Reason: fmt.Sprintf("bot user agent token %q", token)}
		}
	}
	if ua != "" && user_agent.New(sample.UserAgent).Bot() {
		return CheckResult{Type: TypeBot, IsFraud: true, Confidence: 0.9, Reason: "user agent identifies a bot"}
	}
	if len(strings.TrimSpace(sample.UserAgent)) < 10 {
		return CheckResult{Type: TypeBot, IsFraud: true, Confidence: 0.8, Reason: "missing or too short user agent"}
	}
	return notTriggered
}

func (s *Scorer) checkProxy(sample Sample) CheckResult {
	for _, h := range proxyHeaders {
		if s.ignored[http.CanonicalHeaderKey(h)] {
			continue
		}
		if sample.Headers.Get(h) != "" {
			return CheckResult{Type: TypeProxy, IsFraud: true, Confidence: 0.7, Reason: "proxy header " + h + " present"}
		}
	}

	addr, err := netip.ParseAddr(sample.IP)
	if err != nil {
		return notTriggered
	}
	addr = addr.Unmap()
	for _, p := range datacenterRanges {
		if p.Contains(addr) {
			return CheckResult{Type: TypeProxy, IsFraud: true, Confidence: 0.6, Reason: "ip in reserved range " + p.String()}
		}
	}
	return notTriggered
}

func (s *Scorer) checkSuspicious(ctx context.Context, sample Sample) CheckResult {
	if count, ok := s.recentCount(ctx, sample.IP, time.Minute); ok && count > s.cfg.MinuteLimit {
		return CheckResult{Type: TypeSuspicious, IsFraud: true, Confidence: 0.9,
			Reason: fmt.Sprintf("%d requests in the last minute", count)}
	}
	if shortAlphaUA.MatchString(sample.UserAgent) {
		return CheckResult{Type: TypeSuspicious, IsFraud: true, Confidence: 0.8, Reason: "user agent is 1-3 letters"}
	}
	return notTriggered
}

func (s *Scorer) checkFrequency(ctx context.Context, sample Sample) CheckResult {
	if count, ok := s.recentCount(ctx, sample.IP, time.Hour); ok && count > s.cfg.HourLimit {
		return CheckResult{Type: TypeFrequency, IsFraud: true, Confidence: 0.8,
			Reason: fmt.Sprintf("%d requests in the last hour", count)}
	}
	return notTriggered
}

// recentCount asks the history collaborator; failures skip the check
func (s *Scorer) recentCount(ctx context.Context, ip string, window time.Duration) (int, bool) {
	if s.history == nil || ip == "" {
		return 0, false
	}
	n, err := s.history.CountRecentEvents(ctx, ip, window)
	if err != nil {
		log := logger.Fraud()
		log.Warn().Err(err).Str("ip", ip).Dur("window", window).Msg("history lookup failed")
		return 0, false
	}
	return n, true
}
