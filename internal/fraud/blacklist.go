package fraud

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// compiledBlacklist is a parsed, lookup-ready rule set
type compiledBlacklist struct {
	ips        map[netip.Addr]string
	ranges     []rangeRule
	userAgents []substringRule
	referers   []substringRule
}

type rangeRule struct {
	prefix netip.Prefix
	value  string
}

type substringRule struct {
	needle string // lowercase
	value  string
}

func compile(rules []storage.BlacklistRule) *compiledBlacklist {
	bl := &compiledBlacklist{ips: make(map[netip.Addr]string)}
	for _, r := range rules {
		value := strings.TrimSpace(r.Value)
		if value == "" {
			continue
		}
		switch r.Type {
		case storage.BlacklistIP:
			if addr, err := netip.ParseAddr(value); err == nil {
				bl.ips[addr.Unmap()] = value
			}
		case storage.BlacklistIPRange:
			if prefix, err := netip.ParsePrefix(value); err == nil {
				bl.ranges = append(bl.ranges, rangeRule{prefix: prefix.Masked(), value: value})
			} else {
				log := logger.Fraud()
				log.Warn().Err(err).Str("value", value).Msg("ignoring invalid blacklist range")
			}
		case storage.BlacklistUserAgent:
			bl.userAgents = append(bl.userAgents, substringRule{needle: strings.ToLower(value), value: value})
		case storage.BlacklistReferer:
			bl.referers = append(bl.referers, substringRule{needle: strings.ToLower(value), value: value})
		}
	}
	return bl
}

// match returns the reason of the first matching rule
func (bl *compiledBlacklist) match(sample Sample) (string, bool) {
	if addr, err := netip.ParseAddr(sample.IP); err == nil {
		addr = addr.Unmap()
		if v, ok := bl.ips[addr]; ok {
			return "blacklisted ip " + v, true
		}
		for _, r := range bl.ranges {
			if r.prefix.Contains(addr) {
				return "ip in blacklisted range " + r.value, true
			}
		}
	}
	if sample.UserAgent != "" {
		ua := strings.ToLower(sample.UserAgent)
		for _, r := range bl.userAgents {
			if strings.Contains(ua, r.needle) {
				return "blacklisted user agent " + r.value, true
			}
		}
	}
	if sample.Referer != "" {
		ref := strings.ToLower(sample.Referer)
		for _, r := range bl.referers {
			if strings.Contains(ref, r.needle) {
				return "blacklisted referer " + r.value, true
			}
		}
	}
	return "", false
}

// blacklistCache reloads rules from the source at most once per ttl. A failed
// reload keeps serving the previous rules.
type blacklistCache struct {
	source BlacklistSource
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	current  *compiledBlacklist
	loadedAt time.Time
}

func (c *blacklistCache) get(ctx context.Context) *compiledBlacklist {
	if c.source == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loadedAt.IsZero() && c.now().Sub(c.loadedAt) < c.ttl {
		return c.current
	}

	rules, err := c.source.FetchBlacklist(ctx)
	if err != nil {
		log := logger.Fraud()
		log.Warn().Err(err).Msg("blacklist reload failed, using cached rules")
		// Back off for a full ttl before retrying
		c.loadedAt = c.now()
		return c.current
	}
	c.current = compile(rules)
	c.loadedAt = c.now()
	return c.current
}

func (c *blacklistCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{}
}
