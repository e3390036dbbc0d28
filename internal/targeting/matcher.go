// Package targeting decides whether a campaign may serve into a request context
package targeting

import (
	"strings"

	"github.com/mssola/user_agent"

	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
)

// Context is the part of a bid request targeting looks at
type Context struct {
	Country    string
	DeviceType int
}

// ContextFromRequest extracts the targeting context of a bid request. When
// the device type is not declared it is derived from the user agent.
func ContextFromRequest(req *openrtb.BidRequest) Context {
	ctx := Context{Country: req.Country()}
	if req.Device != nil {
		ctx.DeviceType = req.Device.DeviceType
		if ctx.DeviceType == 0 {
			ctx.DeviceType = DeviceTypeFromUA(req.Device.UA)
		}
	}
	return ctx
}

// Matches reports whether c may serve into ctx. Country and device
// restrictions are both required; an empty list places no restriction.
func Matches(c *storage.Campaign, ctx Context) bool {
	if len(c.Targeting.Countries) > 0 && !containsFold(c.Targeting.Countries, ctx.Country) {
		return false
	}
	if len(c.Targeting.DeviceTypes) > 0 && !containsInt(c.Targeting.DeviceTypes, ctx.DeviceType) {
		return false
	}
	return true
}

// DeviceTypeFromUA maps a user agent to an OpenRTB device type code, or 0
// when it cannot tell
func DeviceTypeFromUA(ua string) int {
	if ua == "" {
		return 0
	}
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "smart-tv"), strings.Contains(lower, "smarttv"),
		strings.Contains(lower, "appletv"), strings.Contains(lower, "roku"):
		return openrtb.DeviceTypeConnectedTV
	case strings.Contains(lower, "ipad"), strings.Contains(lower, "tablet"):
		return openrtb.DeviceTypeTablet
	case strings.Contains(lower, "android") && !strings.Contains(lower, "mobile"):
		return openrtb.DeviceTypeTablet
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipod"):
		return openrtb.DeviceTypePhone
	}

	parsed := user_agent.New(ua)
	if parsed.Bot() {
		return 0
	}
	if parsed.Mobile() {
		return openrtb.DeviceTypePhone
	}
	return openrtb.DeviceTypePC
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
