package openrtb

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// OpenRTB substitution macros
const (
	MacroAuctionPrice    = "${AUCTION_PRICE}"
	MacroAuctionID       = "${AUCTION_ID}"
	MacroAuctionBidID    = "${AUCTION_BID_ID}"
	MacroAuctionImpID    = "${AUCTION_IMP_ID}"
	MacroAuctionSeatID   = "${AUCTION_SEAT_ID}"
	MacroAuctionCurrency = "${AUCTION_CURRENCY}"
)

// macroPatterns matches each macro in its plain form and in its URL-encoded
// form, where percent escapes may use either hex case.
var macroPatterns = map[string]*regexp.Regexp{}

func init() {
	for _, m := range []string{MacroAuctionPrice, MacroAuctionID, MacroAuctionBidID, MacroAuctionImpID, MacroAuctionSeatID, MacroAuctionCurrency} {
		encoded := url.QueryEscape(m) // %24%7BAUCTION_PRICE%7D
		macroPatterns[m] = regexp.MustCompile(regexp.QuoteMeta(m) + "|(?i:" + regexp.QuoteMeta(encoded) + ")")
	}
}

// FormatPrice renders a price the way it is substituted into notice URLs:
// at most four decimals, trailing zeros trimmed.
func FormatPrice(price float64) string {
	s := strconv.FormatFloat(price, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// ApplyPriceMacro replaces the auction price macro with the clearing price
func ApplyPriceMacro(rawURL string, price float64) string {
	return replaceMacro(rawURL, MacroAuctionPrice, FormatPrice(price))
}

// AuctionMacros carries the values substituted by ApplyAuctionMacros
type AuctionMacros struct {
	AuctionID string
	BidID     string
	ImpID     string
	SeatID    string
	Currency  string
	Price     float64
}

// ApplyAuctionMacros replaces the standard OpenRTB auction macros
func ApplyAuctionMacros(rawURL string, m AuctionMacros) string {
	if !strings.Contains(rawURL, "$") && !strings.Contains(rawURL, "%") {
		return rawURL
	}
	out := ApplyPriceMacro(rawURL, m.Price)
	out = replaceMacro(out, MacroAuctionID, m.AuctionID)
	out = replaceMacro(out, MacroAuctionBidID, m.BidID)
	out = replaceMacro(out, MacroAuctionImpID, m.ImpID)
	out = replaceMacro(out, MacroAuctionSeatID, m.SeatID)
	out = replaceMacro(out, MacroAuctionCurrency, m.Currency)
	return out
}

func replaceMacro(s, macro, value string) string {
	re := macroPatterns[macro]
	return re.ReplaceAllLiteralString(s, url.QueryEscape(value))
}
