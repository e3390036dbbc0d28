package openrtb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyPriceMacro(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		price float64
		want  string
	}{
		{
			name:  "plain macro",
			url:   "https://dsp.example/win?p=${AUCTION_PRICE}",
			price: 0.3,
			want:  "https://dsp.example/win?p=0.3",
		},
		{
			name:  "url encoded macro",
			url:   "https://dsp.example/win?p=%24%7BAUCTION_PRICE%7D",
			price: 1.25,
			want:  "https://dsp.example/win?p=1.25",
		},
		{
			name:  "lowercase percent escapes",
			url:   "https://dsp.example/win?p=%24%7bAUCTION_PRICE%7d",
			price: 2,
			want:  "https://dsp.example/win?p=2",
		},
		{
			name:  "both forms and repeated",
			url:   "https://dsp.example/win?a=${AUCTION_PRICE}&b=%24%7BAUCTION_PRICE%7D&c=${AUCTION_PRICE}",
			price: 0.15,
			want:  "https://dsp.example/win?a=0.15&b=0.15&c=0.15",
		},
		{
			name:  "no macro",
			url:   "https://dsp.example/win",
			price: 5,
			want:  "https://dsp.example/win",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ApplyPriceMacro(tt.url, tt.price))
		})
	}
}

func TestApplyAuctionMacros(t *testing.T) {
	url := "https://dsp.example/win?id=${AUCTION_ID}&bid=${AUCTION_BID_ID}&imp=%24%7BAUCTION_IMP_ID%7D&seat=${AUCTION_SEAT_ID}&cur=${AUCTION_CURRENCY}&p=${AUCTION_PRICE}"

	got := ApplyAuctionMacros(url, AuctionMacros{
		AuctionID: "req 1",
		BidID:     "bid-1",
		ImpID:     "imp-1",
		SeatID:    "seat-9",
		Currency:  "USD",
		Price:     0.42,
	})

	assert.Equal(t, "https://dsp.example/win?id=req+1&bid=bid-1&imp=imp-1&seat=seat-9&cur=USD&p=0.42", got)
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "0.15", FormatPrice(0.15))
	assert.Equal(t, "3", FormatPrice(3))
	assert.Equal(t, "0.0001", FormatPrice(0.0001))
}

func TestFormatPrice_RoundsFloatNoise(t *testing.T) {
	assert.Equal(t, "0.15", FormatPrice(0.1*1.5))
	assert.Equal(t, "0.1235", FormatPrice(0.12345678))
}
