package openrtb

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBidRequest(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
		errMsg  string
	}{
		{
			name: "valid request",
			raw:  `{"id":"req-1","imp":[{"id":"imp-1","banner":{"w":300,"h":250},"bidfloor":0.1}],"tmax":120}`,
		},
		{
			name:    "invalid json",
			raw:     `{"id":`,
			wantErr: ErrMalformedRequest,
		},
		{
			name:    "missing id",
			raw:     `{"imp":[{"id":"imp-1"}]}`,
			wantErr: ErrSchemaViolation,
			errMsg:  "id: required",
		},
		{
			name:    "imp absent",
			raw:     `{"id":"req-1"}`,
			wantErr: ErrSchemaViolation,
			errMsg:  "imp: at least one impression required",
		},
		{
			name:    "imp empty",
			raw:     `{"id":"req-1","imp":[]}`,
			wantErr: ErrSchemaViolation,
		},
		{
			name:    "imp missing id",
			raw:     `{"id":"req-1","imp":[{"id":"imp-1"},{"banner":{"w":1,"h":1}}]}`,
			wantErr: ErrSchemaViolation,
			errMsg:  "imp[].id[1]: required",
		},
		{
			name:    "duplicate imp id",
			raw:     `{"id":"req-1","imp":[{"id":"imp-1"},{"id":"imp-1"}]}`,
			wantErr: ErrSchemaViolation,
		},
		{
			name:    "negative floor",
			raw:     `{"id":"req-1","imp":[{"id":"imp-1","bidfloor":-1}]}`,
			wantErr: ErrSchemaViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeBidRequest([]byte(tt.raw))
			if tt.wantErr == nil {
				require.NoError(t, err)
				require.NotNil(t, req)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)
			if tt.errMsg != "" {
				assert.Equal(t, tt.errMsg, err.Error())
			}
		})
	}
}

func TestDecodeThenEncode_EchoesRequestID(t *testing.T) {
	ids := []string{"a", "req-123", "0f8fad5b-d9cb-469f-a165-70867728950e", "id with spaces"}
	for _, id := range ids {
		raw, err := json.Marshal(BidRequest{ID: id, Imp: []Imp{{ID: "1"}, {ID: "2"}}})
		require.NoError(t, err)

		req, err := DecodeBidRequest(raw)
		require.NoError(t, err)

		bids := []SeatBid{{Seat: "s", Bid: []Bid{{ID: "b", ImpID: "1", Price: 1}}}}
		assert.Equal(t, id, EncodeBidResponse(req, bids, NoBidUnknown, "USD").ID)
		assert.Equal(t, id, EncodeBidResponse(req, nil, NoBidUnknown, "USD").ID)
	}
}

func TestEncodeBidResponse_NoBid(t *testing.T) {
	req := &BidRequest{ID: "req-1", Imp: []Imp{{ID: "imp-1"}}}

	resp := EncodeBidResponse(req, nil, NoBidSuspectedNonHuman, "USD")
	require.NotNil(t, resp.NBR)
	assert.Equal(t, NoBidSuspectedNonHuman, *resp.NBR)
	assert.NotNil(t, resp.SeatBid)
	assert.Empty(t, resp.SeatBid)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"req-1","seatbid":[],"cur":"USD","nbr":4}`, string(data))
}

func TestEncodeBidResponse_DropsEmptySeats(t *testing.T) {
	req := &BidRequest{ID: "req-1", Imp: []Imp{{ID: "imp-1"}}}

	resp := EncodeBidResponse(req, []SeatBid{{Seat: "empty"}}, NoBidUnknown, "USD")
	assert.Empty(t, resp.SeatBid)
	require.NotNil(t, resp.NBR)

	resp = EncodeBidResponse(req, []SeatBid{{Seat: "empty"}, {Seat: "full", Bid: []Bid{{ID: "b1", ImpID: "imp-1", Price: 0.3}}}}, NoBidUnknown, "USD")
	require.Len(t, resp.SeatBid, 1)
	assert.Equal(t, "full", resp.SeatBid[0].Seat)
	assert.Nil(t, resp.NBR)
}

func TestParseBidResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		bids    int
	}{
		{"valid", `{"id":"req-1","seatbid":[{"seat":"s","bid":[{"id":"b","impid":"imp-1","price":0.3}]}]}`, false, 1},
		{"valid empty seatbid", `{"id":"req-1","seatbid":[]}`, false, 0},
		{"wrong id", `{"id":"other","seatbid":[]}`, true, 0},
		{"missing id", `{"seatbid":[]}`, true, 0},
		{"missing seatbid", `{"id":"req-1"}`, true, 0},
		{"seatbid not array", `{"id":"req-1","seatbid":{"bid":[]}}`, true, 0},
		{"garbage", `not json`, true, 0},
		{"bad bid types", `{"id":"req-1","seatbid":[{"bid":[{"price":"high"}]}]}`, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseBidResponse([]byte(tt.raw), "req-1")
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidResponse)
				return
			}
			require.NoError(t, err)
			total := 0
			for _, sb := range resp.SeatBid {
				total += len(sb.Bid)
			}
			assert.Equal(t, tt.bids, total)
		})
	}
}

func TestAnonymousUserID(t *testing.T) {
	day := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	later := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	nextDay := day.Add(24 * time.Hour)

	id := AnonymousUserID("203.0.113.7", "Mozilla/5.0", day)
	assert.Len(t, id, 32)
	assert.Equal(t, id, AnonymousUserID("203.0.113.7", "Mozilla/5.0", later))
	assert.NotEqual(t, id, AnonymousUserID("203.0.113.7", "Mozilla/5.0", nextDay))
	assert.NotEqual(t, id, AnonymousUserID("203.0.113.8", "Mozilla/5.0", day))
	assert.NotEqual(t, id, AnonymousUserID("203.0.113.7", "curl/8.0", day))
	assert.NotContains(t, id, "203.0.113.7")
}
