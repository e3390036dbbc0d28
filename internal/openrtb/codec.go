package openrtb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buger/jsonparser"
)

var (
	// ErrMalformedRequest is returned when a request body is not valid JSON
	ErrMalformedRequest = errors.New("malformed request")
	// ErrSchemaViolation is returned when a request is valid JSON but structurally invalid
	ErrSchemaViolation = errors.New("schema violation")
	// ErrInvalidResponse is returned when an endpoint response cannot be used
	ErrInvalidResponse = errors.New("invalid bid response")
)

// ValidationError describes the field that failed schema validation
type ValidationError struct {
	Field   string
	Message string
	Index   int
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s[%d]: %s", e.Field, e.Index, e.Message)
	}
	return e.Field + ": " + e.Message
}

// Unwrap lets errors.Is match ErrSchemaViolation
func (e *ValidationError) Unwrap() error {
	return ErrSchemaViolation
}

// DecodeBidRequest parses and validates a raw bid request
func DecodeBidRequest(raw []byte) (*BidRequest, error) {
	var req BidRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if err := ValidateBidRequest(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ValidateBidRequest checks the structural invariants of a bid request
func ValidateBidRequest(req *BidRequest) error {
	if req.ID == "" {
		return &ValidationError{Field: "id", Message: "required", Index: -1}
	}
	if len(req.Imp) == 0 {
		return &ValidationError{Field: "imp", Message: "at least one impression required", Index: -1}
	}
	seen := make(map[string]struct{}, len(req.Imp))
	for i, imp := range req.Imp {
		if imp.ID == "" {
			return &ValidationError{Field: "imp[].id", Message: "required", Index: i}
		}
		if _, dup := seen[imp.ID]; dup {
			return &ValidationError{Field: "imp[].id", Message: "duplicate impression id", Index: i}
		}
		seen[imp.ID] = struct{}{}
		if imp.BidFloor < 0 {
			return &ValidationError{Field: "imp[].bidfloor", Message: "must not be negative", Index: i}
		}
	}
	return nil
}

// EncodeBidResponse builds the response for a request. An empty seat bid list
// is a no-bid and carries the given reason; it is never an error.
func EncodeBidResponse(req *BidRequest, seatBids []SeatBid, reason NoBidReason, cur string) *BidResponse {
	resp := &BidResponse{
		ID:      req.ID,
		SeatBid: make([]SeatBid, 0, len(seatBids)),
		Cur:     cur,
	}
	for _, sb := range seatBids {
		if len(sb.Bid) > 0 {
			resp.SeatBid = append(resp.SeatBid, sb)
		}
	}
	if len(resp.SeatBid) == 0 {
		resp.NBR = reason.Ptr()
	}
	return resp
}

// ParseBidResponse validates a raw endpoint response against the request it
// answers. The response must echo the request id and carry a seatbid array.
func ParseBidResponse(raw []byte, requestID string) (*BidResponse, error) {
	id, err := jsonparser.GetString(raw, "id")
	if err != nil {
		return nil, fmt.Errorf("%w: missing id: %v", ErrInvalidResponse, err)
	}
	if id != requestID {
		return nil, fmt.Errorf("%w: id %q does not echo request %q", ErrInvalidResponse, id, requestID)
	}

	_, dataType, _, err := jsonparser.Get(raw, "seatbid")
	if err != nil {
		return nil, fmt.Errorf("%w: missing seatbid: %v", ErrInvalidResponse, err)
	}
	if dataType != jsonparser.Array {
		return nil, fmt.Errorf("%w: seatbid is %s, not an array", ErrInvalidResponse, dataType)
	}

	var resp BidResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &resp, nil
}

// AnonymousUserID derives a stable pseudonymous user id from the IP, user
// agent and calendar day. Repeat visits on the same day map to the same id.
func AnonymousUserID(ip, ua string, day time.Time) string {
	sum := sha256.Sum256([]byte(ip + "|" + ua + "|" + day.UTC().Format("2006-01-02")))
	return hex.EncodeToString(sum[:16])
}
