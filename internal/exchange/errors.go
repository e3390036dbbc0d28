package exchange

import (
	"errors"

	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
)

// Auction errors. Gate errors abort before any endpoint is contacted;
// ErrEndpointTimeout and openrtb.ErrInvalidResponse only ever describe a
// single endpoint's contribution.
var (
	ErrMalformedRequest     = openrtb.ErrMalformedRequest
	ErrSchemaViolation      = openrtb.ErrSchemaViolation
	ErrInvalidResponse      = openrtb.ErrInvalidResponse
	ErrEndpointUnauthorized = errors.New("endpoint unauthorized")
	ErrRateLimited          = errors.New("rate limited")
	ErrFraudBlocked         = errors.New("fraud blocked")
	ErrEndpointTimeout      = errors.New("endpoint timeout")
	ErrInternal             = errors.New("internal failure")
)
