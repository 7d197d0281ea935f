// Package split computes how an order total is divided between the seller,
// the delivery agent and the platform.
//
// Rates are expressed in basis points (1/100 of a percent). The seller and
// driver shares are rounded down; whatever is left over, including every
// rounding remainder, is the platform fee, so the three shares always add up
// to the total.
package split

import (
	"errors"
	"fmt"
)

// BasisPoints is the denominator for all rates (100%).
const BasisPoints = 10_000

// Default rates: platform 5%, driver 15%.
const (
	DefaultPlatformFeeBps = 500
	DefaultDriverShareBps = 1500
)

var (
	ErrNegativeTotal = errors.New("total amount must not be negative")
	ErrInvalidPolicy = errors.New("invalid split policy")
)

// Policy holds the fixed rates applied to every order.
type Policy struct {
	PlatformFeeBps int64 `json:"platformFeeBps"`
	DriverShareBps int64 `json:"driverShareBps"`
}

// DefaultPolicy returns the standard 5% platform / 15% driver policy.
func DefaultPolicy() Policy {
	return Policy{
		PlatformFeeBps: DefaultPlatformFeeBps,
		DriverShareBps: DefaultDriverShareBps,
	}
}

// Validate checks that the rates are non-negative and fit within 100%.
func (p Policy) Validate() error {
	if p.PlatformFeeBps < 0 || p.DriverShareBps < 0 {
		return fmt.Errorf("%w: rates must not be negative", ErrInvalidPolicy)
	}
	if p.PlatformFeeBps+p.DriverShareBps > BasisPoints {
		return fmt.Errorf("%w: platform fee %d bps + driver share %d bps exceeds %d",
			ErrInvalidPolicy, p.PlatformFeeBps, p.DriverShareBps, BasisPoints)
	}
	return nil
}

// Shares is the result of splitting a total.
type Shares struct {
	SellerAmount int64 `json:"seller"`
	DriverAmount int64 `json:"driver"`
	PlatformFee  int64 `json:"platform"`
}

// Total returns the sum of the three shares.
func (s Shares) Total() int64 {
	return s.SellerAmount + s.DriverAmount + s.PlatformFee
}

// Split divides total (in minor currency units) according to the policy.
// The driver share is zero when no delivery agent is assigned.
func (p Policy) Split(total int64, hasDriver bool) (Shares, error) {
	if err := p.Validate(); err != nil {
		return Shares{}, err
	}
	if total < 0 {
		return Shares{}, ErrNegativeTotal
	}

	sellerBps := BasisPoints - p.PlatformFeeBps
	var driver int64
	if hasDriver {
		sellerBps -= p.DriverShareBps
		driver = portion(total, p.DriverShareBps)
	}
	seller := portion(total, sellerBps)

	return Shares{
		SellerAmount: seller,
		DriverAmount: driver,
		PlatformFee:  total - seller - driver,
	}, nil
}

// Split applies the default policy.
func Split(total int64, hasDriver bool) (Shares, error) {
	return DefaultPolicy().Split(total, hasDriver)
}

// portion returns floor(total * bps / BasisPoints) without overflowing for
// any non-negative int64 total.
func portion(total, bps int64) int64 {
	q, r := total/BasisPoints, total%BasisPoints
	return q*bps + r*bps/BasisPoints
}
