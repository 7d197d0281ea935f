package withdrawal

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mbd888/settlevault/internal/split"
)

var ErrUnsupportedMethod = errors.New("unsupported payout method")

// DefaultFeeSchedule is used when no schedule is configured.
const DefaultFeeSchedule = "mobile_money:150,bank_transfer:100:500,card:250"

// MethodFee is the charge for one payout method: a proportional part in
// basis points plus a flat part in minor units.
type MethodFee struct {
	Bps  int64 `json:"bps"`
	Flat int64 `json:"flat"`
}

// FeeSchedule maps payout methods to their fees.
type FeeSchedule map[string]MethodFee

// ParseFeeSchedule parses "method:bps[:flat],..." as read from configuration.
func ParseFeeSchedule(s string) (FeeSchedule, error) {
	fees := make(FeeSchedule)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("invalid fee entry %q: want method:bps[:flat]", item)
		}

		var mf MethodFee
		var err error
		if mf.Bps, err = strconv.ParseInt(parts[1], 10, 64); err != nil || mf.Bps < 0 || mf.Bps >= split.BasisPoints {
			return nil, fmt.Errorf("invalid fee entry %q: bps must be in [0, %d)", item, split.BasisPoints)
		}
		if len(parts) == 3 {
			if mf.Flat, err = strconv.ParseInt(parts[2], 10, 64); err != nil || mf.Flat < 0 {
				return nil, fmt.Errorf("invalid fee entry %q: flat fee must be a non-negative integer", item)
			}
		}
		fees[parts[0]] = mf
	}
	if len(fees) == 0 {
		return nil, errors.New("fee schedule has no methods")
	}
	return fees, nil
}

// Fee returns floor(amount * bps / 10000) + flat for method.
func (f FeeSchedule) Fee(method string, amount int64) (int64, error) {
	mf, ok := f[method]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if amount < 0 {
		return 0, split.ErrNegativeTotal
	}
	q, r := amount/split.BasisPoints, amount%split.BasisPoints
	return q*mf.Bps + r*mf.Bps/split.BasisPoints + mf.Flat, nil
}

// Methods returns the configured method names, sorted.
func (f FeeSchedule) Methods() []string {
	out := make([]string, 0, len(f))
	for m := range f {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
