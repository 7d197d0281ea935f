package settlement

import (
	"errors"
	"net/http"

	"github.com/mbd888/settlevault/internal/escrow"
	"github.com/mbd888/settlevault/internal/ledger"
	"github.com/mbd888/settlevault/internal/pagination"
	"github.com/mbd888/settlevault/internal/validation"
	"github.com/mbd888/settlevault/internal/withdrawal"
)

// Error kinds reported in the "error" field of a failed response.
const (
	KindNotFound          = "not_found"
	KindAlreadyExists     = "already_exists"
	KindInvalidState      = "invalid_state"
	KindInsufficientFunds = "insufficient_funds"
	KindUnauthorized      = "unauthorized"
	KindLedgerUnavailable = "ledger_unavailable"
	KindInvalidRequest    = "invalid_request"
	KindInternal          = "internal_error"
)

// Classify maps an error from the escrow, withdrawal or ledger layers to its
// kind and HTTP status. Transient storage failures are checked first because
// they may arrive wrapped in an operation-specific message.
func Classify(err error) (kind string, status int) {
	var verrs validation.ValidationErrors
	switch {
	case errors.Is(err, ledger.ErrUnavailable):
		return KindLedgerUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrNotFound):
		return KindNotFound, http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyExists):
		return KindAlreadyExists, http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidState):
		return KindInvalidState, http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return KindInsufficientFunds, http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrUnauthorized):
		return KindUnauthorized, http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidRequest),
		errors.Is(err, withdrawal.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, pagination.ErrInvalidCursor),
		errors.As(err, &verrs):
		return KindInvalidRequest, http.StatusBadRequest
	default:
		return KindInternal, http.StatusInternalServerError
	}
}
