package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atmx/issuance-engine/internal/auction"
	"github.com/atmx/issuance-engine/internal/auth"
	"github.com/atmx/issuance-engine/internal/eligibility"
	"github.com/atmx/issuance-engine/internal/ledger"
	"github.com/atmx/issuance-engine/internal/lock"
	"github.com/atmx/issuance-engine/internal/metrics"
	"github.com/atmx/issuance-engine/internal/offering"
	"github.com/atmx/issuance-engine/internal/pricing"
)

// errorStatus classifies err for the HTTP response.
var errorStatus = []struct {
	status int
	errs   []error
}{
	{http.StatusUnauthorized, []error{
		ErrUnauthenticated,
	}},
	{http.StatusForbidden, []error{
		auth.ErrUnauthorized,
		eligibility.ErrInvalidSignature,
		eligibility.ErrSignatureConsumed,
	}},
	{http.StatusNotFound, []error{
		auction.ErrNoAuction,
		auction.ErrNoBondToRedeem,
		auction.ErrNoBondToWithdraw,
	}},
	{http.StatusPaymentRequired, []error{
		ledger.ErrTransferFailed,
		ledger.ErrInsufficientBalance,
	}},
	{http.StatusBadRequest, []error{
		errBadRequest,
		auction.ErrInvalidStartTime,
		auction.ErrInvalidDuration,
		auction.ErrInvalidAmount,
		auction.ErrInvalidPrice,
		auction.ErrAmountOverflow,
		auction.ErrInvalidOperator,
		auction.ErrInvalidFillAmount,
		auction.ErrFillBelowMinimum,
		offering.ErrDepositBelowMinimum,
		offering.ErrDepositAboveMaximum,
		offering.ErrNothingIssued,
		pricing.ErrOverflow,
	}},
	{http.StatusConflict, []error{
		auction.ErrAuctionActive,
		auction.ErrAuctionNotActive,
		auction.ErrAmountExceedsSupply,
		auction.ErrSlippage,
		auction.ErrBondExists,
		auction.ErrRedemptionWindowNotStarted,
		auction.ErrRedemptionWindowPassed,
		auction.ErrNoGate,
		auction.ErrRolesFixed,
		offering.ErrCapExceeded,
		lock.ErrReentrant,
		lock.ErrLockHeld,
	}},
	{http.StatusBadGateway, []error{
		ledger.ErrMintFailed,
	}},
}

func statusFor(err error) int {
	for _, class := range errorStatus {
		for _, target := range class.errs {
			if errors.Is(err, target) {
				return class.status
			}
		}
	}
	return http.StatusInternalServerError
}

// writeDomainError maps a domain error to its status and writes it.
func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, eligibility.ErrInvalidSignature) || errors.Is(err, eligibility.ErrSignatureConsumed) {
		metrics.EligibilityRejections.Inc()
	}
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, msg, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
