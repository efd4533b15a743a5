package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesByReason(t *testing.T) {
	err := Wrap(ErrInsufficientBalance, "need 80, have 70")

	require.True(t, errors.Is(err, ErrInsufficientBalance))
	require.False(t, errors.Is(err, ErrCouponExpired))
	require.Equal(t, ReasonInsufficientBalance, ReasonOf(err))
	require.Contains(t, err.Error(), "need 80, have 70")
}

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("debit: %w", ErrInsufficientBalance)
	require.True(t, errors.Is(err, ErrInsufficientBalance))
}

func TestStatusErrorsWithoutReasonDoNotMatch(t *testing.T) {
	a := New(StatusInternal, "a")
	b := New(StatusInternal, "b")
	require.False(t, errors.Is(a, b))
}

func TestFromNormalisesPlainErrors(t *testing.T) {
	be := From(errors.New("boom"))
	require.Equal(t, StatusInternal, be.Status())

	be = From(context.DeadlineExceeded)
	require.Equal(t, StatusTimeout, be.Status())

	be = From(ErrCouponLimitExceeded)
	require.Equal(t, http.StatusConflict, be.Code.HTTPStatus())
	require.Equal(t, ReasonCouponLimitExceeded, be.Reason)
}

func TestJSONCarriesReason(t *testing.T) {
	be := From(ErrSelfReferralRejected)
	body := be.JSON().(map[string]interface{})
	require.Equal(t, false, body["success"])
	inner := body["error"].(map[string]interface{})
	require.Equal(t, ReasonSelfReferralRejected, inner["reason"])
}
