package errutil

// Reason identifies a domain failure independent of its transport status.
type Reason string

const (
	ReasonInsufficientBalance    Reason = "INSUFFICIENT_BALANCE"
	ReasonAlreadyAwarded         Reason = "ALREADY_AWARDED"
	ReasonCouponNotFound         Reason = "COUPON_NOT_FOUND"
	ReasonCouponInactive         Reason = "COUPON_INACTIVE"
	ReasonCouponNotStarted       Reason = "COUPON_NOT_STARTED"
	ReasonCouponExpired          Reason = "COUPON_EXPIRED"
	ReasonCouponLimitExceeded    Reason = "COUPON_LIMIT_EXCEEDED"
	ReasonCouponMinimumNotMet    Reason = "COUPON_MINIMUM_NOT_MET"
	ReasonCouponNotApplicable    Reason = "COUPON_NOT_APPLICABLE"
	ReasonReferralAlreadyUsed    Reason = "REFERRAL_ALREADY_USED"
	ReasonSelfReferralRejected   Reason = "SELF_REFERRAL_REJECTED"
	ReasonInvalidStateTransition Reason = "INVALID_STATE_TRANSITION"
	ReasonNotFound               Reason = "NOT_FOUND"
	ReasonConflict               Reason = "CONFLICT"
	ReasonInvalidArgument        Reason = "INVALID_ARGUMENT"
)

var (
	ErrInsufficientBalance    = New(StatusUnprocessableEntity, "insufficient balance", WithReason(ReasonInsufficientBalance))
	ErrAlreadyAwarded         = New(StatusConflict, "reward already awarded", WithReason(ReasonAlreadyAwarded))
	ErrCouponNotFound         = New(StatusNotFound, "coupon not found", WithReason(ReasonCouponNotFound))
	ErrCouponInactive         = New(StatusUnprocessableEntity, "coupon is not active", WithReason(ReasonCouponInactive))
	ErrCouponNotStarted       = New(StatusUnprocessableEntity, "coupon is not valid yet", WithReason(ReasonCouponNotStarted))
	ErrCouponExpired          = New(StatusUnprocessableEntity, "coupon has expired", WithReason(ReasonCouponExpired))
	ErrCouponLimitExceeded    = New(StatusConflict, "coupon usage limit exceeded", WithReason(ReasonCouponLimitExceeded))
	ErrCouponMinimumNotMet    = New(StatusUnprocessableEntity, "order amount below coupon minimum", WithReason(ReasonCouponMinimumNotMet))
	ErrCouponNotApplicable    = New(StatusUnprocessableEntity, "coupon not applicable", WithReason(ReasonCouponNotApplicable))
	ErrReferralAlreadyUsed    = New(StatusConflict, "user has already been referred", WithReason(ReasonReferralAlreadyUsed))
	ErrSelfReferralRejected   = New(StatusUnprocessableEntity, "self referral is not allowed", WithReason(ReasonSelfReferralRejected))
	ErrInvalidStateTransition = New(StatusConflict, "invalid state transition", WithReason(ReasonInvalidStateTransition))
	ErrNotFound               = New(StatusNotFound, "not found", WithReason(ReasonNotFound))
	ErrConflict               = New(StatusConflict, "conflicting concurrent update", WithReason(ReasonConflict))
	ErrInvalidArgument        = New(StatusBadRequest, "invalid argument", WithReason(ReasonInvalidArgument))
)
