package taskname

const (
	// Reward tasks
	RewardFulfillRedemption = "reward:fulfill_redemption"

	// Commission tasks
	CommissionAccrue = "commission:accrue"

	// Subscription events
	SubscriptionActivated = "subscription:activated"
)

// FulfillRedemptionPayload is handed to the fulfillment collaborator once the
// coins for a redemption have been spent.
type FulfillRedemptionPayload struct {
	UserID          string `json:"user_id"`
	OptionID        string `json:"option_id"`
	TransactionID   string `json:"transaction_id"`
	FulfillmentType string `json:"fulfillment_type"`
}

// CommissionAccruePayload carries an affiliate coupon usage to settlement.
type CommissionAccruePayload struct {
	PartnerID   string `json:"partner_id"`
	SourceID    string `json:"source_id"`
	OrderAmount string `json:"order_amount"`
	Discount    string `json:"discount"`
	CouponCode  string `json:"coupon_code"`
	UserID      string `json:"user_id"`
}

// SubscriptionActivatedPayload is published by billing when a user's first
// paid subscription starts.
type SubscriptionActivatedPayload struct {
	UserID         string `json:"user_id"`
	SubscriptionID string `json:"subscription_id"`
}
