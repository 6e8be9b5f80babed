package domain

import "time"

// Credit transaction reason codes. The ledger is append-only; a user's
// balance is the sum of deltas and the materialized balance column must
// agree with it.
const (
	CreditReasonCharge     = "generation_charge"
	CreditReasonRefund     = "generation_refund"
	CreditReasonAdminGrant = "admin_grant"
	CreditReasonPurchase   = "purchase"
)

// CreditTransaction is one append-only ledger row. Delta is negative for
// charges and positive for refunds and deposits. JobRef ties charge/refund
// pairs to a job id; the (JobRef, Reason) pair is unique, which is what
// makes Refund idempotent.
type CreditTransaction struct {
	ID           string
	UserID       string
	Delta        int64
	BalanceAfter int64
	Reason       string
	JobRef       string
	Metadata     map[string]string
	CreatedAt    time.Time
}
