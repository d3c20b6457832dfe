package coinledger

import "time"

const (
	operationCheckBalance = "check_balance"
	operationFreeze       = "freeze"
	operationSettle       = "settle"
	operationRefund       = "refund"
	operationViolation    = "violation_penalty"
	operationRecharge     = "recharge"
	operationAdjust       = "adjust"
	operationReleaseStale = "release_stale"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"
	operationStatusClamped  = "clamped"

	defaultRetryAttempts  = 5
	defaultRetryBaseDelay = 300 * time.Millisecond
)
