package model

import "errors"

// Rejection taxonomy. All of these are recoverable and surfaced to callers;
// wrap them with fmt.Errorf("%w: ...") to add detail and test with errors.Is.
var (
	ErrValidation              = errors.New("validation error")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInsufficientShares      = errors.New("insufficient shares")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrOrderNotFound           = errors.New("order not found")
	ErrOrderNotCancellable     = errors.New("order not cancellable")
	ErrOutsideTradingHours     = errors.New("outside trading hours")
	ErrCompetitionNotActive    = errors.New("competition not active")
	ErrDuplicateEventExecution = errors.New("market event already executed")
	ErrPositionLimitExceeded   = errors.New("position limit exceeded")
	ErrDailyTradeLimit         = errors.New("daily trade limit reached")
	ErrCompetitionNotFound     = errors.New("competition not found")
	ErrNotJoined               = errors.New("user has not joined the competition")
	ErrAlreadyJoined           = errors.New("user already joined the competition")
	ErrLeaderboardHidden       = errors.New("leaderboard hidden")
	ErrForbidden               = errors.New("forbidden")
	ErrMarketEventNotFound     = errors.New("market event not found")
	ErrSymbolNotFound          = errors.New("symbol not found")
)

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrValidation, "validation_error"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInsufficientShares, "insufficient_shares"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrOrderNotFound, "order_not_found"},
	{ErrOrderNotCancellable, "order_not_cancellable"},
	{ErrOutsideTradingHours, "outside_trading_hours"},
	{ErrCompetitionNotActive, "competition_not_active"},
	{ErrDuplicateEventExecution, "duplicate_event_execution"},
	{ErrPositionLimitExceeded, "position_limit_exceeded"},
	{ErrDailyTradeLimit, "daily_trade_limit"},
	{ErrCompetitionNotFound, "competition_not_found"},
	{ErrNotJoined, "not_joined"},
	{ErrAlreadyJoined, "already_joined"},
	{ErrLeaderboardHidden, "leaderboard_hidden"},
	{ErrForbidden, "forbidden"},
	{ErrMarketEventNotFound, "market_event_not_found"},
	{ErrSymbolNotFound, "symbol_not_found"},
}

// ReasonCode maps an error to the stable reason code returned with rejected
// requests. Unknown errors map to "internal".
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "internal"
}
