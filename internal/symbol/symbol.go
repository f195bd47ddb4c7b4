// Package symbol handles NEPSE ticker parsing and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nepsesim/trading-engine/internal/model"
)

// tickerRegex matches an exchange ticker: a letter followed by up to 11
// letters or digits. Examples: NABIL, NICA, NBLD87.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)

// ErrInvalidTicker is returned (wrapped) for malformed tickers. It also
// matches model.ErrValidation.
var ErrInvalidTicker = errors.New("symbol: invalid ticker format")

// Parse normalizes a ticker to upper case and validates its format.
func Parse(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %w: %q (expected 2-12 letters or digits)",
			model.ErrValidation, ErrInvalidTicker, ticker)
	}
	return t, nil
}

// Valid reports whether ticker is already in canonical form.
func Valid(ticker string) bool {
	return tickerRegex.MatchString(ticker)
}
