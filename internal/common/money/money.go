package money

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
	JPY: {Code: JPY, MinorUnits: 0, Symbol: "¥", SymbolFirst: true},
}

func infoFor(c Currency) CurrencyInfo {
	info, ok := currencies[c]
	if !ok {
		return CurrencyInfo{Code: c, MinorUnits: 2}
	}
	return info
}

// ParseCurrency normalizes a currency code, falling back when empty.
func ParseCurrency(code string, fallback Currency) Currency {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return fallback
	}
	return Currency(code)
}

// Money represents a monetary amount in minor units (cents, pence, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// NewFromMajor creates Money from major units (e.g., dollars).
// Remote services quote prices as decimal numbers; rounding to the
// currency's minor unit happens here and nowhere else.
func NewFromMajor(amountMajor float64, currency Currency) Money {
	multiplier := math.Pow(10, float64(infoFor(currency).MinorUnits))
	return Money{
		AmountMinor: int64(math.Round(amountMajor * multiplier)),
		Currency:    currency,
	}
}

// ParseMajor parses a decimal string such as "20.00" exactly, without a
// float round trip. More fractional digits than the currency has minor
// units, or a value outside int64 minor units, is an error.
func ParseMajor(s string, currency Currency) (Money, error) {
	raw := strings.TrimSpace(s)
	num := strings.TrimPrefix(raw, "-")
	whole, frac, _ := strings.Cut(num, ".")
	if whole == "" || !digitsOnly(whole) || !digitsOnly(frac) {
		return Money{}, fmt.Errorf("invalid amount %q", s)
	}
	places := infoFor(currency).MinorUnits
	if len(frac) > places {
		return Money{}, fmt.Errorf("amount %q has more than %d decimal places", s, places)
	}

	minor, err := strconv.ParseInt(whole+frac+strings.Repeat("0", places-len(frac)), 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("amount %q out of range", s)
	}
	if num != raw {
		minor = -minor
	}
	return Money{AmountMinor: minor, Currency: currency}, nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// ToMajor converts to major units as float
func (m Money) ToMajor() float64 {
	divisor := math.Pow(10, float64(infoFor(m.Currency).MinorUnits))
	return float64(m.AmountMinor) / divisor
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	format := fmt.Sprintf("%%.%df", info.MinorUnits)
	if info.SymbolFirst {
		return fmt.Sprintf("%s"+format, info.Symbol, m.ToMajor())
	}
	return fmt.Sprintf(format+"%s", m.ToMajor(), info.Symbol)
}

// MarshalJSON implements json.Marshaler. The display string is included
// so the browser never formats amounts itself.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
		Display     string `json:"display"`
	}{
		AmountMinor: m.AmountMinor,
		Currency:    string(m.Currency),
		Display:     m.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.AmountMinor = v.AmountMinor
	m.Currency = Currency(v.Currency)
	return nil
}
