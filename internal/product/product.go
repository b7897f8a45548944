// Package product handles product identity validation (ticker, ISIN) and
// encoding of the asset-class specific payload carried by each product.
package product

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/wealthdesk/ledger/internal/model"
)

// tickerRegex matches exchange tickers such as PETR4, VALE3 or BOVA11.SA.
var tickerRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,19}$`)

// isinRegex matches: {country}{9 alphanumerics}{check digit}
// Example: US0378331005
var isinRegex = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{9}[0-9]$`)

var (
	ErrInvalidTicker     = errors.New("product: invalid ticker format")
	ErrInvalidISIN       = errors.New("product: invalid ISIN")
	ErrInvalidAssetClass = errors.New("product: unsupported asset class")
	ErrInvalidRiskLevel  = errors.New("product: risk level must be positive")
	ErrDetailsMismatch   = errors.New("product: details do not match asset class")
)

// classAliases accepts the legacy class names still found in older exports.
var classAliases = map[string]model.AssetClass{
	"equity":      model.AssetEquity,
	"acao":        model.AssetEquity,
	"fixedincome": model.AssetFixedIncome,
	"rendafixa":   model.AssetFixedIncome,
	"fund":        model.AssetFund,
	"fundo":       model.AssetFund,
}

// ParseTicker normalises and validates a ticker symbol.
func ParseTicker(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, ticker)
	}
	return t, nil
}

// ValidateISIN checks the format and the check digit of an ISIN.
func ValidateISIN(isin string) error {
	if !isinRegex.MatchString(isin) {
		return fmt.Errorf("%w: %q", ErrInvalidISIN, isin)
	}
	if !luhnValid(expandISIN(isin)) {
		return fmt.Errorf("%w: %q bad check digit", ErrInvalidISIN, isin)
	}
	return nil
}

// expandISIN replaces letters with their two-digit values (A=10 .. Z=35).
func expandISIN(isin string) string {
	var b strings.Builder
	for _, r := range isin {
		if r >= 'A' && r <= 'Z' {
			fmt.Fprintf(&b, "%d", r-'A'+10)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

// ParseAssetClass maps a class name (case-insensitive) to an AssetClass.
func ParseAssetClass(s string) (model.AssetClass, error) {
	c, ok := classAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidAssetClass, s)
	}
	return c, nil
}

// DecodeDetails decodes the JSON payload stored for a product of the given
// class. An empty payload yields nil details.
func DecodeDetails(class model.AssetClass, raw []byte) (model.ProductDetails, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch class {
	case model.AssetEquity:
		var d model.EquityDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode equity details: %w", err)
		}
		return d, nil
	case model.AssetFixedIncome:
		var d model.FixedIncomeDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode fixed income details: %w", err)
		}
		return d, nil
	case model.AssetFund:
		var d model.FundDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode fund details: %w", err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidAssetClass, class)
}

// EncodeDetails serialises the class payload; nil encodes as JSON null.
func EncodeDetails(d model.ProductDetails) ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return json.Marshal(d)
}

// Validate checks the identity fields of a product and that its payload, if
// any, belongs to its asset class. The ticker is normalised in place.
func Validate(p *model.Product) error {
	ticker, err := ParseTicker(p.Ticker)
	if err != nil {
		return err
	}
	p.Ticker = ticker

	if p.ISIN != "" {
		if err := ValidateISIN(p.ISIN); err != nil {
			return err
		}
	}
	if _, err := ParseAssetClass(string(p.Class)); err != nil {
		return err
	}
	if p.RiskLevel != nil && *p.RiskLevel < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidRiskLevel, *p.RiskLevel)
	}
	if p.Details != nil && p.Details.AssetClass() != p.Class {
		return fmt.Errorf("%w: %s payload on %s product", ErrDetailsMismatch, p.Details.AssetClass(), p.Class)
	}
	return nil
}
