package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass keys the product variant.
type AssetClass string

const (
	AssetEquity      AssetClass = "Equity"
	AssetFixedIncome AssetClass = "FixedIncome"
	AssetFund        AssetClass = "Fund"
)

// ProductDetails is the class-specific payload of a product. Only the types
// in this package implement it.
type ProductDetails interface {
	AssetClass() AssetClass
}

// EquityDetails describes a listed share.
type EquityDetails struct {
	CompanyTaxID string `json:"company_tax_id" yaml:"company_tax_id"`
	Sector       string `json:"sector,omitempty" yaml:"sector"`
}

// FixedIncomeDetails describes a bond or other debt instrument.
type FixedIncomeDetails struct {
	Kind     string          `json:"kind,omitempty" yaml:"kind"`
	Maturity time.Time       `json:"maturity" yaml:"maturity"`
	Indexer  string          `json:"indexer,omitempty" yaml:"indexer"`
	Rate     decimal.Decimal `json:"rate" yaml:"rate"`
}

// FundDetails describes an investment fund.
type FundDetails struct {
	FundTaxID      string          `json:"fund_tax_id" yaml:"fund_tax_id"`
	Manager        string          `json:"manager,omitempty" yaml:"manager"`
	Administrator  string          `json:"administrator,omitempty" yaml:"administrator"`
	ManagementFee  decimal.Decimal `json:"management_fee" yaml:"management_fee"`
	PerformanceFee decimal.Decimal `json:"performance_fee" yaml:"performance_fee"`
}

func (EquityDetails) AssetClass() AssetClass      { return AssetEquity }
func (FixedIncomeDetails) AssetClass() AssetClass { return AssetFixedIncome }
func (FundDetails) AssetClass() AssetClass        { return AssetFund }

// Product is a tradable instrument. Trading logic only needs the base
// fields; Details carries the class-specific payload.
type Product struct {
	ID        int64          `json:"id" db:"id"`
	Ticker    string         `json:"ticker" db:"ticker"`
	ISIN      string         `json:"isin,omitempty" db:"isin"`
	Name      string         `json:"name" db:"name"`
	RiskLevel *int           `json:"risk_level,omitempty" db:"risk_level"`
	Issuer    string         `json:"issuer,omitempty" db:"issuer"`
	Class     AssetClass     `json:"asset_class" db:"asset_class"`
	Details   ProductDetails `json:"details,omitempty" db:"details"`
}

// EffectiveRiskLevel returns the recorded risk level or DefaultRiskLevel.
func (p *Product) EffectiveRiskLevel() int {
	if p.RiskLevel == nil {
		return DefaultRiskLevel
	}
	return *p.RiskLevel
}
