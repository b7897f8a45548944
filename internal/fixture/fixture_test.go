package fixture

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/product"
	"github.com/wealthdesk/ledger/internal/store"
)

func TestLoadFile_DevSeed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	sum, err := LoadFile("../../fixtures/dev.yaml", s)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Advisors)
	assert.Equal(t, 3, sum.Clients)
	assert.Equal(t, 4, sum.Products)
	assert.Equal(t, 4, sum.Prices)
	assert.Equal(t, 2, sum.Positions)
	assert.Equal(t, 1, sum.Groups)

	acct, err := s.GetAccountByClient(ctx, 1)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.RequireFromString("1000")))

	latest, err := s.LatestPrices(ctx, []int64{1})
	require.NoError(t, err)
	assert.True(t, latest[1].Equal(decimal.RequireFromString("38.10")))

	bond, err := s.GetProduct(ctx, 3)
	require.NoError(t, err)
	fi, ok := bond.Details.(model.FixedIncomeDetails)
	require.True(t, ok)
	assert.Equal(t, 2035, fi.Maturity.Year())
	assert.True(t, fi.Rate.Equal(decimal.RequireFromString("0.0612")))

	q, err := s.ActiveQuestionnaire(ctx)
	require.NoError(t, err)
	require.Len(t, q.Questions, 3)

	resp, err := s.LatestSuitability(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.ProfileAggressive, resp.Profile)
	assert.Equal(t, q.ID, resp.VersionID)

	members, err := s.ListGroupMembers(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestApply_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown field",
			doc:  "advisors:\n  - key: a\n    nickname: x\n",
			want: "field nickname not found",
		},
		{
			name: "client of unknown advisor",
			doc:  "clients:\n  - key: c\n    advisor: ghost\n",
			want: `unknown advisor "ghost"`,
		},
		{
			name: "bad ticker",
			doc:  "products:\n  - ticker: 'petr 4'\n    asset_class: Equity\n",
			want: product.ErrInvalidTicker.Error(),
		},
		{
			name: "bad isin",
			doc:  "products:\n  - ticker: PETR4\n    isin: BRPETRACNPR7\n    asset_class: Equity\n",
			want: product.ErrInvalidISIN.Error(),
		},
		{
			name: "payload of another class",
			doc:  "products:\n  - ticker: PETR4\n    asset_class: Equity\n    fund:\n      fund_tax_id: x\n",
			want: product.ErrDetailsMismatch.Error(),
		},
		{
			name: "same day twice",
			doc:  "products:\n  - ticker: PETR4\n    asset_class: Equity\n    prices:\n      - { date: '2026-06-01', close: '1' }\n      - { date: '2026-06-01', close: '2' }\n",
			want: model.ErrIntegrityViolation.Error(),
		},
		{
			name: "zero position",
			doc: "advisors:\n  - key: a\nclients:\n  - key: c\n    advisor: a\n    portfolios: [main]\n" +
				"products:\n  - ticker: PETR4\n    asset_class: Equity\n" +
				"positions:\n  - { client: c, portfolio: main, product: PETR4, quantity: '0', average_cost: '1' }\n",
			want: model.ErrIntegrityViolation.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse(strings.NewReader(tt.doc))
			if err == nil {
				_, err = f.Apply(store.NewMemoryStore())
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	sum, err := f.Apply(store.NewMemoryStore())
	require.NoError(t, err)
	assert.Zero(t, sum.Clients)
}
