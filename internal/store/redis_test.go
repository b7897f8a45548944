package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wealthdesk/ledger/internal/model"
)

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_ProductReadThrough(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCachedStore(t)

	risk := 4
	p := &model.Product{
		Ticker: "TESOURO-IPCA", Name: "Treasury IPCA+ 2035", RiskLevel: &risk,
		Class: model.AssetFixedIncome,
		Details: model.FixedIncomeDetails{
			Kind:     "Treasury",
			Maturity: time.Date(2035, 5, 15, 0, 0, 0, 0, time.UTC),
			Indexer:  "IPCA",
			Rate:     d("0.0612"),
		},
	}
	primary.PutProduct(p)

	got, err := cs.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Ticker, got.Ticker)
	assert.True(t, mr.Exists(productKey(p.ID)))

	// Change the primary; the cached copy keeps serving until the TTL lapses.
	changed := *p
	changed.Name = "renamed"
	primary.PutProduct(&changed)

	cached, err := cs.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Treasury IPCA+ 2035", cached.Name)
	require.NotNil(t, cached.RiskLevel)
	assert.Equal(t, 4, *cached.RiskLevel)
	details, ok := cached.Details.(model.FixedIncomeDetails)
	require.True(t, ok)
	assert.Equal(t, "IPCA", details.Indexer)
	assert.True(t, details.Rate.Equal(d("0.0612")))

	mr.FastForward(2 * time.Minute)
	fresh, err := cs.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", fresh.Name)
}

func TestCachedStore_MissingProductNotCached(t *testing.T) {
	cs, _, mr := newCachedStore(t)

	_, err := cs.GetProduct(context.Background(), 42)
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.False(t, mr.Exists(productKey(42)))
}

func TestCachedStore_ActiveQuestionnaire(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCachedStore(t)

	q := &model.Questionnaire{
		Name:          "2026",
		EffectiveDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Questions: []model.Question{
			{Text: "Goal?", Options: []model.Option{{Text: "Preserve", Points: 5}, {Text: "Grow", Points: 30}}},
		},
	}
	primary.PutQuestionnaire(q)

	got, err := cs.ActiveQuestionnaire(ctx)
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)
	assert.True(t, mr.Exists(activeQuestionnaireKey))

	again, err := cs.ActiveQuestionnaire(ctx)
	require.NoError(t, err)
	require.Len(t, again.Questions, 1)
	assert.Equal(t, 30, again.Questions[0].Options[1].Points)
}

func TestCachedStore_TransactionsPassThrough(t *testing.T) {
	ctx := context.Background()
	cs, primary, _ := newCachedStore(t)
	c, _, _ := seedAccount(t, primary, "100")

	err := cs.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.LockAccountByClient(ctx, c.ID)
		if err != nil {
			return err
		}
		return tx.UpdateAccountBalance(ctx, acct.ID, d("75"))
	})
	require.NoError(t, err)

	acct, err := cs.GetAccountByClient(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("75")))
}
