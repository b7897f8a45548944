package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/product"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for reference data the ledger never writes: products and the active
// questionnaire. Everything else, transactions and snapshots included, goes
// straight to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// cachedProduct carries the asset-class payload as raw JSON so it can be
// decoded back into the right details type.
type cachedProduct struct {
	model.Product
	Details json.RawMessage `json:"details"`
}

func (s *CachedStore) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, productKey(id)).Bytes()
	if err == nil {
		if p, ok := decodeCachedProduct(data); ok {
			return p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.Store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheProduct(ctx, p)
	return p, nil
}

func (s *CachedStore) ActiveQuestionnaire(ctx context.Context) (*model.Questionnaire, error) {
	data, err := s.rdb.Get(ctx, activeQuestionnaireKey).Bytes()
	if err == nil {
		var q model.Questionnaire
		if json.Unmarshal(data, &q) == nil {
			return &q, nil
		}
	}

	q, err := s.Store.ActiveQuestionnaire(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(q); err == nil {
		s.rdb.Set(ctx, activeQuestionnaireKey, data, s.ttl)
	}
	return q, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheProduct(ctx context.Context, p *model.Product) {
	raw, err := product.EncodeDetails(p.Details)
	if err != nil {
		return
	}
	if data, err := json.Marshal(cachedProduct{Product: *p, Details: raw}); err == nil {
		s.rdb.Set(ctx, productKey(p.ID), data, s.ttl)
	}
}

func decodeCachedProduct(data []byte) (*model.Product, bool) {
	var cp cachedProduct
	if json.Unmarshal(data, &cp) != nil {
		return nil, false
	}
	details, err := product.DecodeDetails(cp.Class, cp.Details)
	if err != nil {
		return nil, false
	}
	p := cp.Product
	p.Details = details
	return &p, true
}

const activeQuestionnaireKey = "questionnaire:active"

func productKey(id int64) string { return fmt.Sprintf("product:%d", id) }
