package suitability

import (
	"context"
	"log/slog"
	"time"

	"github.com/wealthdesk/ledger/internal/authz"
	"github.com/wealthdesk/ledger/internal/metrics"
	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/store"
)

// Service records questionnaire submissions and serves their history.
type Service struct {
	store store.Store
	now   func() time.Time
}

// NewService creates a suitability service backed by s.
func NewService(s store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// ActiveQuestionnaire returns the version in force with its full tree.
func (s *Service) ActiveQuestionnaire(ctx context.Context) (*model.Questionnaire, error) {
	return s.store.ActiveQuestionnaire(ctx)
}

// Submit scores answers for a client and appends a new response. Earlier
// responses are kept; the newest governs trading. The active version and the
// chosen options are read inside the transaction, bypassing any cache.
func (s *Service) Submit(ctx context.Context, actor model.Actor, clientID int64, answers []model.Answer) (*model.SuitabilityResponse, error) {
	var resp *model.SuitabilityResponse
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := authz.Client(ctx, tx, actor, clientID); err != nil {
			return err
		}

		active, err := tx.ActiveQuestionnaire(ctx)
		if err != nil {
			return err
		}
		ids := make([]int64, len(answers))
		for i, a := range answers {
			ids[i] = a.OptionID
		}
		resolved, err := tx.GetOptions(ctx, ids)
		if err != nil {
			return err
		}

		res, err := Evaluate(active, answers, resolved)
		if err != nil {
			slog.Info("suitability submission rejected", "client_id", clientID, "error", err)
			return err
		}

		resp = &model.SuitabilityResponse{
			ClientID:    clientID,
			VersionID:   res.VersionID,
			RespondedAt: s.now().UTC(),
			Score:       res.Score,
			Profile:     res.Profile,
		}
		return tx.InsertSuitabilityResponse(ctx, resp)
	})
	if err != nil {
		return nil, err
	}

	metrics.SuitabilitySubmissions.WithLabelValues(string(resp.Profile)).Inc()
	slog.Info("suitability recorded",
		"client_id", clientID,
		"score", resp.Score,
		"profile", resp.Profile,
	)
	return resp, nil
}

// History lists a client's responses, newest first.
func (s *Service) History(ctx context.Context, actor model.Actor, clientID int64) ([]model.SuitabilityResponse, error) {
	if _, err := authz.Client(ctx, s.store, actor, clientID); err != nil {
		return nil, err
	}
	return s.store.ListSuitability(ctx, clientID)
}
