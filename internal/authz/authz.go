// Package authz decides access by relationship: a client reaches only their
// own records and an advisor reaches the records of the clients they manage.
// Credentials are verified upstream; every call here receives an
// authenticated model.Actor.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/store"
)

// Client returns the client when actor may act on their behalf. A missing
// client is reported as unauthorized so callers learn nothing about which
// ids exist.
func Client(ctx context.Context, r store.Reader, actor model.Actor, clientID int64) (*model.Client, error) {
	c, err := r.GetClient(ctx, clientID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("client %d: %w", clientID, model.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if !manages(actor, c) {
		return nil, fmt.Errorf("%s %d on client %d: %w", actor.Role, actor.ID, clientID, model.ErrUnauthorized)
	}
	return c, nil
}

// Portfolio returns the portfolio and its owner when actor may act on it.
func Portfolio(ctx context.Context, r store.Reader, actor model.Actor, portfolioID int64) (*model.Portfolio, *model.Client, error) {
	p, err := r.GetPortfolio(ctx, portfolioID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil, fmt.Errorf("portfolio %d: %w", portfolioID, model.ErrUnauthorized)
	}
	if err != nil {
		return nil, nil, err
	}
	c, err := Client(ctx, r, actor, p.ClientID)
	if err != nil {
		return nil, nil, err
	}
	return p, c, nil
}

// Group returns the members of a group once the advisor is shown to manage
// at least one of them. A missing group is indistinguishable from a hidden
// one. Membership of the actor's own clients is the only
// route to visibility; clients cannot consolidate groups.
func Group(ctx context.Context, r store.Reader, actor model.Actor, groupID int64) ([]model.Membership, error) {
	if actor.Role != model.RoleAdvisor {
		return nil, fmt.Errorf("group %d requires an advisor: %w", groupID, model.ErrUnauthorized)
	}
	if _, err := r.GetGroup(ctx, groupID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("group %d: %w", groupID, model.ErrUnauthorized)
		}
		return nil, err
	}
	members, err := r.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		c, err := r.GetClient(ctx, m.ClientID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if c.AdvisorID == actor.ID {
			return members, nil
		}
	}
	return nil, fmt.Errorf("advisor %d manages no member of group %d: %w", actor.ID, groupID, model.ErrUnauthorized)
}

func manages(actor model.Actor, c *model.Client) bool {
	switch actor.Role {
	case model.RoleClient:
		return actor.ID == c.ID
	case model.RoleAdvisor:
		return actor.ID == c.AdvisorID
	}
	return false
}
