package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/store"
)

type fixture struct {
	s                 *store.MemoryStore
	advisor, other    *model.Advisor
	client, stranger  *model.Client
	portfolio         *model.Portfolio
	group, emptyGroup *model.EconomicGroup
	foreignGroup      *model.EconomicGroup
}

func setup(t *testing.T) fixture {
	t.Helper()
	s := store.NewMemoryStore()
	f := fixture{s: s}
	f.advisor = &model.Advisor{Name: "Ana"}
	f.other = &model.Advisor{Name: "Otto"}
	s.PutAdvisor(f.advisor)
	s.PutAdvisor(f.other)
	f.client = &model.Client{AdvisorID: f.advisor.ID, Name: "Bruno"}
	f.stranger = &model.Client{AdvisorID: f.other.ID, Name: "Sara"}
	s.PutClient(f.client)
	s.PutClient(f.stranger)
	f.portfolio = &model.Portfolio{ClientID: f.client.ID, Name: "main"}
	s.PutPortfolio(f.portfolio)

	f.group = &model.EconomicGroup{Name: "family"}
	f.emptyGroup = &model.EconomicGroup{Name: "empty"}
	f.foreignGroup = &model.EconomicGroup{Name: "foreign"}
	s.PutGroup(f.group)
	s.PutGroup(f.emptyGroup)
	s.PutGroup(f.foreignGroup)
	s.AddMember(model.Membership{GroupID: f.group.ID, ClientID: f.client.ID})
	s.AddMember(model.Membership{GroupID: f.group.ID, ClientID: f.stranger.ID})
	s.AddMember(model.Membership{GroupID: f.foreignGroup.ID, ClientID: f.stranger.ID})
	return f
}

func TestPortfolio(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	tests := []struct {
		name    string
		actor   model.Actor
		id      int64
		wantErr error
	}{
		{"owner", model.Actor{ID: f.client.ID, Role: model.RoleClient}, f.portfolio.ID, nil},
		{"managing advisor", model.Actor{ID: f.advisor.ID, Role: model.RoleAdvisor}, f.portfolio.ID, nil},
		{"other client", model.Actor{ID: f.stranger.ID, Role: model.RoleClient}, f.portfolio.ID, model.ErrUnauthorized},
		{"other advisor", model.Actor{ID: f.other.ID, Role: model.RoleAdvisor}, f.portfolio.ID, model.ErrUnauthorized},
		{"advisor id used as client", model.Actor{ID: f.advisor.ID, Role: model.RoleClient}, f.portfolio.ID, model.ErrUnauthorized},
		{"missing portfolio", model.Actor{ID: f.client.ID, Role: model.RoleClient}, 999, model.ErrUnauthorized},
		{"unknown role", model.Actor{ID: f.client.ID, Role: "root"}, f.portfolio.ID, model.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, c, err := Portfolio(ctx, f.s, tt.actor, tt.id)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.NotErrorIs(t, err, model.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, f.portfolio.ID, p.ID)
			assert.Equal(t, f.client.ID, c.ID)
		})
	}
}

func TestClient_MissingIsUnauthorized(t *testing.T) {
	f := setup(t)
	_, err := Client(context.Background(), f.s, model.Actor{ID: f.advisor.ID, Role: model.RoleAdvisor}, 12345)
	require.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestGroup(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	advisor := model.Actor{ID: f.advisor.ID, Role: model.RoleAdvisor}

	members, err := Group(ctx, f.s, advisor, f.group.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = Group(ctx, f.s, advisor, f.foreignGroup.ID)
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = Group(ctx, f.s, advisor, f.emptyGroup.ID)
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = Group(ctx, f.s, model.Actor{ID: f.client.ID, Role: model.RoleClient}, f.group.ID)
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = Group(ctx, f.s, advisor, 999)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
	assert.NotErrorIs(t, err, model.ErrNotFound)
}
