package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wealthdesk/ledger/internal/api"
	"github.com/wealthdesk/ledger/internal/ledger"
	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/order"
	"github.com/wealthdesk/ledger/internal/store"
	"github.com/wealthdesk/ledger/internal/suitability"
	"github.com/wealthdesk/ledger/internal/valuation"
)

const secret = "0123456789abcdef0123456789abcdef"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type env struct {
	t         *testing.T
	s         *store.MemoryStore
	srv       *api.Server
	hub       *api.Hub
	handler   http.Handler
	advisor   *model.Advisor
	client    *model.Client
	other     *model.Client
	portfolio *model.Portfolio
	product   *model.Product
}

func newEnv(t *testing.T, opts ...func(*api.Options)) *env {
	t.Helper()
	s := store.NewMemoryStore()
	e := &env{t: t, s: s}

	e.advisor = &model.Advisor{Name: "Ana"}
	s.PutAdvisor(e.advisor)
	e.client = &model.Client{AdvisorID: e.advisor.ID, Name: "Bruno"}
	s.PutClient(e.client)
	e.other = &model.Client{AdvisorID: e.advisor.ID, Name: "Carla"}
	s.PutClient(e.other)
	s.PutAccount(&model.Account{ClientID: e.client.ID, Number: "0001-1", Balance: d("1000.00")})
	s.PutAccount(&model.Account{ClientID: e.other.ID, Number: "0002-9", Balance: d("0")})
	e.portfolio = &model.Portfolio{ClientID: e.client.ID, Name: "main"}
	s.PutPortfolio(e.portfolio)
	risk := 2
	e.product = &model.Product{Ticker: "ITUB4", Name: "Itau", RiskLevel: &risk, Class: model.AssetEquity}
	s.PutProduct(e.product)
	require.NoError(t, s.AddPrice(&model.PricePoint{ProductID: e.product.ID, Date: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), ClosePrice: d("50.00")}))
	s.AddSuitabilityResponse(&model.SuitabilityResponse{ClientID: e.client.ID, RespondedAt: time.Now(), Score: 60, Profile: model.ProfileModerate})
	s.PutQuestionnaire(&model.Questionnaire{
		Name:          "2026",
		EffectiveDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Questions: []model.Question{
			{Text: "Horizon", Options: []model.Option{{Text: "short", Points: 10}, {Text: "long", Points: 45}}},
			{Text: "Loss", Options: []model.Option{{Text: "sell", Points: 10}, {Text: "hold", Points: 45}}},
		},
	})

	o := api.Options{JWTSecret: secret, RateLimitRPS: 1000, RateLimitBurst: 1000, IdempotencyTTL: time.Minute}
	for _, fn := range opts {
		fn(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.hub = api.NewHub()
	go e.hub.Run(ctx)

	e.srv = api.NewServer(api.Services{
		Store:       s,
		Orders:      order.NewEngine(s),
		Cash:        ledger.NewService(s, 5*time.Second),
		Suitability: suitability.NewService(s),
		Valuation:   valuation.NewService(s),
	}, e.hub, o)
	e.handler = e.srv.Routes()
	return e
}

func (e *env) token(actor model.Actor) string {
	e.t.Helper()
	tok, err := e.srv.Authenticator().IssueToken(actor, time.Hour)
	require.NoError(e.t, err)
	return tok
}

func (e *env) self() model.Actor { return model.Actor{ID: e.client.ID, Role: model.RoleClient} }

func (e *env) do(actor *model.Actor, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(e.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(*actor))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *env) orderBody(qty, price string) map[string]any {
	return map[string]any{
		"portfolio_id": e.portfolio.ID,
		"product_id":   e.product.ID,
		"side":         "Buy",
		"quantity":     qty,
		"limit_price":  price,
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errBody struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	OraclePrice string `json:"oracle_price"`
	Shortfall   string `json:"shortfall"`
	Available   string `json:"available"`
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do(nil, "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(nil, "GET", "/metrics", nil).Code)
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t)

	w := e.do(nil, "GET", "/api/v1/suitability/questionnaire", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", decode[errBody](t, w).Code)

	w = e.do(nil, "GET", "/api/v1/suitability/questionnaire", nil, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := api.NewAuthenticator(strings.Repeat("x", 32)).IssueToken(e.self(), time.Hour)
	require.NoError(t, err)
	w = e.do(nil, "GET", "/api/v1/suitability/questionnaire", nil, "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := e.srv.Authenticator().IssueToken(e.self(), -time.Minute)
	require.NoError(t, err)
	w = e.do(nil, "GET", "/api/v1/suitability/questionnaire", nil, "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	admin, err := e.srv.Authenticator().IssueToken(model.Actor{ID: 1, Role: "admin"}, time.Hour)
	require.NoError(t, err)
	w = e.do(nil, "GET", "/api/v1/suitability/questionnaire", nil, "Authorization", "Bearer "+admin)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	self := e.self()
	w = e.do(&self, "GET", "/api/v1/suitability/questionnaire", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	q := decode[model.Questionnaire](t, w)
	assert.Len(t, q.Questions, 2)
}

func TestExecuteOrder(t *testing.T) {
	e := newEnv(t)
	self := e.self()

	w := e.do(&self, "POST", "/api/v1/orders", e.orderBody("10", "50.00"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	exec := decode[order.Execution](t, w)
	assert.True(t, exec.Balance.Equal(d("500")))
	assert.Equal(t, model.OrderExecuted, exec.Order.Status)
	require.NotNil(t, exec.Position)
	assert.True(t, exec.Position.AverageCost.Equal(d("50")))

	w = e.do(&self, "GET", "/api/v1/portfolios/"+itoa(e.portfolio.ID)+"/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Order](t, w), 1)
}

func TestExecuteOrder_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		actor  func(e *env) model.Actor
		body   func(e *env) any
		status int
		code   string
		check  func(t *testing.T, b errBody)
	}{
		{
			name:   "malformed body",
			actor:  (*env).self,
			body:   func(e *env) any { return `{"quantity": "ten"` },
			status: http.StatusBadRequest, code: "invalid_input",
		},
		{
			name:   "unknown field",
			actor:  (*env).self,
			body:   func(e *env) any { return `{"portfolio_id": 1, "urgent": true}` },
			status: http.StatusBadRequest, code: "invalid_input",
		},
		{
			name:   "non-positive quantity",
			actor:  (*env).self,
			body:   func(e *env) any { return e.orderBody("0", "50") },
			status: http.StatusBadRequest, code: "invalid_input",
		},
		{
			name:   "other client's portfolio",
			actor:  func(e *env) model.Actor { return model.Actor{ID: e.other.ID, Role: model.RoleClient} },
			body:   func(e *env) any { return e.orderBody("1", "50") },
			status: http.StatusForbidden, code: "unauthorized",
		},
		{
			name:  "unknown product",
			actor: (*env).self,
			body: func(e *env) any {
				b := e.orderBody("1", "50")
				b["product_id"] = 404
				return b
			},
			status: http.StatusNotFound, code: "not_found",
		},
		{
			name:   "stale price",
			actor:  (*env).self,
			body:   func(e *env) any { return e.orderBody("1", "60") },
			status: http.StatusConflict, code: "price_stale",
			check: func(t *testing.T, b errBody) {
				assert.True(t, d(b.OraclePrice).Equal(d("50")))
			},
		},
		{
			name:   "insufficient funds",
			actor:  (*env).self,
			body:   func(e *env) any { return e.orderBody("21", "50") },
			status: http.StatusUnprocessableEntity, code: "insufficient_funds",
			check: func(t *testing.T, b errBody) {
				assert.True(t, d(b.Shortfall).Equal(d("50")))
				assert.True(t, d(b.Available).Equal(d("1000")))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			actor := tt.actor(e)
			w := e.do(&actor, "POST", "/api/v1/orders", tt.body(e))
			require.Equal(t, tt.status, w.Code, w.Body.String())
			b := decode[errBody](t, w)
			assert.Equal(t, tt.code, b.Code)
			if tt.check != nil {
				tt.check(t, b)
			}
		})
	}
}

func TestExecuteOrder_BusyAdvertisesRetry(t *testing.T) {
	e := newEnv(t)
	self := e.self()
	e.s.InjectFault(store.OpLockAccount, model.ErrBusy)

	w := e.do(&self, "POST", "/api/v1/orders", e.orderBody("1", "50"), api.IdempotencyKeyHeader, "k-busy")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "busy", decode[errBody](t, w).Code)

	// A busy answer is not remembered; the retry trades.
	w = e.do(&self, "POST", "/api/v1/orders", e.orderBody("1", "50"), api.IdempotencyKeyHeader, "k-busy")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestExecuteOrder_IdempotencyKey(t *testing.T) {
	e := newEnv(t)
	self := e.self()
	body := e.orderBody("2", "50")

	first := e.do(&self, "POST", "/api/v1/orders", body, api.IdempotencyKeyHeader, "k-1")
	require.Equal(t, http.StatusCreated, first.Code)

	second := e.do(&self, "POST", "/api/v1/orders", body, api.IdempotencyKeyHeader, "k-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	orders, err := e.s.ListOrders(context.Background(), e.portfolio.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	changed := e.do(&self, "POST", "/api/v1/orders", e.orderBody("3", "50"), api.IdempotencyKeyHeader, "k-1")
	assert.Equal(t, http.StatusUnprocessableEntity, changed.Code)
	assert.Equal(t, "idempotency_mismatch", decode[errBody](t, changed).Code)

	// Keys are scoped to the actor.
	advisor := model.Actor{ID: e.advisor.ID, Role: model.RoleAdvisor}
	w := e.do(&advisor, "POST", "/api/v1/orders", body, api.IdempotencyKeyHeader, "k-1")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get("Idempotent-Replayed"))
}

func TestPortfolioAndGroupViews(t *testing.T) {
	e := newEnv(t)
	self := e.self()
	advisor := model.Actor{ID: e.advisor.ID, Role: model.RoleAdvisor}
	require.Equal(t, http.StatusCreated, e.do(&self, "POST", "/api/v1/orders", e.orderBody("10", "50")).Code)

	w := e.do(&self, "GET", "/api/v1/portfolios/"+itoa(e.portfolio.ID)+"/valuation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[valuation.PortfolioValuation](t, w)
	require.Len(t, v.Positions, 1)
	assert.True(t, v.TotalMarketValue.Equal(d("500")))
	assert.True(t, v.TotalUnrealizedPnL.IsZero())

	other := model.Actor{ID: e.other.ID, Role: model.RoleClient}
	assert.Equal(t, http.StatusForbidden, e.do(&other, "GET", "/api/v1/portfolios/"+itoa(e.portfolio.ID)+"/valuation", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(&self, "GET", "/api/v1/portfolios/abc/valuation", nil).Code)

	g := &model.EconomicGroup{Name: "Castro"}
	e.s.PutGroup(g)
	e.s.AddMember(model.Membership{GroupID: g.ID, ClientID: e.client.ID})
	e.s.AddMember(model.Membership{GroupID: g.ID, ClientID: e.other.ID})

	w = e.do(&advisor, "GET", "/api/v1/groups/"+itoa(g.ID)+"/consolidated-positions", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cons := decode[[]valuation.ConsolidatedPosition](t, w)
	require.Len(t, cons, 1)
	assert.True(t, cons[0].TotalQuantity.Equal(d("10")))

	assert.Equal(t, http.StatusForbidden, e.do(&self, "GET", "/api/v1/groups/"+itoa(g.ID)+"/consolidated-positions", nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(&advisor, "GET", "/api/v1/groups/999/consolidated-positions", nil).Code)
}

func TestSuitabilityRoutes(t *testing.T) {
	e := newEnv(t)
	other := model.Actor{ID: e.other.ID, Role: model.RoleClient}

	w := e.do(&other, "GET", "/api/v1/suitability/questionnaire", nil)
	require.Equal(t, http.StatusOK, w.Code)
	q := decode[model.Questionnaire](t, w)

	answers := map[string]any{"answers": []model.Answer{
		{QuestionID: q.Questions[0].ID, OptionID: q.Questions[0].Options[1].ID},
		{QuestionID: q.Questions[1].ID, OptionID: q.Questions[1].Options[0].ID},
	}}
	w = e.do(&other, "POST", "/api/v1/clients/"+itoa(e.other.ID)+"/suitability", answers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[model.SuitabilityResponse](t, w)
	assert.Equal(t, 55, resp.Score)
	assert.Equal(t, model.ProfileModerate, resp.Profile)

	partial := map[string]any{"answers": []model.Answer{
		{QuestionID: q.Questions[0].ID, OptionID: q.Questions[0].Options[1].ID},
	}}
	w = e.do(&other, "POST", "/api/v1/clients/"+itoa(e.other.ID)+"/suitability", partial)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "incomplete_submission", decode[errBody](t, w).Code)

	w = e.do(&other, "GET", "/api/v1/clients/"+itoa(e.other.ID)+"/suitability", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.SuitabilityResponse](t, w), 1)

	w = e.do(&other, "GET", "/api/v1/clients/"+itoa(e.client.ID)+"/suitability", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCashRoutes(t *testing.T) {
	e := newEnv(t)
	advisor := model.Actor{ID: e.advisor.ID, Role: model.RoleAdvisor}
	path := "/api/v1/clients/" + itoa(e.other.ID)

	w := e.do(&advisor, "POST", path+"/deposits", map[string]string{"amount": "250.50"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cr := decode[api.CashResponse](t, w)
	assert.True(t, cr.Account.Balance.Equal(d("250.50")))
	assert.Equal(t, model.MovementDeposit, cr.Movement.Kind)

	w = e.do(&advisor, "POST", path+"/withdrawals", map[string]string{"amount": "300"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_funds", decode[errBody](t, w).Code)

	w = e.do(&advisor, "POST", path+"/withdrawals", map[string]string{"amount": "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(&advisor, "POST", path+"/withdrawals", map[string]string{"amount": "50.50"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = e.do(&advisor, "GET", path+"/statement", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[ledger.Statement](t, w)
	assert.True(t, st.Account.Balance.Equal(d("200")))
	require.Len(t, st.Movements, 2)
	assert.Equal(t, model.MovementWithdrawal, st.Movements[0].Kind)

	self := e.self()
	assert.Equal(t, http.StatusForbidden, e.do(&self, "GET", path+"/statement", nil).Code)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, func(o *api.Options) {
		o.RateLimitRPS = 0.001
		o.RateLimitBurst = 2
	})
	self := e.self()
	assert.Equal(t, http.StatusOK, e.do(&self, "GET", "/api/v1/suitability/questionnaire", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(&self, "GET", "/api/v1/suitability/questionnaire", nil).Code)
	w := e.do(&self, "GET", "/api/v1/suitability/questionnaire", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode[errBody](t, w).Code)

	// Health checks are not limited.
	assert.Equal(t, http.StatusOK, e.do(nil, "GET", "/health", nil).Code)
}

func TestWebSocketDeliversOwnOrdersOnly(t *testing.T) {
	e := newEnv(t)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	dial := func(actor model.Actor) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?access_token=" + e.token(actor)
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		resp.Body.Close()
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	owner := dial(e.self())
	advisor := dial(model.Actor{ID: e.advisor.ID, Role: model.RoleAdvisor})
	stranger := dial(model.Actor{ID: e.other.ID, Role: model.RoleClient})
	require.Eventually(t, func() bool { return e.hub.Count() == 3 }, 2*time.Second, 10*time.Millisecond)

	self := e.self()
	require.Equal(t, http.StatusCreated, e.do(&self, "POST", "/api/v1/orders", e.orderBody("1", "50")).Code)

	for _, conn := range []*websocket.Conn{owner, advisor} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ev map[string]any
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "order_executed", ev["type"])
		assert.EqualValues(t, e.client.ID, ev["client_id"])
		assert.NotContains(t, ev, "AdvisorID")
	}

	require.NoError(t, stranger.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := stranger.ReadMessage()
	require.Error(t, err)
}

func TestWebSocketRequiresToken(t *testing.T) {
	e := newEnv(t)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
