// Package fixture seeds the in-memory store from a YAML file so the server
// can run without a database. Entities refer to each other by key; the store
// assigns the numeric ids.
package fixture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/product"
	"github.com/wealthdesk/ledger/internal/store"
	"github.com/wealthdesk/ledger/internal/suitability"
)

const dateLayout = "2006-01-02"

// File is the top-level fixture document.
type File struct {
	Advisors       []Advisor       `yaml:"advisors"`
	Clients        []Client        `yaml:"clients"`
	Products       []Product       `yaml:"products"`
	Questionnaires []Questionnaire `yaml:"questionnaires"`
	Suitability    []Response      `yaml:"suitability"`
	Positions      []Position      `yaml:"positions"`
	Groups         []Group         `yaml:"groups"`
}

type Advisor struct {
	Key      string `yaml:"key"`
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Superior string `yaml:"superior"`
}

type Client struct {
	Key        string   `yaml:"key"`
	Advisor    string   `yaml:"advisor"`
	Name       string   `yaml:"name"`
	Email      string   `yaml:"email"`
	Account    *Account `yaml:"account"`
	Portfolios []string `yaml:"portfolios"`
}

type Account struct {
	Number  string          `yaml:"number"`
	Balance decimal.Decimal `yaml:"balance"`
}

type Product struct {
	Ticker      string               `yaml:"ticker"`
	ISIN        string               `yaml:"isin"`
	Name        string               `yaml:"name"`
	Issuer      string               `yaml:"issuer"`
	RiskLevel   *int                 `yaml:"risk_level"`
	Class       string               `yaml:"asset_class"`
	Equity      *model.EquityDetails `yaml:"equity"`
	FixedIncome *FixedIncome         `yaml:"fixed_income"`
	Fund        *model.FundDetails   `yaml:"fund"`
	Prices      []Price              `yaml:"prices"`
}

type FixedIncome struct {
	Kind     string          `yaml:"kind"`
	Maturity string          `yaml:"maturity"`
	Indexer  string          `yaml:"indexer"`
	Rate     decimal.Decimal `yaml:"rate"`
}

type Price struct {
	Date  string          `yaml:"date"`
	Close decimal.Decimal `yaml:"close"`
}

type Questionnaire struct {
	Name          string     `yaml:"name"`
	EffectiveDate string     `yaml:"effective_date"`
	Questions     []Question `yaml:"questions"`
}

type Question struct {
	Text    string   `yaml:"text"`
	Options []Option `yaml:"options"`
}

type Option struct {
	Text   string `yaml:"text"`
	Points int    `yaml:"points"`
}

// Response records a past questionnaire result. The profile follows from
// the score.
type Response struct {
	Client        string `yaml:"client"`
	Questionnaire string `yaml:"questionnaire"`
	Score         int    `yaml:"score"`
	RespondedAt   string `yaml:"responded_at"`
}

type Position struct {
	Client      string          `yaml:"client"`
	Portfolio   string          `yaml:"portfolio"`
	Product     string          `yaml:"product"`
	Quantity    decimal.Decimal `yaml:"quantity"`
	AverageCost decimal.Decimal `yaml:"average_cost"`
}

type Group struct {
	Name    string   `yaml:"name"`
	Members []Member `yaml:"members"`
}

type Member struct {
	Client string `yaml:"client"`
	Role   string `yaml:"role"`
}

// Parse decodes a fixture document. Unknown fields are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return &f, nil
}

// LoadFile parses path and applies it to s.
func LoadFile(path string, s *store.MemoryStore) (*Summary, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return nil, err
	}
	return f.Apply(s)
}

// Summary counts what Apply seeded.
type Summary struct {
	Advisors  int
	Clients   int
	Products  int
	Prices    int
	Positions int
	Groups    int
}

// Apply validates and seeds the fixture into s in dependency order. It stops
// at the first invalid entry; entries before it stay seeded.
func (f *File) Apply(s *store.MemoryStore) (*Summary, error) {
	var sum Summary
	advisors := map[string]*model.Advisor{}
	clients := map[string]*model.Client{}
	portfolios := map[string]int64{}
	products := map[string]int64{}
	versions := map[string]int64{}

	for _, a := range f.Advisors {
		if a.Key == "" {
			return nil, fmt.Errorf("advisor %q: key is required", a.Name)
		}
		if _, dup := advisors[a.Key]; dup {
			return nil, fmt.Errorf("advisor %q: duplicate key", a.Key)
		}
		m := &model.Advisor{Name: a.Name, Email: a.Email}
		s.PutAdvisor(m)
		advisors[a.Key] = m
		sum.Advisors++
	}
	for _, a := range f.Advisors {
		if a.Superior == "" {
			continue
		}
		sup, ok := advisors[a.Superior]
		if !ok {
			return nil, fmt.Errorf("advisor %q: unknown superior %q", a.Key, a.Superior)
		}
		m := advisors[a.Key]
		m.SuperiorID = &sup.ID
		s.PutAdvisor(m)
	}

	for _, c := range f.Clients {
		if c.Key == "" {
			return nil, fmt.Errorf("client %q: key is required", c.Name)
		}
		if _, dup := clients[c.Key]; dup {
			return nil, fmt.Errorf("client %q: duplicate key", c.Key)
		}
		adv, ok := advisors[c.Advisor]
		if !ok {
			return nil, fmt.Errorf("client %q: unknown advisor %q", c.Key, c.Advisor)
		}
		m := &model.Client{AdvisorID: adv.ID, Name: c.Name, Email: c.Email}
		s.PutClient(m)
		clients[c.Key] = m

		if c.Account != nil {
			if c.Account.Balance.IsNegative() {
				return nil, fmt.Errorf("client %q: negative balance %s", c.Key, c.Account.Balance)
			}
			s.PutAccount(&model.Account{ClientID: m.ID, Number: c.Account.Number, Balance: c.Account.Balance})
		}
		for _, name := range c.Portfolios {
			p := &model.Portfolio{ClientID: m.ID, Name: name}
			s.PutPortfolio(p)
			portfolios[c.Key+"/"+name] = p.ID
		}
		sum.Clients++
	}

	for _, p := range f.Products {
		m, err := p.model()
		if err != nil {
			return nil, err
		}
		if _, dup := products[m.Ticker]; dup {
			return nil, fmt.Errorf("product %q: duplicate ticker", m.Ticker)
		}
		s.PutProduct(m)
		products[m.Ticker] = m.ID
		sum.Products++

		for _, pr := range p.Prices {
			day, err := time.Parse(dateLayout, pr.Date)
			if err != nil {
				return nil, fmt.Errorf("product %q: price date %q: %w", m.Ticker, pr.Date, err)
			}
			if !pr.Close.IsPositive() {
				return nil, fmt.Errorf("product %q: close on %s must be positive", m.Ticker, pr.Date)
			}
			if err := s.AddPrice(&model.PricePoint{ProductID: m.ID, Date: day, ClosePrice: pr.Close}); err != nil {
				return nil, fmt.Errorf("product %q: %w", m.Ticker, err)
			}
			sum.Prices++
		}
	}

	for _, q := range f.Questionnaires {
		eff, err := time.Parse(dateLayout, q.EffectiveDate)
		if err != nil {
			return nil, fmt.Errorf("questionnaire %q: effective date %q: %w", q.Name, q.EffectiveDate, err)
		}
		m := &model.Questionnaire{Name: q.Name, EffectiveDate: eff}
		for _, qq := range q.Questions {
			if len(qq.Options) == 0 {
				return nil, fmt.Errorf("questionnaire %q: question %q has no options", q.Name, qq.Text)
			}
			mq := model.Question{Text: qq.Text}
			for _, o := range qq.Options {
				mq.Options = append(mq.Options, model.Option{Text: o.Text, Points: o.Points})
			}
			m.Questions = append(m.Questions, mq)
		}
		s.PutQuestionnaire(m)
		versions[q.Name] = m.ID
	}

	for _, r := range f.Suitability {
		c, ok := clients[r.Client]
		if !ok {
			return nil, fmt.Errorf("suitability: unknown client %q", r.Client)
		}
		at := time.Now().UTC()
		if r.RespondedAt != "" {
			t, err := time.Parse(time.RFC3339, r.RespondedAt)
			if err != nil {
				return nil, fmt.Errorf("suitability of %q: responded_at %q: %w", r.Client, r.RespondedAt, err)
			}
			at = t.UTC()
		}
		var version int64
		if r.Questionnaire != "" {
			if version, ok = versions[r.Questionnaire]; !ok {
				return nil, fmt.Errorf("suitability of %q: unknown questionnaire %q", r.Client, r.Questionnaire)
			}
		}
		s.AddSuitabilityResponse(&model.SuitabilityResponse{
			ClientID:    c.ID,
			VersionID:   version,
			RespondedAt: at,
			Score:       r.Score,
			Profile:     suitability.ProfileForScore(r.Score),
		})
	}

	for _, p := range f.Positions {
		pfID, ok := portfolios[p.Client+"/"+p.Portfolio]
		if !ok {
			return nil, fmt.Errorf("position: unknown portfolio %q of client %q", p.Portfolio, p.Client)
		}
		ticker, err := product.ParseTicker(p.Product)
		if err != nil {
			return nil, fmt.Errorf("position: %w", err)
		}
		prodID, ok := products[ticker]
		if !ok {
			return nil, fmt.Errorf("position: unknown product %q", p.Product)
		}
		if p.AverageCost.IsNegative() {
			return nil, fmt.Errorf("position %s in %s/%s: negative average cost", ticker, p.Client, p.Portfolio)
		}
		err = s.PutPosition(&model.Position{PortfolioID: pfID, ProductID: prodID, Quantity: p.Quantity, AverageCost: p.AverageCost})
		if err != nil {
			return nil, fmt.Errorf("position %s in %s/%s: %w", ticker, p.Client, p.Portfolio, err)
		}
		sum.Positions++
	}

	for _, g := range f.Groups {
		m := &model.EconomicGroup{Name: g.Name, CreatedAt: time.Now().UTC()}
		s.PutGroup(m)
		for _, mem := range g.Members {
			c, ok := clients[mem.Client]
			if !ok {
				return nil, fmt.Errorf("group %q: unknown client %q", g.Name, mem.Client)
			}
			s.AddMember(model.Membership{GroupID: m.ID, ClientID: c.ID, Role: mem.Role})
		}
		sum.Groups++
	}

	return &sum, nil
}

func (p Product) model() (*model.Product, error) {
	class, err := product.ParseAssetClass(p.Class)
	if err != nil {
		return nil, fmt.Errorf("product %q: %w", p.Ticker, err)
	}
	m := &model.Product{
		Ticker:    p.Ticker,
		ISIN:      p.ISIN,
		Name:      p.Name,
		Issuer:    p.Issuer,
		RiskLevel: p.RiskLevel,
		Class:     class,
	}

	set := 0
	if p.Equity != nil {
		m.Details = *p.Equity
		set++
	}
	if p.FixedIncome != nil {
		fi := model.FixedIncomeDetails{Kind: p.FixedIncome.Kind, Indexer: p.FixedIncome.Indexer, Rate: p.FixedIncome.Rate}
		if p.FixedIncome.Maturity != "" {
			if fi.Maturity, err = time.Parse(dateLayout, p.FixedIncome.Maturity); err != nil {
				return nil, fmt.Errorf("product %q: maturity %q: %w", p.Ticker, p.FixedIncome.Maturity, err)
			}
		}
		m.Details = fi
		set++
	}
	if p.Fund != nil {
		m.Details = *p.Fund
		set++
	}
	if set > 1 {
		return nil, fmt.Errorf("product %q: %w", p.Ticker, product.ErrDetailsMismatch)
	}

	if err := product.Validate(m); err != nil {
		return nil, fmt.Errorf("product %q: %w", p.Ticker, err)
	}
	return m, nil
}
