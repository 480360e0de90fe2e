// Package memory provides in-memory implementations of the storage
// interfaces. All stores built by New share one lock so that rules spanning
// rounds and agents hold atomically.
package memory

import (
	"sync"

	"github.com/atlas-desktop/arena-backend/internal/storage"
	"github.com/atlas-desktop/arena-backend/pkg/types"
)

type db struct {
	mu      sync.RWMutex
	rounds  map[string]*types.Round
	agents  map[string]*types.Agent
	results map[string]*types.AgentResult // keyed by agent id
	users   map[string]*types.User
}

// New returns a fresh in-memory store.
func New() *storage.Store {
	d := &db{
		rounds:  make(map[string]*types.Round),
		agents:  make(map[string]*types.Agent),
		results: make(map[string]*types.AgentResult),
		users:   make(map[string]*types.User),
	}
	return &storage.Store{
		Rounds:  &RoundStore{db: d},
		Agents:  &AgentStore{db: d},
		Results: &ResultStore{db: d},
		Users:   &UserStore{db: d},
	}
}

func copyRound(r *types.Round) *types.Round {
	c := *r
	c.PriceData = append([]types.ChartDataPoint(nil), r.PriceData...)
	c.SpyReturns = append([]types.ChartDataPoint(nil), r.SpyReturns...)
	if r.Config.Market.NumTicks != nil {
		n := *r.Config.Market.NumTicks
		c.Config.Market.NumTicks = &n
	}
	if r.ErrorMessage != nil {
		m := *r.ErrorMessage
		c.ErrorMessage = &m
	}
	return &c
}

func copyAgent(a *types.Agent) *types.Agent {
	c := *a
	c.Result = nil
	c.UserNickname = nil
	c.UserColor = nil
	return &c
}

func copyResult(r *types.AgentResult) *types.AgentResult {
	c := *r
	c.EquityCurve = append([]types.ChartDataPoint(nil), r.EquityCurve...)
	c.CumulativeAlpha = append([]types.ChartDataPoint(nil), r.CumulativeAlpha...)
	c.Trades = append([]types.Trade(nil), r.Trades...)
	return &c
}

// agentCount must be called with d.mu held.
func (d *db) agentCount(roundID string) int {
	n := 0
	for _, a := range d.agents {
		if a.RoundID == roundID {
			n++
		}
	}
	return n
}
