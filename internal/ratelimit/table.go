package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Action names a rate-limited operation.
type Action string

const (
	ActionBattleStart     Action = "BATTLE_START"
	ActionBattleAccept    Action = "BATTLE_ACCEPT"
	ActionBattleVote      Action = "BATTLE_VOTE"
	ActionTweetValidation Action = "TWEET_VALIDATION"
	ActionPaymentCreate   Action = "PAYMENT_CREATE"
	ActionAPIGeneral      Action = "API_GENERAL"
	ActionAdmin           Action = "ADMIN_ACTION"
)

// Rule is the allowance for one action: Limit requests per Window.
type Rule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Table maps actions to rules. Actions absent from the table are unlimited.
type Table map[Action]Rule

// DefaultTable returns the production allowances.
func DefaultTable() Table {
	return Table{
		ActionBattleStart:     {Limit: 5, Window: time.Hour},
		ActionBattleAccept:    {Limit: 10, Window: time.Hour},
		ActionBattleVote:      {Limit: 50, Window: time.Hour},
		ActionTweetValidation: {Limit: 20, Window: time.Minute},
		ActionPaymentCreate:   {Limit: 15, Window: time.Hour},
		ActionAPIGeneral:      {Limit: 100, Window: time.Minute},
		ActionAdmin:           {Limit: 50, Window: time.Minute},
	}
}

// LoadTable reads per-action overrides from a YAML file and merges them
// onto the defaults. An empty path returns the defaults.
//
//	BATTLE_VOTE:
//	  limit: 20
//	  window: 30m
func LoadTable(path string) (Table, error) {
	table := DefaultTable()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit table: %w", err)
	}

	var overrides map[Action]Rule
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse rate limit table: %w", err)
	}

	for action, rule := range overrides {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return nil, fmt.Errorf("rate limit %s: limit and window must be positive", action)
		}
		table[action] = rule
	}
	return table, nil
}
