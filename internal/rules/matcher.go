package rules

import (
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Matcher holds the compiled active-rule set and selects the winning rule
// for a transaction. First match wins: rules are walked in ascending
// (priority, created_at, id) order, which is a total order for any set.
//
// The active slice is copy-on-write: writers build and publish a fresh
// slice, never mutating one already published, so Match can iterate its
// snapshot after releasing the lock.
type Matcher struct {
	mu    sync.RWMutex
	rules []*activeRule
}

type activeRule struct {
	rule       *domain.Rule
	conditions *CompiledConditions
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Load compiles a rule and inserts it into the active set, replacing any
// previous version with the same ID. Rules that are not active are
// removed instead.
func (m *Matcher) Load(rule *domain.Rule) error {
	if rule.Status != domain.RuleStatusActive {
		m.Remove(rule.ID)
		return nil
	}

	compiled, err := Compile(rule.Conditions)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]*activeRule, 0, len(m.rules)+1)
	for _, ar := range m.rules {
		if ar.rule.ID != rule.ID {
			next = append(next, ar)
		}
	}
	next = append(next, &activeRule{rule: rule, conditions: compiled})
	sortActive(next)
	m.rules = next

	return nil
}

// Reload replaces the whole active set. Inactive and draft rules are
// skipped. On compile failure nothing is swapped.
func (m *Matcher) Reload(rules []*domain.Rule) error {
	next := make([]*activeRule, 0, len(rules))
	for _, r := range rules {
		if r.Status != domain.RuleStatusActive {
			continue
		}
		compiled, err := Compile(r.Conditions)
		if err != nil {
			return err
		}
		next = append(next, &activeRule{rule: r, conditions: compiled})
	}
	sortActive(next)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = next

	return nil
}

// Remove drops a rule from the active set immediately. A deleted rule
// must never win another match.
func (m *Matcher) Remove(ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]*activeRule, 0, len(m.rules))
	for _, ar := range m.rules {
		if ar.rule.ID != ruleID {
			next = append(next, ar)
		}
	}
	m.rules = next
}

// Match walks the active set in priority order and returns the first rule
// whose conditions match, along with its match result. ok is false when
// no rule matches and the transaction stays uncategorized.
func (m *Matcher) Match(tx *domain.Transaction) (rule *domain.Rule, result domain.MatchResult, ok bool) {
	m.mu.RLock()
	active := m.rules
	m.mu.RUnlock()

	for _, ar := range active {
		res := ar.conditions.Evaluate(tx)
		if res.Matched {
			return ar.rule, res, true
		}
	}

	return nil, domain.MatchResult{}, false
}

// Count returns the number of active rules.
func (m *Matcher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

// Rules returns the active rules in evaluation order.
func (m *Matcher) Rules() []*domain.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Rule, len(m.rules))
	for i, ar := range m.rules {
		out[i] = ar.rule
	}
	return out
}

func sortActive(rules []*activeRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i].rule, rules[j].rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
