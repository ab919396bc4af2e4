// Package ruleset binds a parsed Message to a named rule set and
// submits it to that rule set's actions (spec §4.6). It is grounded on
// the compiled-filter pattern in
// gastrolog/internal/orchestrator/route.go and filter.go — a small
// fixed set of filter kinds (none/catch-all/catch-rest/predicate),
// evaluated in order — adapted from chunk.Attributes-based store
// routing to msg.Message-based rule-set routing.
package ruleset

import (
	"errors"
	"fmt"
	"log/slog"

	"gastrolog/internal/logging"
	"gastrolog/internal/msgqueue"
	"gastrolog/internal/parserchain"

	"gastrolog/internal/msg"
)

// ErrNoRuleSet is returned by Router.Route when no rule set matches and
// no default is configured.
var ErrNoRuleSet = errors.New("ruleset: no matching rule set and no default configured")

// Predicate reports whether m should be handled by a rule set.
type Predicate func(m *msg.Message) bool

// Kind mirrors the orchestrator's filter-kind pattern: most rule sets
// are either unconditional (catch-all), a fallback for anything else
// unmatched (catch-rest), or driven by an arbitrary predicate.
type Kind int

const (
	KindCatchAll Kind = iota
	KindCatchRest
	KindPredicate
)

// RuleSet is a named collection of actions (here: a single action
// queue — multiple actions are modeled as multiple rule sets bound to
// the same filter, spec §4.6 "a named collection of actions plus
// filter predicates") plus the parser chain bound to it.
type RuleSet struct {
	Name      string
	Kind      Kind
	Predicate Predicate
	Chain     *parserchain.Chain // nil means "no chain-level parsing, use whatever the ingester already set"
	Queue     *msgqueue.Queue
}

func (rs *RuleSet) matches(m *msg.Message) bool {
	switch rs.Kind {
	case KindCatchAll:
		return true
	case KindPredicate:
		return rs.Predicate != nil && rs.Predicate(m)
	default:
		return false
	}
}

// Router evaluates a message against its configured rule sets (spec
// §4.6): an explicit rule-set binding on the message (set by a parser,
// e.g. rfc3164's headerless mode) takes priority; otherwise rule sets
// are tried in order, with any KindCatchRest entries held back for a
// second pass once no ordinary match was found. If nothing matches at
// all, the default rule set (if any) is used.
type Router struct {
	logger      *slog.Logger
	byName      map[string]*RuleSet
	ordered     []*RuleSet
	defaultName string
}

// Config configures a Router.
type Config struct {
	RuleSets    []*RuleSet
	DefaultName string // name of the rule set used when nothing else matches; "" disables the default
	Logger      *slog.Logger
}

func NewRouter(cfg Config) (*Router, error) {
	r := &Router{
		logger:      logging.Default(cfg.Logger).With("component", "ruleset"),
		byName:      make(map[string]*RuleSet, len(cfg.RuleSets)),
		ordered:     append([]*RuleSet(nil), cfg.RuleSets...),
		defaultName: cfg.DefaultName,
	}
	for _, rs := range cfg.RuleSets {
		if _, dup := r.byName[rs.Name]; dup {
			return nil, fmt.Errorf("ruleset: duplicate rule set name %q", rs.Name)
		}
		r.byName[rs.Name] = rs
	}
	if cfg.DefaultName != "" {
		if _, ok := r.byName[cfg.DefaultName]; !ok {
			return nil, fmt.Errorf("ruleset: default rule set %q not found", cfg.DefaultName)
		}
	}
	return r, nil
}

// Route picks the rule set that should handle m.
func (router *Router) Route(m *msg.Message) (*RuleSet, error) {
	if bound := m.RuleSet(); bound != "" {
		if rs, ok := router.byName[bound]; ok {
			return rs, nil
		}
		router.logger.Warn("message bound to unknown rule set, falling back", "ruleset", bound)
	}

	var catchRest *RuleSet
	for _, rs := range router.ordered {
		if rs.Kind == KindCatchRest {
			if catchRest == nil {
				catchRest = rs
			}
			continue
		}
		if rs.matches(m) {
			return rs, nil
		}
	}
	if catchRest != nil {
		return catchRest, nil
	}
	if router.defaultName != "" {
		return router.byName[router.defaultName], nil
	}
	return nil, ErrNoRuleSet
}

// Submit parses m through the routed rule set's parser chain (if any)
// and hands it to that rule set's action queue. Per spec §4.6, action
// submission is handing a (possibly refcount-duplicated) message to the
// action's own queue — here, a single AddRef per submission, since each
// RuleSet models one action.
func (router *Router) Submit(m *msg.Message) error {
	rs, err := router.Route(m)
	if err != nil {
		return err
	}
	if rs.Chain != nil {
		rs.Chain.Run(m)
	}
	m.SetRuleSet(rs.Name)
	return rs.Queue.Enqueue(m.AddRef())
}
