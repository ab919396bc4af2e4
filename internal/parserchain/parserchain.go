// Package parserchain implements the ordered, pluggable parser pipeline
// described in spec §4.5: each configured parser gets a turn at a
// Message, either extracting structure from it, transforming its raw
// buffer in place, or declining (CouldNotParse) so the next parser in
// the chain gets a turn. It is grounded on
// gastrolog/internal/ingester/syslogparse's field-extraction primitives
// and on internal/ingester/syslog's listener-to-message wiring.
package parserchain

import (
	"fmt"

	"gastrolog/internal/msg"
)

// Feature names a capability a Parser can report supporting via
// IsCompatibleWith (spec §4.5).
type Feature int

const (
	FeatureAutoSanitize Feature = iota
	FeatureAutoPRI
)

// Result is what Parse returns: either the message was understood
// (Parsed) or the parser declined and the chain should try the next
// one (CouldNotParse).
type Result int

const (
	Parsed Result = iota
	CouldNotParse
)

// Instance is the per-rule-set, per-parser configured state returned by
// Parser.CreateInstance. Parsers that need no configuration can ignore
// it (return nil) and accept nil on Parse.
type Instance interface{}

// Parser is one pipeline stage (spec §4.5). Implementations must not
// hold a Message reference past the Parse call.
type Parser interface {
	// Name identifies the parser in rule-set configuration and logs.
	Name() string
	// IsCompatibleWith reports whether this parser provides feature.
	IsCompatibleWith(feature Feature) bool
	// CreateInstance builds configured state from a parser's named
	// options (spec §4.5 lists each parser's recognized option set).
	CreateInstance(params map[string]string) (Instance, error)
	// Parse attempts to extract structure from m, or to transform its
	// raw buffer and yield to the next parser.
	Parse(m *msg.Message, inst Instance) Result
}

// Chain is an ordered sequence of (Parser, Instance) pairs bound to a
// rule set (spec §4.5 "the chain is ordered per rule-set binding").
type Chain struct {
	stages []stage
}

type stage struct {
	parser Parser
	inst   Instance
}

// NewChain builds a Chain from an ordered list of parsers, each
// configured with its own option set. params may be nil for parsers
// that need no configuration.
func NewChain(entries []ChainEntry) (*Chain, error) {
	c := &Chain{stages: make([]stage, 0, len(entries))}
	for _, e := range entries {
		inst, err := e.Parser.CreateInstance(e.Params)
		if err != nil {
			return nil, fmt.Errorf("parserchain: %s: %w", e.Parser.Name(), err)
		}
		c.stages = append(c.stages, stage{parser: e.Parser, inst: inst})
	}
	return c, nil
}

// ChainEntry pairs a Parser with its rule-set-specific options.
type ChainEntry struct {
	Parser Parser
	Params map[string]string
}

// Run tries every stage in order, stopping at the first one that
// returns Parsed. A message no parser accepts is left with its scalar
// fields in whatever state the last stage left them (spec §4.5
// "failure propagation") — Run reports that case by returning false.
func (c *Chain) Run(m *msg.Message) bool {
	for _, s := range c.stages {
		if s.parser.Parse(m, s.inst) == Parsed {
			return true
		}
	}
	return false
}
