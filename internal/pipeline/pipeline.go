// Package pipeline wires the ingestion path described in spec §2
// ([Ingest Listener] -> [Parser Chain] -> [Ruleset Router] -> [Queue])
// on top of the existing net listeners in
// gastrolog/internal/ingester/syslog and .../relp: FromWire builds the
// msg.Message each listener already has the bytes to construct, and
// Pipeline.Ingest takes it the rest of the way through parsing and
// rule-set submission.
package pipeline

import (
	"time"

	"gastrolog/internal/ingester/syslogparse"
	"gastrolog/internal/msg"
	"gastrolog/internal/parserchain"
	"gastrolog/internal/ruleset"
)

// FromWire builds a fresh Message from a single received record (spec
// §4.1 lifecycle: "constructed by a listener"), extracting the PRI
// field with the same byte-scanning rule syslogparse.ParsePriority
// uses, and leaving everything past the priority for the parser chain.
func FromWire(raw []byte, remoteIP, inputName string) *msg.Message {
	m := msg.ConstructWithTime(time.Time{}, time.Now())
	m.SetRaw(raw)
	m.SetRcvFromIP(remoteIP)
	m.SetInputName(inputName)

	if pri, rest, ok := syslogparse.ParsePriority(raw); ok {
		m.SetFacility(pri / 8)
		m.SetSeverity(pri % 8)
		m.SetAfterPriOffset(len(raw) - len(rest))
	} else {
		m.SetFacility(1) // user-level, the conventional default when no PRI is present
		m.SetSeverity(5) // notice
		m.SetAfterPriOffset(0)
	}
	m.SetMsgOffset(m.AfterPriOffset())
	return m
}

// Pipeline ties a parser chain and a rule-set router together as the
// single entry point ingesters call per received record.
type Pipeline struct {
	Chain  *parserchain.Chain
	Router *ruleset.Router
}

// Ingest builds a Message from raw wire bytes, runs it through the
// pipeline's parser chain, and submits it to the routed rule set.
func (p *Pipeline) Ingest(raw []byte, remoteIP, inputName string) error {
	m := FromWire(raw, remoteIP, inputName)
	if p.Chain != nil {
		p.Chain.Run(m)
	}
	return p.Router.Submit(m)
}
