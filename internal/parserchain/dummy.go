package parserchain

import "gastrolog/internal/msg"

// DummyParser is the pass-through parser: it moves the message offset
// past the priority and always reports Parsed (spec §4.5 "dummy"),
// guaranteeing every chain terminates even when nothing upstream of it
// understood the message.
type DummyParser struct{}

func NewDummyParser() *DummyParser { return &DummyParser{} }

func (p *DummyParser) Name() string { return "dummy" }

func (p *DummyParser) IsCompatibleWith(f Feature) bool { return f == FeatureAutoPRI }

func (p *DummyParser) CreateInstance(params map[string]string) (Instance, error) { return nil, nil }

func (p *DummyParser) Parse(m *msg.Message, inst Instance) Result {
	m.SetMsgOffset(m.AfterPriOffset())
	return Parsed
}
