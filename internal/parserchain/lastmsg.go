package parserchain

import (
	"bytes"

	"gastrolog/internal/msg"
)

// LastMsgParser detects the literal "last message repeated N times"
// form emitted by syslogd's own duplicate-suppression (spec §4.5
// "lastmsg"): on match it clears the tag and uses the received
// timestamp as the reported one, since the repeated line carries no
// timestamp of its own.
type LastMsgParser struct{}

func NewLastMsgParser() *LastMsgParser { return &LastMsgParser{} }

func (p *LastMsgParser) Name() string { return "lastmsg" }

func (p *LastMsgParser) IsCompatibleWith(f Feature) bool { return false }

func (p *LastMsgParser) CreateInstance(params map[string]string) (Instance, error) { return nil, nil }

var lastMsgPrefix = []byte("last message repeated")

func (p *LastMsgParser) Parse(m *msg.Message, inst Instance) Result {
	body := m.Body()
	if !bytes.Contains(body, lastMsgPrefix) {
		return CouldNotParse
	}
	m.SetTag("")
	m.SetReportedTime(m.ReceivedTime())
	return Parsed
}
