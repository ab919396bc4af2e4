package parserchain

import (
	"bytes"

	"gastrolog/internal/msg"
)

// CiscoNamesParser and AIXForwardedFromParser are transform-only
// parsers (spec §4.5): they rewrite the raw buffer in place to strip a
// vendor-specific prefix, then always return CouldNotParse so the next
// parser in the chain sees the normalized form.

// CiscoNamesParser strips Cisco's "%FACILITY-SEVERITY-MNEMONIC:"
// style prefix some IOS devices prepend ahead of the standard tag.
type CiscoNamesParser struct{}

func NewCiscoNamesParser() *CiscoNamesParser { return &CiscoNamesParser{} }

func (p *CiscoNamesParser) Name() string { return "cisconames" }

func (p *CiscoNamesParser) IsCompatibleWith(f Feature) bool { return false }

func (p *CiscoNamesParser) CreateInstance(params map[string]string) (Instance, error) {
	return nil, nil
}

func (p *CiscoNamesParser) Parse(m *msg.Message, inst Instance) Result {
	body := m.Body()
	if len(body) == 0 || body[0] != '%' {
		return CouldNotParse
	}
	end := bytes.IndexByte(body, ':')
	if end < 0 || end > 64 {
		return CouldNotParse
	}
	rest := body[end+1:]
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	rewriteBody(m, rest)
	return CouldNotParse
}

// rewriteBody replaces everything from the current message offset
// onward with newBody, preserving the header bytes (and therefore the
// after-pri/msg offsets) ahead of it.
func rewriteBody(m *msg.Message, newBody []byte) {
	afterPri, msgOff := m.AfterPriOffset(), m.MsgOffset()
	prefix := append([]byte{}, m.Raw()[:msgOff]...)
	m.SetRaw(append(prefix, newBody...))
	m.SetAfterPriOffset(afterPri)
	m.SetMsgOffset(msgOff)
}

// AIXForwardedFromParser strips the "[forwarded from host]" suffix AIX
// syslogd appends when relaying a message it originally received from
// another host.
type AIXForwardedFromParser struct{}

func NewAIXForwardedFromParser() *AIXForwardedFromParser { return &AIXForwardedFromParser{} }

func (p *AIXForwardedFromParser) Name() string { return "aixforwardedfrom" }

func (p *AIXForwardedFromParser) IsCompatibleWith(f Feature) bool { return false }

func (p *AIXForwardedFromParser) CreateInstance(params map[string]string) (Instance, error) {
	return nil, nil
}

var aixForwardedMarker = []byte("[forwarded from ")

func (p *AIXForwardedFromParser) Parse(m *msg.Message, inst Instance) Result {
	body := m.Body()
	idx := bytes.Index(body, aixForwardedMarker)
	if idx < 0 {
		return CouldNotParse
	}
	end := bytes.IndexByte(body[idx:], ']')
	if end < 0 {
		return CouldNotParse
	}
	host := string(body[idx+len(aixForwardedMarker) : idx+end])
	m.SetRcvFrom(host)

	trimmed := append([]byte{}, body[:idx]...)
	trimmed = append(trimmed, body[idx+end+1:]...)
	rewriteBody(m, trimmed)
	return CouldNotParse
}
