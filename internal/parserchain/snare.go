package parserchain

import (
	"bytes"

	"gastrolog/internal/msg"
)

// SnareParser recognizes Snare agent messages, which arrive either
// syslog-framed (standard PRI+header, then a tab-separated Snare
// payload as the message body) or raw (no syslog framing at all, just
// the tab-separated payload) (spec §4.5 "snare"). It distinguishes the
// two by probing for a tab separator and one of the known Snare tag
// prefixes, then rewrites the message to remove the tab-encoding.
type SnareParser struct{}

func NewSnareParser() *SnareParser { return &SnareParser{} }

func (p *SnareParser) Name() string { return "snare" }

func (p *SnareParser) IsCompatibleWith(f Feature) bool { return false }

func (p *SnareParser) CreateInstance(params map[string]string) (Instance, error) { return nil, nil }

var snareTagPrefixes = [][]byte{[]byte("MSWinEventLog"), []byte("LinuxKAudit")}

func (p *SnareParser) Parse(m *msg.Message, inst Instance) Result {
	body := m.Body()
	if !bytes.ContainsRune(body, '\t') {
		return CouldNotParse
	}

	matched := false
	for _, prefix := range snareTagPrefixes {
		if bytes.HasPrefix(body, prefix) || bytes.Contains(body[:min(len(body), 32)], prefix) {
			matched = true
			break
		}
	}
	if !matched {
		return CouldNotParse
	}

	rewritten := bytes.ReplaceAll(body, []byte("\t"), []byte(" "))
	rewriteBody(m, rewritten)

	fields := bytes.SplitN(rewritten, []byte(" "), 3)
	if len(fields) > 0 {
		m.AddJSON("!snare!source", string(fields[0]))
	}
	return Parsed
}
