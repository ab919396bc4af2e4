package msg

import "strings"

// ProgramName returns the leading alphanumeric-ish prefix of the tag: the
// longest run of printable, non-':' non-'[' non-'/' characters (spec
// §4.1). The result is cached; SetTag invalidates the cache.
func (m *Message) ProgramName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.haveProgName {
		return m.cache.programName
	}
	name := extractProgramName(m.tag)
	m.cache.programName = name
	m.cache.haveProgName = true
	return name
}

func extractProgramName(tag string) string {
	end := 0
	for end < len(tag) {
		c := tag[end]
		if c < 0x21 || c == 0x7f || c == ':' || c == '[' || c == '/' {
			break
		}
		end++
	}
	return tag[:end]
}

// EffectiveAppName emulates APPNAME for legacy-format messages that carry
// no RFC 5424 APP-NAME of their own: if the message is syslog-protocol
// (iProtocolVersion == 1) and APPNAME was explicitly set, that value wins;
// otherwise the program name derived from the tag is returned (spec
// §4.1 "APPNAME / PROCID emulation").
func (m *Message) EffectiveAppName() string {
	if m.ProtocolVersion() == 1 {
		if a := m.AppName(); a != "" {
			return a
		}
	}
	return m.ProgramName()
}

// EffectiveProcID emulates PROCID: if syslog-protocol PROCID was
// explicitly set, it wins; otherwise it is parsed from the substring
// between the first '[' and the matching ']' in the tag.
func (m *Message) EffectiveProcID() string {
	if m.ProtocolVersion() == 1 {
		if p := m.ProcID(); p != "" {
			return p
		}
	}
	tag := m.Tag()
	start := strings.IndexByte(tag, '[')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(tag[start+1:], ']')
	if end < 0 {
		return ""
	}
	return tag[start+1 : start+1+end]
}
