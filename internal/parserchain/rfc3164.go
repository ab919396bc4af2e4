package parserchain

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gastrolog/internal/msg"
)

// RFC3164Parser recognizes BSD-style "Mmm DD HH:MM:SS" (optionally with
// a leading year) + hostname + tag framing (spec §4.5 "rfc3164"),
// grounded on ParseRFC3164 in
// gastrolog/internal/ingester/syslogparse/parse.go, generalized into a
// parser-chain stage with the full option set the spec names.
type RFC3164Parser struct{}

func NewRFC3164Parser() *RFC3164Parser { return &RFC3164Parser{} }

func (p *RFC3164Parser) Name() string { return "rfc3164" }

func (p *RFC3164Parser) IsCompatibleWith(f Feature) bool {
	return f == FeatureAutoSanitize || f == FeatureAutoPRI
}

// RFC3164Options holds the parser's configured option set (spec §4.5).
type RFC3164Options struct {
	DetectYearAfterTimestamp    bool
	PermitSquareBracketsInHost  bool
	PermitSlashesInHostname     bool
	PermitAtSignsInHostname     bool
	ForceTagEndingByColon       bool
	RemoveMsgFirstSpace         bool
	DetectHeaderless            bool
	HeaderlessHostname          string
	HeaderlessTag               string
	HeaderlessRuleSet           string
	HeaderlessErrorFile         string
	HeaderlessDrop              bool
}

type rfc3164Instance struct {
	opts     RFC3164Options
	mu       sync.Mutex
	errFile  *os.File
}

func (p *RFC3164Parser) CreateInstance(params map[string]string) (Instance, error) {
	opts := RFC3164Options{
		DetectYearAfterTimestamp:   boolOpt(params, "detect.yearaftertimestamp"),
		PermitSquareBracketsInHost: boolOpt(params, "permit.squarebracketsinhostname"),
		PermitSlashesInHostname:    boolOpt(params, "permit.slashesinhostname"),
		PermitAtSignsInHostname:    boolOpt(params, "permit.atsignsinhostname"),
		ForceTagEndingByColon:      boolOpt(params, "force.tagendingbycolon"),
		RemoveMsgFirstSpace:        boolOpt(params, "remove.msgfirstspace"),
		DetectHeaderless:           boolOpt(params, "detect.headerless"),
		HeaderlessHostname:         params["headerless.hostname"],
		HeaderlessTag:              params["headerless.tag"],
		HeaderlessRuleSet:          params["headerless.ruleset"],
		HeaderlessErrorFile:        params["headerless.errorfile"],
		HeaderlessDrop:             boolOpt(params, "headerless.drop"),
	}
	inst := &rfc3164Instance{opts: opts}
	if opts.HeaderlessErrorFile != "" {
		f, err := os.OpenFile(opts.HeaderlessErrorFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			inst.errFile = f
		}
	}
	return inst, nil
}

func boolOpt(params map[string]string, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// ReopenErrorFile reopens the headerless-mode error file, for a SIGHUP
// handler to call (spec §4.5 "reopened on HUP").
func (inst *rfc3164Instance) ReopenErrorFile() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.opts.HeaderlessErrorFile == "" {
		return
	}
	if inst.errFile != nil {
		inst.errFile.Close()
	}
	f, err := os.OpenFile(inst.opts.HeaderlessErrorFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err == nil {
		inst.errFile = f
	}
}

var rfc3164Months = map[string]int{
	"Jan": 1, "Feb": 2, "Mar": 3, "Apr": 4, "May": 5, "Jun": 6,
	"Jul": 7, "Aug": 8, "Sep": 9, "Oct": 10, "Nov": 11, "Dec": 12,
}

func (p *RFC3164Parser) Parse(m *msg.Message, inst Instance) Result {
	ri, _ := inst.(*rfc3164Instance)
	opts := RFC3164Options{}
	if ri != nil {
		opts = ri.opts
	}

	body := m.Raw()[m.AfterPriOffset():]
	year, month, day, hour, minute, second, rest, ok := parseRFC3164Timestamp(body, opts.DetectYearAfterTimestamp)
	if !ok {
		if opts.DetectHeaderless {
			return parseHeaderless(m, ri, opts)
		}
		return CouldNotParse
	}

	now := time.Now()
	useYear := now.Year()
	if year != 0 {
		useYear = year
	}
	m.SetReportedTime(msg.Timestamp{Year: useYear, Month: month, Day: day, Hour: hour, Minute: minute, Second: second, OffsetSign: '+'})

	pos := 0
	for pos < len(rest) && rest[pos] == ' ' {
		pos++
	}

	hostStart := pos
	for pos < len(rest) && isHostnameChar(rest[pos], opts) {
		pos++
	}
	hostEnd := pos
	stoppedAtSpace := pos < len(rest) && rest[pos] == ' '
	hostnameCandidate := string(rest[hostStart:hostEnd])

	var tagStart int
	if hostEnd > hostStart && stoppedAtSpace {
		// A real separator followed the candidate hostname; accept it.
		m.SetHostname(hostnameCandidate)
		for pos < len(rest) && rest[pos] == ' ' {
			pos++
		}
		tagStart = pos
	} else {
		// What we took as the hostname ran straight into a tag
		// terminator (':' or '[') with no separating space; reclassify
		// it as the tag instead (spec §4.5).
		tagStart = hostStart
	}

	tagEnd := tagStart
	for tagEnd < len(rest) && rest[tagEnd] != ':' && rest[tagEnd] != '[' {
		if opts.ForceTagEndingByColon && rest[tagEnd] == ' ' {
			break
		}
		tagEnd++
	}
	// A bracketed PID, if present, is kept as part of the tag (e.g.
	// "sshd[123]") so EffectiveProcID can later pull the PID back out of
	// it for legacy (non-5424) messages.
	bracketEnd := tagEnd
	if bracketEnd < len(rest) && rest[bracketEnd] == '[' {
		for bracketEnd < len(rest) && rest[bracketEnd] != ']' {
			bracketEnd++
		}
		if bracketEnd < len(rest) {
			bracketEnd++ // include the ']'
		}
	}
	// The terminating ':', if present, is stored as part of the tag
	// (e.g. "su:", "sshd[123]:"): the program-name rule consumes the
	// longest prefix of printable, non-':', non-'[', non-'/' characters,
	// so the colon that ends that run belongs to the tag, not the
	// message body.
	tagStop := bracketEnd
	if tagStop < len(rest) && rest[tagStop] == ':' {
		tagStop++
	}
	tag := string(rest[tagStart:tagStop])

	msgStart := tagStop
	// The conventional single space between "TAG:" and the message body
	// is always consumed; remove.msgfirstspace additionally strips a
	// second one, for devices that emit "TAG:  MSG" with two spaces.
	if msgStart < len(rest) && rest[msgStart] == ' ' {
		msgStart++
	}
	if opts.RemoveMsgFirstSpace && msgStart < len(rest) && rest[msgStart] == ' ' {
		msgStart++
	}

	m.SetTag(tag)
	m.SetMsgOffset(m.AfterPriOffset() + (len(body) - len(rest)) + msgStart)
	return Parsed
}

func isHostnameChar(c byte, opts RFC3164Options) bool {
	if c == ' ' || c == ':' {
		return false
	}
	if c == '[' && !opts.PermitSquareBracketsInHost {
		return false
	}
	if c == '/' && !opts.PermitSlashesInHostname {
		return false
	}
	if c == '@' && !opts.PermitAtSignsInHostname {
		return false
	}
	return c >= 0x21 && c != 0x7f
}

// parseRFC3164Timestamp parses "Mmm DD HH:MM:SS" or, when
// detectYearAfter is set, "Mmm DD HH:MM:SS YYYY". year is 0 when no
// year was present in the wire data.
func parseRFC3164Timestamp(data []byte, detectYearAfter bool) (year, month, day, hour, minute, second int, rest []byte, ok bool) {
	if len(data) < 15 {
		return 0, 0, 0, 0, 0, 0, nil, false
	}
	mon, found := rfc3164Months[string(data[0:3])]
	if !found || data[3] != ' ' {
		return 0, 0, 0, 0, 0, 0, nil, false
	}
	dayStr := strings.TrimSpace(string(data[4:6]))
	d, err := strconv.Atoi(dayStr)
	if err != nil || data[6] != ' ' {
		return 0, 0, 0, 0, 0, 0, nil, false
	}
	h, err1 := strconv.Atoi(string(data[7:9]))
	mi, err2 := strconv.Atoi(string(data[10:12]))
	s, err3 := strconv.Atoi(string(data[13:15]))
	if err1 != nil || err2 != nil || err3 != nil || data[9] != ':' || data[12] != ':' {
		return 0, 0, 0, 0, 0, 0, nil, false
	}

	pos := 15
	y := 0
	if detectYearAfter && pos < len(data) && data[pos] == ' ' {
		scan := pos + 1
		digitsStart := scan
		for scan < len(data) && data[scan] >= '0' && data[scan] <= '9' {
			scan++
		}
		if scan-digitsStart == 4 {
			if parsed, err := strconv.Atoi(string(data[digitsStart:scan])); err == nil {
				y = parsed
				pos = scan
			}
		}
	}
	return y, mon, d, h, mi, s, data[pos:], true
}

// parseHeaderless handles the case where no RFC3164 timestamp was
// found at all (spec §4.5 "headerless mode"): synthesize hostname/tag
// from configuration, optionally route to a rule set, optionally drop,
// optionally log the raw message to an error file.
func parseHeaderless(m *msg.Message, inst *rfc3164Instance, opts RFC3164Options) Result {
	m.SetFlags(m.Flags() | msg.FlagHeaderless)

	if inst != nil {
		inst.mu.Lock()
		if inst.errFile != nil {
			inst.errFile.Write(m.Raw())
			inst.errFile.Write([]byte("\n"))
		}
		inst.mu.Unlock()
	}

	if opts.HeaderlessDrop {
		return Parsed // consumed: caller's rule set should route this nowhere
	}

	if opts.HeaderlessHostname != "" {
		m.SetHostname(opts.HeaderlessHostname)
	}
	if opts.HeaderlessTag != "" {
		m.SetTag(opts.HeaderlessTag)
	}
	if opts.HeaderlessRuleSet != "" {
		m.SetRuleSet(opts.HeaderlessRuleSet)
	}
	m.SetMsgOffset(m.AfterPriOffset())
	return Parsed
}
