package parserchain

import (
	"strconv"
	"strings"

	"gastrolog/internal/msg"
)

// DB2DiagParser recognizes DB2's diagnostic log line format, where a
// level identifier sits at a configured column offset and the PID and
// program name sit at fixed offsets relative to each other (spec §4.5
// "db2diag").
type DB2DiagParser struct{}

func NewDB2DiagParser() *DB2DiagParser { return &DB2DiagParser{} }

func (p *DB2DiagParser) Name() string { return "db2diag" }

func (p *DB2DiagParser) IsCompatibleWith(f Feature) bool { return false }

// DB2DiagOptions holds the parser's option set (spec §4.5).
type DB2DiagOptions struct {
	LevelPos                 int
	TimePos                  int
	TimeFormat               string
	PIDStartToProgStartShift int
}

func (p *DB2DiagParser) CreateInstance(params map[string]string) (Instance, error) {
	opts := DB2DiagOptions{
		LevelPos:                 intOpt(params, "levelpos", 0),
		TimePos:                  intOpt(params, "timepos", 0),
		TimeFormat:               params["timeformat"],
		PIDStartToProgStartShift: intOpt(params, "pidstarttoprogstartshift", 0),
	}
	return opts, nil
}

func intOpt(params map[string]string, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// maxLevelScan bounds how far db2diag's level-field scan looks forward
// from LevelPos before giving up (resolves an Open Question: the
// original C scanned forward unbounded looking for the next field
// separator, which could run off the end of a malformed line; here the
// scan is capped at a fixed window instead).
const maxLevelScan = 64

func (p *DB2DiagParser) Parse(m *msg.Message, inst Instance) Result {
	opts, ok := inst.(DB2DiagOptions)
	if !ok {
		return CouldNotParse
	}

	body := m.Body()
	if opts.LevelPos < 0 || opts.LevelPos >= len(body) {
		return CouldNotParse
	}

	end := opts.LevelPos
	limit := opts.LevelPos + maxLevelScan
	if limit > len(body) {
		limit = len(body)
	}
	for end < limit && body[end] != ' ' && body[end] != '\t' {
		end++
	}
	if end == opts.LevelPos {
		return CouldNotParse
	}
	level := string(body[opts.LevelPos:end])

	if err := m.AddJSON("!db2!level", level); err != nil {
		return CouldNotParse
	}

	progStart := opts.LevelPos + opts.PIDStartToProgStartShift
	if progStart >= 0 && progStart < len(body) {
		progEnd := progStart
		for progEnd < len(body) && body[progEnd] != ' ' && body[progEnd] != '\t' {
			progEnd++
		}
		if progEnd > progStart {
			m.AddJSON("!db2!program", string(body[progStart:progEnd]))
		}
	}

	if opts.TimePos >= 0 && opts.TimePos < len(body) && opts.TimeFormat != "" {
		m.AddJSON("!db2!timeformat", strings.TrimSpace(opts.TimeFormat))
	}

	return Parsed
}
