// Package msg implements Message: the reference-counted, mutable carrier
// for one log record as it flows through ingestion, parsing, queueing,
// and action submission (spec §3, §4.1).
//
// A Message is constructed with refcount 1. AddRef/Release manage shared
// ownership; the object is destroyed exactly when the count transitions
// to zero. Scalar fields become read-only in spirit once a Message has
// more than one owner (callers that need a private copy should Clone
// before further mutation), but the type does not enforce this beyond the
// mutex serializing field access — see DESIGN.md for the reasoning.
package msg

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gastrolog/internal/jsontree"
)

var (
	ErrOutOfMemory    = errors.New("msg: out of memory")
	ErrInvalidProperty = errors.New("msg: unknown property name")
	ErrNotFound        = errors.New("msg: json path not found")
	ErrSequenceError   = errors.New("msg: deserialization property arrived out of order")
)

// Flags, spec §6 ("flags associated with this message").
type Flag int

const (
	FlagParseHostname Flag = 1 << iota
	FlagNeedsDNSResolution
	FlagHeaderless
)

// Timestamp is a wall-clock instant with the calendar fields spec §3
// requires: year/month/day/hour/minute/second/fractional-second plus a
// signed UTC offset in hours+minutes, rather than a bare time.Time, so
// that deserialized messages reproduce exactly the fields that were on
// the wire (e.g. a sender in a fixed offset that never observes DST).
type Timestamp struct {
	Year, Month, Day      int
	Hour, Minute, Second  int
	SecFrac               int // fractional seconds, in units of 10^-SecFracPrecision
	SecFracPrecision      int
	OffsetSign            byte // '+' or '-'
	OffsetHour, OffsetMin int
}

// FromTime converts a time.Time into a Timestamp, preserving its
// originating offset and a microsecond fractional precision.
func FromTime(t time.Time) Timestamp {
	_, offsetSec := t.Zone()
	sign := byte('+')
	if offsetSec < 0 {
		sign = '-'
		offsetSec = -offsetSec
	}
	return Timestamp{
		Year: t.Year(), Month: int(t.Month()), Day: t.Day(),
		Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(),
		SecFrac: t.Nanosecond() / 1000, SecFracPrecision: 6,
		OffsetSign: sign, OffsetHour: offsetSec / 3600, OffsetMin: (offsetSec % 3600) / 60,
	}
}

// ToTime is FromTime's inverse: it reconstructs a time.Time from a
// Timestamp's calendar fields and signed UTC offset, for callers (e.g.
// orchestrator.IngestMessage's SourceTS/IngestTS) that need a time.Time
// rather than the wire-level field representation.
func (t Timestamp) ToTime() time.Time {
	offset := t.OffsetHour*3600 + t.OffsetMin*60
	if t.OffsetSign == '-' {
		offset = -offset
	}
	loc := time.FixedZone("", offset)
	return time.Date(t.Year, time.Month(t.Month), t.Day, t.Hour, t.Minute, t.Second, t.SecFrac*1000, loc)
}

// cache holds every lazily computed view of a Message. It lives behind
// the message mutex: scalars are treated as immutable after
// construction, but the cache is populated on first read, so readers
// that touch a lazy field must still take the lock (spec §9's "single
// per-message lock guarding a mutable cache struct").
type cache struct {
	rfc3164       string
	haveRFC3164   bool
	rfc3339       string
	haveRFC3339   bool
	mysql         string
	haveMySQL     bool
	pgsql         string
	havePgSQL     bool
	unixSeconds   string
	haveUnixSec   bool
	fracSeconds   string
	haveFracSec   bool
	programName   string
	haveProgName  bool
}

// Message is the unit of work carried through ingestion, parsing,
// queueing, and action submission.
type Message struct {
	refCount atomic.Int32

	mu sync.Mutex

	raw               []byte
	offsetAfterPri    int
	msgOffset         int

	protocolVersion int // 0 = RFC3164 legacy, 1 = syslog-protocol (RFC5424)
	facility        int
	severity        int
	flags           Flag

	reportedTime Timestamp
	receivedTime Timestamp

	hostname      string
	appName       string
	procID        string
	msgID         string
	tag           string
	structuredData string
	body          []byte

	rcvFrom   string
	rcvFromIP string
	inputName string
	ruleSet   string
	uuid      string

	props *jsontree.Root

	cache cache
}

// Construct returns a Message with refcount 1 and both timestamps set to
// the zero Timestamp. Callers that have a wall-clock instant should use
// ConstructWithTime instead.
func Construct() *Message {
	m := &Message{props: jsontree.New(), uuid: uuid.NewString()}
	m.refCount.Store(1)
	return m
}

// ConstructWithTime returns a Message with refcount 1, its received
// timestamp set from now and its reported timestamp set from reported
// (callers that haven't parsed a reported timestamp yet should pass the
// same value for both).
func ConstructWithTime(reported, received time.Time) *Message {
	m := Construct()
	m.reportedTime = FromTime(reported)
	m.receivedTime = FromTime(received)
	return m
}

// AddRef increments the reference count and returns m, so callers can
// write `held := m.AddRef()` when handing a reference to a second owner.
func (m *Message) AddRef() *Message {
	m.refCount.Add(1)
	return m
}

// Release decrements the reference count, destroying the message's
// resources when the count reaches zero. Calling Release more times than
// the message has owners is a caller bug; it is not guarded against
// (spec's refcount soundness property is a caller obligation, checked by
// the testable property in spec §8.1, not a runtime invariant enforced
// on every call).
func (m *Message) Release() {
	if m.refCount.Add(-1) == 0 {
		m.mu.Lock()
		m.raw = nil
		m.body = nil
		m.props = nil
		m.mu.Unlock()
	}
}

// RefCount returns the current reference count, for tests and diagnostics.
func (m *Message) RefCount() int32 {
	return m.refCount.Load()
}

// Clone returns a new Message (refcount 1) that is a deep copy of m's
// scalar fields and JSON tree. Used by the ingestion→queue handoff when
// a message must be duplicated to more than one rule set (spec §3
// lifecycle: "possibly cloned (deep-copy of scalars + JSON)").
func (m *Message) Clone() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := &Message{
		raw:            append([]byte(nil), m.raw...),
		offsetAfterPri: m.offsetAfterPri,
		msgOffset:      m.msgOffset,
		protocolVersion: m.protocolVersion,
		facility:       m.facility,
		severity:       m.severity,
		flags:          m.flags,
		reportedTime:   m.reportedTime,
		receivedTime:   m.receivedTime,
		hostname:       m.hostname,
		appName:        m.appName,
		procID:         m.procID,
		msgID:          m.msgID,
		tag:            m.tag,
		structuredData: m.structuredData,
		body:           append([]byte(nil), m.body...),
		rcvFrom:        m.rcvFrom,
		rcvFromIP:      m.rcvFromIP,
		inputName:      m.inputName,
		ruleSet:        m.ruleSet,
		uuid:           m.uuid,
		props:          m.props.Clone(),
	}
	clone.refCount.Store(1)
	return clone
}

// invalidateCacheLocked clears every lazy view. Called by any setter that
// touches a field a cache is derived from. Callers must hold m.mu.
func (m *Message) invalidateCacheLocked() {
	m.cache = cache{}
}
