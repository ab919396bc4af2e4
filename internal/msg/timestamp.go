package msg

import "fmt"

// TimeFormat selects one of the lazily computed, cached timestamp string
// views named in spec §3.
type TimeFormat int

const (
	FormatRFC3164 TimeFormat = iota
	FormatRFC3339
	FormatMySQL
	FormatPgSQL
	FormatUnixSeconds
	FormatFracSeconds
)

var rfc3164Months = [...]string{
	"Jan", "Feb", "Mar", "Apr", "May", "Jun",
	"Jul", "Aug", "Sep", "Oct", "Nov", "Dec",
}

// FormatTimeReported renders the reported timestamp in the requested
// format, populating and returning from the per-format lazy cache.
func (m *Message) FormatTimeReported(f TimeFormat) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch f {
	case FormatRFC3164:
		if !m.cache.haveRFC3164 {
			m.cache.rfc3164 = formatRFC3164(m.reportedTime)
			m.cache.haveRFC3164 = true
		}
		return m.cache.rfc3164
	case FormatRFC3339:
		if !m.cache.haveRFC3339 {
			m.cache.rfc3339 = formatRFC3339(m.reportedTime)
			m.cache.haveRFC3339 = true
		}
		return m.cache.rfc3339
	case FormatMySQL:
		if !m.cache.haveMySQL {
			m.cache.mysql = formatMySQL(m.reportedTime)
			m.cache.haveMySQL = true
		}
		return m.cache.mysql
	case FormatPgSQL:
		if !m.cache.havePgSQL {
			m.cache.pgsql = formatPgSQL(m.reportedTime)
			m.cache.havePgSQL = true
		}
		return m.cache.pgsql
	case FormatUnixSeconds:
		if !m.cache.haveUnixSec {
			m.cache.unixSeconds = formatUnixSeconds(m.reportedTime)
			m.cache.haveUnixSec = true
		}
		return m.cache.unixSeconds
	case FormatFracSeconds:
		if !m.cache.haveFracSec {
			m.cache.fracSeconds = formatFracSeconds(m.reportedTime)
			m.cache.haveFracSec = true
		}
		return m.cache.fracSeconds
	default:
		return ""
	}
}

func formatRFC3164(t Timestamp) string {
	if t.Month < 1 || t.Month > 12 {
		return ""
	}
	return fmt.Sprintf("%s %2d %02d:%02d:%02d", rfc3164Months[t.Month-1], t.Day, t.Hour, t.Minute, t.Second)
}

func formatRFC3339(t Timestamp) string {
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%0*d%c%02d:%02d",
		t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second,
		t.SecFracPrecision, t.SecFrac, t.OffsetSign, t.OffsetHour, t.OffsetMin)
}

func formatMySQL(t Timestamp) string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second)
}

func formatPgSQL(t Timestamp) string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d%c%02d", t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second, t.OffsetSign, t.OffsetHour)
}

func formatUnixSeconds(t Timestamp) string {
	return fmt.Sprintf("%d", toUnixSeconds(t))
}

func formatFracSeconds(t Timestamp) string {
	return fmt.Sprintf("%d.%0*d", toUnixSeconds(t), t.SecFracPrecision, t.SecFrac)
}

// toUnixSeconds computes seconds since epoch from the Timestamp's fields
// without going through time.Time, so the result is exactly reproducible
// for any (possibly non-existent in time.Time's own clock history, but
// still well-formed) combination of fields.
func toUnixSeconds(t Timestamp) int64 {
	days := daysSinceEpoch(t.Year, t.Month, t.Day)
	secs := days*86400 + int64(t.Hour)*3600 + int64(t.Minute)*60 + int64(t.Second)
	offset := int64(t.OffsetHour)*3600 + int64(t.OffsetMin)*60
	if t.OffsetSign == '+' {
		secs -= offset
	} else {
		secs += offset
	}
	return secs
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

var cumDays = [...]int{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}

func daysSinceEpoch(year, month, day int) int64 {
	var days int64
	if year >= 1970 {
		for y := 1970; y < year; y++ {
			days += 365
			if isLeap(y) {
				days++
			}
		}
	} else {
		for y := year; y < 1970; y++ {
			days -= 365
			if isLeap(y) {
				days--
			}
		}
	}
	if month >= 1 && month <= 12 {
		days += int64(cumDays[month-1])
		if month > 2 && isLeap(year) {
			days++
		}
	}
	days += int64(day - 1)
	return days
}
