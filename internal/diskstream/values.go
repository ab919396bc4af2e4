package diskstream

import (
	"fmt"
	"strconv"
	"strings"
)

// SyslogTime is the twelve-field on-disk encoding of a timestamp with
// fractional-second precision and a signed UTC offset (spec §4.4):
//
//	type:year:month:day:hour:minute:second:secfrac:secfracPrecision:offsetChar:offsetHour:offsetMinute
type SyslogTime struct {
	Year             int
	Month            int
	Day              int
	Hour             int
	Minute           int
	Second           int
	SecFrac          int
	SecFracPrecision int
	OffsetSign       byte // '+' or '-'
	OffsetHour       int
	OffsetMinute     int
}

// EncodeProperty renders a typed value as the raw bytes stored in a
// Property's ByteLen/RawBytes fields.
func EncodeProperty(t TypeCode, v any) ([]byte, error) {
	switch t {
	case TypePSZ, TypeCSTR:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("diskstream: %w: expected string for type %d", ErrInvalidDelimiter, t)
		}
		return []byte(s), nil
	case TypeShort, TypeInt, TypeLong:
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("diskstream: %w: expected int64 for type %d", ErrInvalidDelimiter, t)
		}
		return []byte(strconv.FormatInt(n, 10)), nil
	case TypeSyslogTime:
		st, ok := v.(SyslogTime)
		if !ok {
			return nil, fmt.Errorf("diskstream: %w: expected SyslogTime", ErrInvalidDelimiter)
		}
		return []byte(encodeSyslogTime(st)), nil
	default:
		return nil, fmt.Errorf("diskstream: unknown type code %d", t)
	}
}

func encodeSyslogTime(t SyslogTime) string {
	return fmt.Sprintf("%d:%d:%d:%d:%d:%d:%d:%d:%d:%c:%d:%d",
		TypeSyslogTime, t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second,
		t.SecFrac, t.SecFracPrecision, t.OffsetSign, t.OffsetHour, t.OffsetMinute)
}

// DecodeSyslogTime parses the twelve-field encoding back into a SyslogTime.
func DecodeSyslogTime(raw []byte) (SyslogTime, error) {
	fields := strings.Split(string(raw), ":")
	if len(fields) != 12 {
		return SyslogTime{}, fmt.Errorf("diskstream: %w: syslogtime wants 12 fields, got %d", ErrInvalidDelimiter, len(fields))
	}
	ints := make([]int, 0, 11)
	for i, f := range fields {
		if i == 9 {
			continue // offsetChar, handled separately
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return SyslogTime{}, fmt.Errorf("diskstream: %w: %v", ErrInvalidDelimiter, err)
		}
		ints = append(ints, n)
	}
	if fields[9] != "+" && fields[9] != "-" {
		return SyslogTime{}, fmt.Errorf("diskstream: %w: offset char must be '+' or '-'", ErrInvalidDelimiter)
	}
	return SyslogTime{
		Year: ints[1], Month: ints[2], Day: ints[3],
		Hour: ints[4], Minute: ints[5], Second: ints[6],
		SecFrac: ints[7], SecFracPrecision: ints[8],
		OffsetSign: fields[9][0], OffsetHour: ints[9], OffsetMinute: ints[10],
	}, nil
}

// DecodeInt parses an ASCII-decimal integer property value (SHORT/INT/LONG).
func DecodeInt(raw []byte) (int64, error) {
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("diskstream: %w: %v", ErrInvalidDelimiter, err)
	}
	return n, nil
}
