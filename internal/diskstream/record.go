package diskstream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Record framing, spec §4.4 / §6:
//
//	'<' <RecType:3> ':' '1' ':' <ObjID:int> ':' <Version:int> ':' <ClassName> ':' '\n'
//	( '+' <PropName> ':' <TypeCode:int> ':' <ByteLen:int> ':' <RawBytes:ByteLen> ':' '\n' )*
//	'>' "End" '\n' '.' '\n'
//
// RecType is "Obj" for a constructible object or "OPB" for a property-bag
// (updates-only) record.

// TypeCode identifies the wire encoding of one property value.
type TypeCode int

const (
	TypePSZ        TypeCode = 1 // raw bytes, exactly ByteLen
	TypeShort      TypeCode = 2 // ASCII decimal, signed
	TypeInt        TypeCode = 3 // ASCII decimal, signed
	TypeLong       TypeCode = 4 // ASCII decimal, signed
	TypeCSTR       TypeCode = 5 // raw bytes
	TypeSyslogTime TypeCode = 6 // 12 colon-separated decimal fields
)

// RecType distinguishes a fully constructible object record from a
// property-bag (updates-only) record.
type RecType string

const (
	RecObj RecType = "Obj"
	RecOPB RecType = "OPB"
)

var (
	ErrInvalidHeader    = errors.New("diskstream: invalid record header")
	ErrInvalidTrailer   = errors.New("diskstream: invalid record trailer")
	ErrInvalidDelimiter = errors.New("diskstream: invalid property delimiter")
	ErrInvalidObjectID  = errors.New("diskstream: invalid object id")
)

// Property is one decoded name/type/value triple from a record.
type Property struct {
	Name  string
	Type  TypeCode
	Value []byte
}

// RecordHeader carries the fixed preamble of a record.
type RecordHeader struct {
	RecType   RecType
	ObjID     int
	Version   int
	ClassName string
}

// WriteRecord serializes a full record (header + properties + trailer)
// to w using the framing above.
func WriteRecord(w *Stream, hdr RecordHeader, props []Property) error {
	head := fmt.Sprintf("<%s:1:%d:%d:%s:\n", hdr.RecType, hdr.ObjID, hdr.Version, hdr.ClassName)
	if _, err := w.Write([]byte(head)); err != nil {
		return err
	}
	for _, p := range props {
		line := fmt.Sprintf("+%s:%d:%d:", p.Name, int(p.Type), len(p.Value))
		if _, err := w.Write([]byte(line)); err != nil {
			return err
		}
		if _, err := w.Write(p.Value); err != nil {
			return err
		}
		if _, err := w.Write([]byte(":\n")); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte(">End\n.\n")); err != nil {
		return err
	}
	return nil
}

// ReadRecord reads one record from the stream. On any framing violation
// it enters resync: skip forward byte by byte until a '\n' followed by
// '<' is observed, push the '<' back, and retry (spec §4.4). ReadRecord
// returns io.EOF (unwrapped) when the stream is exhausted before a
// header is found.
func ReadRecord(s *Stream) (RecordHeader, []Property, error) {
	for {
		hdr, err := readHeaderLine(s)
		if err != nil {
			if errors.Is(err, errNeedResync) {
				if rerr := resync(s); rerr != nil {
					return RecordHeader{}, nil, rerr
				}
				continue
			}
			return RecordHeader{}, nil, err
		}

		props, perr := readProperties(s)
		if perr != nil {
			if errors.Is(perr, errNeedResync) {
				if rerr := resync(s); rerr != nil {
					return RecordHeader{}, nil, rerr
				}
				continue
			}
			return RecordHeader{}, nil, perr
		}
		return hdr, props, nil
	}
}

var errNeedResync = errors.New("diskstream: resync required")

func readHeaderLine(s *Stream) (RecordHeader, error) {
	line, err := readLine(s)
	if err != nil {
		return RecordHeader{}, err
	}
	if len(line) == 0 || line[0] != '<' {
		return RecordHeader{}, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidHeader)
	}
	fields := strings.SplitN(line[1:], ":", 5)
	if len(fields) < 5 || fields[1] != "1" {
		return RecordHeader{}, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidHeader)
	}
	recType := RecType(fields[0])
	if recType != RecObj && recType != RecOPB {
		return RecordHeader{}, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidHeader)
	}
	objID, err := strconv.Atoi(fields[2])
	if err != nil {
		return RecordHeader{}, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidObjectID)
	}
	version, err := strconv.Atoi(fields[3])
	if err != nil {
		return RecordHeader{}, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidHeader)
	}
	className := strings.TrimSuffix(fields[4], ":")

	return RecordHeader{RecType: recType, ObjID: objID, Version: version, ClassName: className}, nil
}

func readProperties(s *Stream) ([]Property, error) {
	var props []Property
	for {
		b, err := s.ReadChar()
		if err != nil {
			return nil, err
		}
		if b == '>' {
			rest, err := readLine(s)
			if err != nil {
				return nil, err
			}
			if rest != "End" {
				return nil, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidTrailer)
			}
			dotLine, err := readLine(s)
			if err != nil {
				return nil, err
			}
			if dotLine != "." {
				return nil, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidTrailer)
			}
			return props, nil
		}
		if b != '+' {
			return nil, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidDelimiter)
		}

		line, err := readLineUpToRawStart(s)
		if err != nil {
			return nil, err
		}
		fields := strings.SplitN(line, ":", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidDelimiter)
		}
		typeCode, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidDelimiter)
		}
		byteLen, err := strconv.Atoi(fields[2])
		if err != nil || byteLen < 0 {
			return nil, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidDelimiter)
		}

		raw := make([]byte, byteLen)
		for i := range raw {
			c, err := s.ReadChar()
			if err != nil {
				return nil, err
			}
			raw[i] = c
		}
		trailer := make([]byte, 2)
		for i := range trailer {
			c, err := s.ReadChar()
			if err != nil {
				return nil, err
			}
			trailer[i] = c
		}
		if trailer[0] != ':' || trailer[1] != '\n' {
			return nil, fmt.Errorf("%w: %v", errNeedResync, ErrInvalidDelimiter)
		}

		props = append(props, Property{Name: fields[0], Type: TypeCode(typeCode), Value: raw})
	}
}

// readLine reads bytes up to and including a trailing '\n', returning the
// line without it.
func readLine(s *Stream) (string, error) {
	var b strings.Builder
	for {
		c, err := s.ReadChar()
		if err != nil {
			return "", err
		}
		if c == '\n' {
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}

// readLineUpToRawStart reads "name:type:len" up to (but not including)
// the ':' that precedes the raw byte payload, i.e. the third ':' after
// the leading '+' was already consumed by the caller.
func readLineUpToRawStart(s *Stream) (string, error) {
	var b strings.Builder
	colons := 0
	for {
		c, err := s.ReadChar()
		if err != nil {
			return "", err
		}
		if c == ':' {
			colons++
			if colons == 3 {
				return b.String(), nil
			}
			b.WriteByte(c)
			continue
		}
		b.WriteByte(c)
	}
}

// resync skips forward byte by byte until a '\n' followed by '<' is
// observed, then pushes the '<' back so the next ReadRecord call resumes
// at a header. A failed header/property read always stops mid-line right
// after consuming a trailing '\n' (readLine's contract), so the cursor
// may already sit on the next record's '<' — that case is checked first
// before falling into the general byte-by-byte scan.
func resync(s *Stream) error {
	c, err := s.ReadChar()
	if err != nil {
		return err
	}
	for {
		if c == '<' {
			return s.UngetChar('<')
		}
		if c == '\n' {
			next, err := s.ReadChar()
			if err != nil {
				return err
			}
			c = next
			continue
		}
		c, err = s.ReadChar()
		if err != nil {
			return err
		}
	}
}
