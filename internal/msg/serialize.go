package msg

import (
	"encoding/json"
	"fmt"

	"gastrolog/internal/diskstream"
	"gastrolog/internal/jsontree"
)

// propertyOrder is the documented field order for the message
// serialization record (spec §6). offMSG is the required terminator;
// later optional fields may be omitted entirely, but properties that do
// appear must appear in this relative order.
var propertyOrder = []string{
	"iProtocolVersion", "iSeverity", "iFacility", "msgFlags", "ttGenTime",
	"tRcvdAt", "tTIMESTAMP", "pszTAG", "pszRawMsg", "pszHOSTNAME",
	"pszInputName", "pszRcvFrom", "pszRcvFromIP", "json", "pCSStrucData",
	"pCSAPPNAME", "pCSPROCID", "pCSMSGID", "pszUUID", "pszRuleset", "offMSG",
}

var propertyIndex = func() map[string]int {
	m := make(map[string]int, len(propertyOrder))
	for i, name := range propertyOrder {
		m[name] = i
	}
	return m
}()

const serializeClassName = "msg"
const serializeVersion = 1

// Serialize emits a property-bag record to stream: every scalar field,
// the raw buffer, the JSON root as a JSON string, and the rule-set name
// (not a pointer — rule sets are rebound by name on read, spec §4.1).
func (m *Message) Serialize(stream *diskstream.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonText, err := m.props.MarshalText()
	if err != nil {
		return fmt.Errorf("msg: serialize: %w", err)
	}

	genSecs := toUnixSeconds(m.receivedTime)

	props := []diskstream.Property{
		mustIntProp("iProtocolVersion", int64(m.protocolVersion)),
		mustIntProp("iSeverity", int64(m.severity)),
		mustIntProp("iFacility", int64(m.facility)),
		mustIntProp("msgFlags", int64(m.flags)),
		mustLongProp("ttGenTime", genSecs),
		mustTimeProp("tRcvdAt", m.receivedTime),
		mustTimeProp("tTIMESTAMP", m.reportedTime),
		mustPSZProp("pszTAG", m.tag),
		mustPSZProp("pszRawMsg", string(compressRaw(m.raw))),
		mustPSZProp("pszHOSTNAME", m.hostname),
		mustPSZProp("pszInputName", m.inputName),
		mustPSZProp("pszRcvFrom", m.rcvFrom),
		mustPSZProp("pszRcvFromIP", m.rcvFromIP),
		mustCSTRProp("json", jsonText),
		mustPSZProp("pCSStrucData", m.structuredData),
		mustPSZProp("pCSAPPNAME", m.appName),
		mustPSZProp("pCSPROCID", m.procID),
		mustPSZProp("pCSMSGID", m.msgID),
		mustPSZProp("pszUUID", m.uuid),
		mustPSZProp("pszRuleset", m.ruleSet),
		mustIntProp("offMSG", int64(m.msgOffset)),
	}

	hdr := diskstream.RecordHeader{
		RecType:   diskstream.RecObj,
		ObjID:     1,
		Version:   serializeVersion,
		ClassName: serializeClassName,
	}
	return diskstream.WriteRecord(stream, hdr, props)
}

func mustIntProp(name string, v int64) diskstream.Property {
	raw, _ := diskstream.EncodeProperty(diskstream.TypeInt, v)
	return diskstream.Property{Name: name, Type: diskstream.TypeInt, Value: raw}
}

func mustLongProp(name string, v int64) diskstream.Property {
	raw, _ := diskstream.EncodeProperty(diskstream.TypeLong, v)
	return diskstream.Property{Name: name, Type: diskstream.TypeLong, Value: raw}
}

func mustPSZProp(name, v string) diskstream.Property {
	raw, _ := diskstream.EncodeProperty(diskstream.TypePSZ, v)
	return diskstream.Property{Name: name, Type: diskstream.TypePSZ, Value: raw}
}

func mustCSTRProp(name, v string) diskstream.Property {
	raw, _ := diskstream.EncodeProperty(diskstream.TypeCSTR, v)
	return diskstream.Property{Name: name, Type: diskstream.TypeCSTR, Value: raw}
}

func mustTimeProp(name string, t Timestamp) diskstream.Property {
	raw, _ := diskstream.EncodeProperty(diskstream.TypeSyslogTime, diskstream.SyslogTime{
		Year: t.Year, Month: t.Month, Day: t.Day, Hour: t.Hour, Minute: t.Minute, Second: t.Second,
		SecFrac: t.SecFrac, SecFracPrecision: t.SecFracPrecision,
		OffsetSign: t.OffsetSign, OffsetHour: t.OffsetHour, OffsetMinute: t.OffsetMin,
	})
	return diskstream.Property{Name: name, Type: diskstream.TypeSyslogTime, Value: raw}
}

// Deserialize reads a property-bag record from stream into a fresh
// Message. The "offMSG" property acts as the end-of-record sentinel; if
// any property arrives out of the documented relative order, it fails
// with ErrSequenceError (spec §4.1, §6).
func Deserialize(stream *diskstream.Stream) (*Message, error) {
	_, props, err := diskstream.ReadRecord(stream)
	if err != nil {
		return nil, err
	}

	m := Construct()
	lastIdx := -1
	sawOffMSG := false

	for _, p := range props {
		idx, ok := propertyIndex[p.Name]
		if !ok {
			continue // unknown property: ignore, forward-compatible read
		}
		if idx <= lastIdx {
			return nil, fmt.Errorf("msg: deserialize: property %q: %w", p.Name, ErrSequenceError)
		}
		lastIdx = idx

		if err := applyDeserializedProperty(m, p); err != nil {
			return nil, err
		}
		if p.Name == "offMSG" {
			sawOffMSG = true
		}
	}

	if !sawOffMSG {
		return nil, fmt.Errorf("msg: deserialize: missing offMSG terminator: %w", ErrSequenceError)
	}
	return m, nil
}

func applyDeserializedProperty(m *Message, p diskstream.Property) error {
	switch p.Name {
	case "iProtocolVersion":
		v, err := diskstream.DecodeInt(p.Value)
		if err != nil {
			return err
		}
		m.protocolVersion = int(v)
	case "iSeverity":
		v, err := diskstream.DecodeInt(p.Value)
		if err != nil {
			return err
		}
		m.severity = int(v)
	case "iFacility":
		v, err := diskstream.DecodeInt(p.Value)
		if err != nil {
			return err
		}
		m.facility = int(v)
	case "msgFlags":
		v, err := diskstream.DecodeInt(p.Value)
		if err != nil {
			return err
		}
		m.flags = Flag(v)
	case "ttGenTime":
		// Redundant with tRcvdAt; retained for forward compatibility with
		// readers that only want a coarse unix timestamp. No message field
		// stores it directly.
	case "tRcvdAt":
		st, err := diskstream.DecodeSyslogTime(p.Value)
		if err != nil {
			return err
		}
		m.receivedTime = timestampFromWire(st)
	case "tTIMESTAMP":
		st, err := diskstream.DecodeSyslogTime(p.Value)
		if err != nil {
			return err
		}
		m.reportedTime = timestampFromWire(st)
	case "pszTAG":
		m.tag = string(p.Value)
	case "pszRawMsg":
		raw, err := decompressRaw(p.Value)
		if err != nil {
			return fmt.Errorf("msg: deserialize: pszRawMsg: %w", err)
		}
		m.raw = raw
	case "pszHOSTNAME":
		m.hostname = string(p.Value)
	case "pszInputName":
		m.inputName = string(p.Value)
	case "pszRcvFrom":
		m.rcvFrom = string(p.Value)
	case "pszRcvFromIP":
		m.rcvFromIP = string(p.Value)
	case "json":
		return restoreJSONText(m, string(p.Value))
	case "pCSStrucData":
		m.structuredData = string(p.Value)
	case "pCSAPPNAME":
		m.appName = string(p.Value)
	case "pCSPROCID":
		m.procID = string(p.Value)
	case "pCSMSGID":
		m.msgID = string(p.Value)
	case "pszUUID":
		m.uuid = string(p.Value)
	case "pszRuleset":
		m.ruleSet = string(p.Value)
	case "offMSG":
		v, err := diskstream.DecodeInt(p.Value)
		if err != nil {
			return err
		}
		m.msgOffset = int(v)
	}
	return nil
}

// restoreJSONText parses text (written by jsontree.Root.MarshalText) back
// into the message's property tree. Go's encoding/json decodes objects
// as map[string]any, which is exactly jsontree's internal representation,
// so no translation step is needed beyond the decode itself.
func restoreJSONText(m *Message, text string) error {
	if text == "" {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return fmt.Errorf("msg: deserialize: invalid json property: %w", err)
	}
	m.props = jsontree.New()
	for k, v := range decoded {
		if err := m.props.Set("!"+k, v); err != nil {
			return fmt.Errorf("msg: deserialize: %w", err)
		}
	}
	return nil
}

func timestampFromWire(st diskstream.SyslogTime) Timestamp {
	return Timestamp{
		Year: st.Year, Month: st.Month, Day: st.Day,
		Hour: st.Hour, Minute: st.Minute, Second: st.Second,
		SecFrac: st.SecFrac, SecFracPrecision: st.SecFracPrecision,
		OffsetSign: st.OffsetSign, OffsetHour: st.OffsetHour, OffsetMin: st.OffsetMinute,
	}
}
