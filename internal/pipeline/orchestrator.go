package pipeline

import (
	"gastrolog/internal/msg"
	"gastrolog/internal/orchestrator"
)

// ToIngestMessage flattens a parsed Message's scalar fields into the
// map[string]string attribute bag orchestrator.Ingester implementations
// hand off to the orchestrator's channel-based ingest loop, so a listener
// that runs its bytes through a parserchain.Chain before calling this can
// still plug into orchestrator.Ingester/IngestMessage unchanged.
func ToIngestMessage(m *msg.Message) orchestrator.IngestMessage {
	attrs := make(map[string]string, 10)

	if h := m.Hostname(); h != "" {
		attrs["hostname"] = h
	}
	if t := m.Tag(); t != "" {
		attrs["app_name"] = t
	}
	if a := m.EffectiveAppName(); a != "" {
		attrs["app_name"] = a
	}
	if p := m.EffectiveProcID(); p != "" {
		attrs["proc_id"] = p
	}
	if id := m.MsgID(); id != "" {
		attrs["msg_id"] = id
	}
	if ip := m.RcvFromIP(); ip != "" {
		attrs["remote_ip"] = ip
	}
	if rs := m.RuleSet(); rs != "" {
		attrs["ruleset"] = rs
	}
	attrs["facility"] = facilityName(m.Facility())
	attrs["severity"] = severityName(m.Severity())

	return orchestrator.IngestMessage{
		Attrs:    attrs,
		Raw:      m.Raw(),
		SourceTS: m.ReportedTime().ToTime(),
		IngestTS: m.ReceivedTime().ToTime(),
	}
}

func facilityName(f int) string {
	names := []string{
		"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
		"uucp", "cron", "authpriv", "ftp", "ntp", "audit", "alert", "clock",
		"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
	}
	if f >= 0 && f < len(names) {
		return names[f]
	}
	return "unknown"
}

func severityName(s int) string {
	names := []string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}
	if s >= 0 && s < len(names) {
		return names[s]
	}
	return "unknown"
}
