package syslog

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"gastrolog/internal/orchestrator"
)

// NewFactory returns a IngesterFactory for syslog ingesters.
func NewFactory() orchestrator.IngesterFactory {
	return func(id uuid.UUID, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		udpAddr := params["udp_addr"]
		tcpAddr := params["tcp_addr"]

		// Default to UDP on 514 if nothing specified.
		if udpAddr == "" && tcpAddr == "" {
			udpAddr = ":514"
		}

		interval := 5 * time.Second // imuxsock's DFLT_ratelimitInterval
		burst := 200                // imuxsock's DFLT_ratelimitBurst
		sev := 1                    // imuxsock's DFLT_ratelimitSeverity: emergency (0) exempt
		if v := params["ratelimit_interval_secs"]; v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				interval = time.Duration(secs) * time.Second
			}
		}
		if v := params["ratelimit_burst"]; v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				burst = n
			}
		}

		return New(Config{
			ID:                id.String(),
			UDPAddr:           udpAddr,
			TCPAddr:           tcpAddr,
			RateLimitInterval: interval,
			RateLimitBurst:    burst,
			RateLimitSeverity: sev,
			Logger:            logger,
		}), nil
	}
}
