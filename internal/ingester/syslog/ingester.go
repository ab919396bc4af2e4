// Package syslog provides a syslog ingester that accepts messages via UDP and TCP.
package syslog

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"gastrolog/internal/logging"
	"gastrolog/internal/orchestrator"
	"gastrolog/internal/parserchain"
	"gastrolog/internal/pipeline"
)

// Ingester accepts syslog messages via UDP and/or TCP, running each
// record through a parserchain.Chain (RFC 3164 by default) and a
// per-sender rate limiter before handing it to the orchestrator.
// It implements orchestrator.Ingester.
type Ingester struct {
	id      string
	udpAddr string
	tcpAddr string
	out     chan<- orchestrator.IngestMessage
	logger  *slog.Logger
	chain   *parserchain.Chain
	limiter *senderLimiter

	mu          sync.Mutex
	udpConn     *net.UDPConn
	tcpListener net.Listener
}

// Config holds syslog ingester configuration.
type Config struct {
	// ID is the ingester's config identifier.
	ID string

	// UDPAddr is the UDP address to listen on (e.g., ":514").
	// Empty string disables UDP.
	UDPAddr string

	// TCPAddr is the TCP address to listen on (e.g., ":514").
	// Empty string disables TCP.
	TCPAddr string

	// Chain parses each received record before it is handed to the
	// orchestrator. Defaults to a single RFC3164Parser stage if nil.
	Chain *parserchain.Chain

	// RateLimitInterval/Burst/Severity configure per-sender rate limiting
	// (spec'd after imuxsock's per-PID token bucket). RateLimitInterval
	// <= 0 disables rate limiting entirely.
	RateLimitInterval time.Duration
	RateLimitBurst     int
	RateLimitSeverity  int // messages more urgent than this severity are never limited

	// Logger for structured logging.
	Logger *slog.Logger
}

// New creates a new syslog ingester.
func New(cfg Config) *Ingester {
	chain := cfg.Chain
	if chain == nil {
		chain, _ = parserchain.NewChain([]parserchain.ChainEntry{{Parser: parserchain.NewRFC3164Parser()}})
	}
	return &Ingester{
		id:      cfg.ID,
		udpAddr: cfg.UDPAddr,
		tcpAddr: cfg.TCPAddr,
		chain:   chain,
		limiter: newSenderLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst, cfg.RateLimitSeverity),
		logger:  logging.Default(cfg.Logger).With("component", "ingester", "type", "syslog", "id", cfg.ID),
	}
}

// Run starts the syslog listeners and blocks until ctx is cancelled.
func (r *Ingester) Run(ctx context.Context, out chan<- orchestrator.IngestMessage) error {
	r.out = out

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	// Start UDP listener if configured.
	if r.udpAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.runUDP(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	// Start TCP listener if configured.
	if r.tcpAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.runTCP(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	if r.udpAddr == "" && r.tcpAddr == "" {
		return errors.New("syslog ingester: no UDP or TCP address configured")
	}

	// Wait for context cancellation or error.
	select {
	case <-ctx.Done():
		r.logger.Info("syslog ingester stopping")
		r.shutdown()
		wg.Wait()
		return nil
	case err := <-errCh:
		r.logger.Info("syslog ingester stopping", "error", err)
		r.shutdown()
		wg.Wait()
		return err
	}
}

// shutdown closes all listeners.
func (r *Ingester) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.udpConn != nil {
		r.udpConn.Close()
		r.udpConn = nil
	}
	if r.tcpListener != nil {
		r.tcpListener.Close()
		r.tcpListener = nil
	}
}

// runUDP handles UDP syslog messages.
func (r *Ingester) runUDP(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", r.udpAddr)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.udpConn = conn
	r.mu.Unlock()

	r.logger.Info("syslog UDP listener starting", "addr", conn.LocalAddr().String())

	buf := make([]byte, 65536) // Max UDP packet size
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Set read deadline to allow checking context.
		conn.SetReadDeadline(time.Now().Add(time.Second))

		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("UDP read error", "error", err)
			continue
		}

		if n == 0 {
			continue
		}

		out, ok := r.parseMessage(buf[:n], remoteAddr.IP.String(), "udp")
		if !ok {
			continue
		}
		select {
		case r.out <- out:
		case <-ctx.Done():
			return nil
		}
	}
}

// runTCP handles TCP syslog connections.
func (r *Ingester) runTCP(ctx context.Context) error {
	listener, err := net.Listen("tcp", r.tcpAddr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tcpListener = listener
	r.mu.Unlock()

	r.logger.Info("syslog TCP listener starting", "addr", listener.Addr().String())

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		default:
		}

		// Set accept deadline to allow checking context.
		listener.(*net.TCPListener).SetDeadline(time.Now().Add(time.Second))

		conn, err := listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return nil
			}
			r.logger.Warn("TCP accept error", "error", err)
			continue
		}

		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			defer conn.Close()
			r.handleTCPConn(ctx, conn)
		}(conn)
	}
}

// handleTCPConn handles a single TCP connection.
// TCP syslog uses either newline-delimited or octet-counted framing.
func (r *Ingester) handleTCPConn(ctx context.Context, conn net.Conn) {
	remoteIP := ""
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = tcpAddr.IP.String()
	}

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Set read deadline.
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		// Try to detect framing: octet-counted starts with a digit.
		firstByte, err := reader.Peek(1)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
					r.logger.Debug("TCP read error", "error", err)
				}
			}
			return
		}

		var line []byte
		if firstByte[0] >= '0' && firstByte[0] <= '9' {
			// Octet-counted framing: "123 <message>"
			line, err = r.readOctetCounted(reader)
		} else {
			// Newline-delimited framing.
			line, err = reader.ReadBytes('\n')
			if err == nil && len(line) > 0 && line[len(line)-1] == '\n' {
				line = line[:len(line)-1]
				if len(line) > 0 && line[len(line)-1] == '\r' {
					line = line[:len(line)-1]
				}
			}
		}

		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				r.logger.Debug("TCP read error", "error", err)
			}
			return
		}

		if len(line) == 0 {
			continue
		}

		out, ok := r.parseMessage(line, remoteIP, "tcp")
		if !ok {
			continue
		}
		select {
		case r.out <- out:
		case <-ctx.Done():
			return
		}
	}
}

// readOctetCounted reads an octet-counted syslog message.
// Format: "123 <message>" where 123 is the length of <message>.
func (r *Ingester) readOctetCounted(reader *bufio.Reader) ([]byte, error) {
	// Read the length prefix.
	var length int
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == ' ' {
			break
		}
		if b < '0' || b > '9' {
			return nil, errors.New("invalid octet count")
		}
		length = length*10 + int(b-'0')
		if length > 1<<20 { // 1MB sanity limit
			return nil, errors.New("octet count too large")
		}
	}

	// Read the message.
	msg := make([]byte, length)
	_, err := io.ReadFull(reader, msg)
	return msg, err
}

// UDPAddr returns the UDP listener address. Only valid after Run() has started.
func (r *Ingester) UDPAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.udpConn == nil {
		return nil
	}
	return r.udpConn.LocalAddr()
}

// TCPAddr returns the TCP listener address. Only valid after Run() has started.
func (r *Ingester) TCPAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tcpListener == nil {
		return nil
	}
	return r.tcpListener.Addr()
}

// parseMessage runs a received record through the ingester's parser
// chain and flattens the result into an orchestrator.IngestMessage.
// Auto-detection of RFC 3164 vs RFC 5424 and field extraction both now
// live in the parser chain/RFC3164Parser rather than here; ok is false
// when the sender has exceeded its rate limit and the record should be
// silently dropped.
func (r *Ingester) parseMessage(data []byte, remoteIP, inputName string) (orchestrator.IngestMessage, bool) {
	m := pipeline.FromWire(data, remoteIP, inputName)
	r.chain.Run(m)

	key := remoteIP
	if key == "" {
		key = "local"
	}
	if !r.limiter.allow(key, m.Severity()) {
		r.logger.Debug("sender rate-limited, message dropped", "remote_ip", remoteIP)
		return orchestrator.IngestMessage{}, false
	}

	return pipeline.ToIngestMessage(m), true
}
