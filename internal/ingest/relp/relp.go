// Package relp implements the Edge Collector's RELP (Reliable Event
// Logging Protocol) listener, an alternate transport alongside the
// syslog package's UDP/TCP listeners (spec §4.D, SPEC_FULL.md §3.D).
// RELP's transaction-based acknowledgment lets the sender know exactly
// which messages were accepted, so a message is answered "ok" only
// after it has been pushed into the Collector's Buffer.
//
// Adapted from the teacher's internal/ingester/relp ingester: same
// accept loop (deadline-polled so ctx cancellation is observed
// promptly), same per-connection gorelp.NewTcp session and
// ReceiveLog/AnswerOk/AnswerError handshake.
package relp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	gorelp "github.com/thierry-f-78/go-relp"

	"centinela/internal/buffer"
	"centinela/internal/logging"
)

// Sink receives one decoded RELP event.
type Sink interface {
	Push(buffer.Event) bool
}

// Config configures the RELP listener.
type Config struct {
	Addr   string
	Logger *slog.Logger
}

// Listener runs a RELP TCP server, pushing each accepted "syslog"
// command's payload into a Sink and acking once it is buffered.
type Listener struct {
	addr   string
	sink   Sink
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Listener bound to cfg.Addr.
func New(cfg Config, sink Sink) *Listener {
	return &Listener{
		addr:   cfg.Addr,
		sink:   sink,
		logger: logging.Default(cfg.Logger).With("component", "ingest", "type", "relp"),
	}
}

// Run starts the RELP TCP listener and blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info("relp listener starting", "addr", ln.Addr().String())

	var wg sync.WaitGroup
	defer func() {
		ln.Close()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("relp listener stopping")
			return nil
		default:
		}

		ln.(*net.TCPListener).SetDeadline(time.Now().Add(time.Second))

		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn("relp accept error", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handleConn(ctx, conn)
		}()
	}
}

// Addr returns the listener address. Only valid after Run has started.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteIP := ""
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = tcpAddr.IP.String()
	}

	opts, err := gorelp.ValidateOptions(&gorelp.Options{Tls: gorelp.Opt_tls_disabled})
	if err != nil {
		l.logger.Error("relp options validation failed", "error", err)
		return
	}

	session, err := gorelp.NewTcp(conn, opts)
	if err != nil {
		l.logger.Debug("relp session setup failed", "error", err, "remote", remoteIP)
		return
	}
	defer session.Close()

	l.logger.Debug("relp session established", "remote", remoteIP)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := session.ReceiveLog()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Debug("relp receive ended", "error", err, "remote", remoteIP)
			}
			return
		}

		event := buffer.Event{
			RawMessage: string(msg.Data),
			ReceivedAt: time.Now().UnixNano(),
			SourceIP:   remoteIP,
		}

		if l.sink.Push(event) {
			if err := session.AnswerOk(msg); err != nil {
				l.logger.Debug("relp answer ok failed", "error", err)
				return
			}
		} else {
			if err := session.AnswerError(msg, "buffer full"); err != nil {
				l.logger.Debug("relp answer error failed", "error", err)
				return
			}
		}
	}
}
