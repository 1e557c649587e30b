package arrow

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// ConnectionTimeout bounds TCP dial and TLS handshake. It does not bound
// the lifetime of an established connection.
const ConnectionTimeout = 20 * time.Second

// readBufferSize is the chunk size used for each Read off the TLS socket.
const readBufferSize = 32 * 1024

// Connect dials addr, upgrades to TLS, runs the protocol engine against the
// resulting stream until the server redirects or a fatal error occurs, and
// returns the redirect target. A redirect target of "" with a nil error
// means the server asked the client to stop reconnecting (diagnostic mode,
// or an explicit empty REDIRECT).
//
// Connect blocks for the lifetime of one connection attempt; callers own
// the reconnect loop and decide whether to honour the redirect.
func Connect(ctx context.Context, appCtx ApplicationContext, cmdCh CommandChannel, addr string, opts ...EngineOption) (string, error) {
	log := appCtx.Logger()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", connectionError("invalid address %q: %s", addr, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return "", connectionError("dial %s: %s", addr, err)
	}

	tlsCfg, err := appCtx.TLSConfig()
	if err != nil {
		raw.Close()
		return "", connectionError("build TLS config: %s", err)
	}
	if tlsCfg.ServerName == "" {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.ServerName = host
	}

	conn := tls.Client(raw, tlsCfg)
	if err := conn.SetDeadline(time.Now().Add(ConnectionTimeout)); err != nil {
		conn.Close()
		return "", connectionError("set handshake deadline: %s", err)
	}
	if err := conn.HandshakeContext(dialCtx); err != nil {
		conn.Close()
		return "", connectionError("TLS handshake with %s: %s", host, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return "", connectionError("clear handshake deadline: %s", err)
	}

	log.Info("connected to Arrow Service", "address", addr)
	defer conn.Close()

	engine := NewEngine(appCtx, cmdCh, opts...)
	defer engine.Close()

	ticker := StartTicker(appCtx.Clock(), engine)
	defer ticker.Stop()

	metrics := engine.Metrics()

	readErr := make(chan error, 1)
	go pumpInbound(conn, engine, metrics, readErr)

	writeErr := make(chan error, 1)
	go pumpOutbound(ctx, conn, engine, metrics, writeErr)

	select {
	case err := <-readErr:
		engine.Close()
		if err != nil && err != io.EOF {
			if errors.Is(err, ErrDecodeMessage) {
				return "", other("%s", err)
			}
			return "", connectionError("reading from %s: %s", addr, err)
		}
	case err := <-writeErr:
		engine.Close()
		if err != nil {
			return "", err
		}
	case <-ctx.Done():
		engine.Close()
		return "", ctx.Err()
	}

	redirect, ok := engine.Redirect()
	if !ok {
		return "", connectionError("connection to %s ended without a redirect", addr)
	}
	log.Info("Arrow Service connection ended", "redirect", redirect)
	return redirect, nil
}

// pumpInbound reads frames off conn and feeds them to engine until the
// connection closes or a read fails.
func pumpInbound(conn net.Conn, engine *Engine, metrics Metrics, done chan<- error) {
	codec := NewCodec()
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			metrics.IncrementBytesReceived(int64(n))
			codec.Feed(buf[:n])
			for {
				msg, ok, decodeErr := codec.Decode()
				if decodeErr != nil {
					done <- decodeErr
					return
				}
				if !ok {
					break
				}
				engine.Feed(msg)
			}
		}
		if err != nil {
			if err == io.EOF {
				done <- nil
			} else {
				done <- err
			}
			return
		}
	}
}

// pumpOutbound drains the engine's outbound queue and writes each frame to
// conn until the engine reports termination.
func pumpOutbound(ctx context.Context, conn net.Conn, engine *Engine, metrics Metrics, done chan<- error) {
	for {
		msg, err := engine.Next(ctx)
		if err != nil {
			if err == io.EOF {
				done <- nil
			} else {
				done <- err
			}
			return
		}
		encoded := EncodeMessage(msg)
		if _, writeErr := conn.Write(encoded); writeErr != nil {
			done <- connectionError("writing frame: %s", writeErr)
			return
		}
		metrics.IncrementBytesSent(int64(len(encoded)))
	}
}
