package elproxy

import (
	"context"
	"net"
	"strconv"

	"github.com/rs/zerolog"
)

// listen opens the EchoLink-facing TCP listener with SO_REUSEADDR set via a
// net.ListenConfig.Control callback (see listener_unix.go / listener_windows.go),
// the idiomatic Go way to touch a platform socket option before bind without
// dropping to raw syscalls for the rest of the listener lifecycle.
func listen(ctx context.Context, bindAddr string, port int) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	return lc.Listen(ctx, "tcp4", net.JoinHostPort(bindAddr, strconv.Itoa(port)))
}

// acceptLoop runs one accept() per iteration, handing each new connection to
// an idle worker under the pool's usable/idle-workers locks, in that
// (outer-to-inner) order per the documented lock hierarchy. It returns when
// ln is closed.
func acceptLoop(ln net.Listener, l zerolog.Logger, pool *slotPool, workers *workerPool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isPeerClosedErr(err) {
				return
			}
			l.Warn().Err(err).Msg("accept error")
			continue
		}

		pool.usableMu.RLock()
		if !pool.usable {
			pool.usableMu.RUnlock()
			l.Info().Str("remote", conn.RemoteAddr().String()).Msg("rejecting connection: server is shutting down")
			conn.Close()
			continue
		}

		w := workers.popIdle()
		pool.usableMu.RUnlock()
		if w == nil {
			l.Info().Str("remote", conn.RemoteAddr().String()).Msg("rejecting connection: no idle worker")
			conn.Close()
			continue
		}

		if err := w.accept(conn); err != nil {
			l.Warn().Err(err).Msg("wake worker")
			conn.Close()
			workers.pushIdle(w)
		}
	}
}
