package elproxy

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/n0call/elproxy/internal/wstate"
)

// clientWorker owns one client TCP connection from acceptance through the
// end of authentication and service. Workers are pooled; calling accept on
// an idle worker stores the connection and wakes it.
type clientWorker struct {
	id      int
	proxy   *Proxy
	logger  zerolog.Logger
	w       *wstate.Worker
	idleNext *clientWorker // worker-pool idle-list linkage

	mu     sync.Mutex
	client net.Conn
}

func newClientWorker(id int, p *Proxy) *clientWorker {
	cw := &clientWorker{id: id, proxy: p, logger: p.logger.With().Int("worker", id).Logger()}
	cw.w = wstate.New(cw.run)
	return cw
}

// start launches the worker's goroutine; it immediately idles.
func (cw *clientWorker) start() error {
	return cw.w.Start()
}

// accept stores conn and wakes the worker. The worker must be idle.
func (cw *clientWorker) accept(conn net.Conn) error {
	cw.mu.Lock()
	cw.client = conn
	cw.mu.Unlock()
	return cw.w.Wake()
}

// run is the worker's single task function, re-entered once per client.
func (cw *clientWorker) run() {
	cw.mu.Lock()
	conn := cw.client
	cw.mu.Unlock()
	if conn == nil {
		return
	}

	rid := xid.New()
	lc := cw.logger.With().Stringer("rid", rid).Str("remote", conn.RemoteAddr().String())
	if cw.proxy.geoip != nil {
		if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
			lc = cw.proxy.geoip.Enrich(lc, ap.Addr())
		}
	}
	l := lc.Logger()

	callsign, authErr, leftover := cw.authenticate(l, conn)
	cw.proxy.requestRegistrationUpdate()

	if authErr == nil {
		boundConn := net.Conn(conn)
		if len(leftover) > 0 {
			boundConn = &leftoverConn{Conn: conn, leftover: leftover}
		}
		s, err := cw.proxy.pool.acquire(boundConn, callsign)
		if err != nil {
			l.Info().Err(err).Msg("no available slots")
			cw.proxy.metrics.noSlot.Inc()
		} else {
			cw.serve(l, s)
			s.finish()
			cw.proxy.pool.release(s)
		}
	}

	conn.Close()
	cw.mu.Lock()
	cw.client = nil
	cw.mu.Unlock()

	cw.proxy.workers.pushIdle(cw)
	cw.proxy.requestRegistrationUpdate()
}

// authenticate runs the nonce/password/callsign handshake from §4.6. It
// reports the parsed callsign and, on failure, an error wrapping the §7
// error kind the failure belongs to (ErrPermissionDenied for a bad password
// or a denied callsign; ErrInvalidFrame/ErrPeerClosed, via readAuthTrailer,
// for a malformed or abandoned handshake), plus any bytes read past the
// 16-byte password response: a client isn't acknowledged before it's
// authenticated, so a well-behaved client may start sending framed traffic
// immediately after its auth reply instead of waiting for one, and those
// bytes can arrive in the same read as the auth trailer. On failure it has
// already sent the appropriate SYSTEM frame and the caller only needs to
// close the connection.
func (cw *clientWorker) authenticate(l zerolog.Logger, conn net.Conn) (callsign string, err error, leftover []byte) {
	nonce, err := newNonce()
	if err != nil {
		l.Error().Err(err).Msg("generate nonce")
		return "", err, nil
	}
	if _, err := conn.Write([]byte(hex32be(nonce))); err != nil {
		l.Debug().Err(err).Msg("send nonce")
		return "", wrapWriteErr(err), nil
	}

	nlIndex, buf, err := readAuthTrailer(conn)
	if err != nil {
		cw.proxy.metrics.authTotalFrame.Inc()
		l.Debug().Err(err).Msg("read auth trailer")
		return "", err, nil
	}
	callsign = string(buf[:nlIndex])
	resp := buf[nlIndex+1 : nlIndex+1+16]
	leftover = buf[nlIndex+1+16:]

	if !checkPasswordResponse(cw.proxy.config.Password, nonce, resp) {
		cw.proxy.metrics.authTotalBadPwd.Inc()
		cw.sendSystem(conn, systemBadPassword)
		l.Info().Str("callsign", callsign).Msg("bad password")
		return callsign, fmt.Errorf("%w: bad password", ErrPermissionDenied), nil
	}

	if !cw.proxy.callsigns.Allowed(l, callsign) {
		cw.proxy.metrics.authTotalDenied.Inc()
		cw.sendSystem(conn, systemAccessDenied)
		l.Info().Str("callsign", callsign).Msg("access denied")
		return callsign, fmt.Errorf("%w: callsign %s denied", ErrPermissionDenied, callsign), nil
	}

	cw.proxy.metrics.authTotalOK.Inc()
	return callsign, nil, leftover
}

// readAuthTrailer reads from conn until it has a full auth trailer: a
// newline within the first 11 bytes (the callsign, 1-10 ASCII chars, plus
// the newline) followed by the 16-byte password response. It returns the
// newline's index in buf and the full buffer read so far, which may
// contain extra bytes belonging to the client's next frame.
func readAuthTrailer(conn net.Conn) (nlIndex int, buf []byte, err error) {
	buf = make([]byte, 0, 64)
	tmp := make([]byte, 64)
	nlIndex = -1
	for {
		if nlIndex < 0 {
			limit := len(buf)
			if limit > 11 {
				limit = 11
			}
			for i := 0; i < limit; i++ {
				if buf[i] == '\n' {
					nlIndex = i
					break
				}
			}
			if nlIndex < 0 && len(buf) >= 11 {
				return 0, nil, fmt.Errorf("%w: no newline in first 11 bytes", ErrInvalidFrame)
			}
		}
		if nlIndex >= 0 && len(buf) >= nlIndex+1+16 {
			return nlIndex, buf, nil
		}
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			return 0, nil, wrapReadErr(rerr)
		}
	}
}

// leftoverConn prepends bytes already read off the wire (during
// authentication) to the next Reads, so framed traffic a client pipelined
// right behind its auth response isn't lost once the connection is handed
// from the worker to a slot.
type leftoverConn struct {
	net.Conn
	leftover []byte
}

func (c *leftoverConn) Read(p []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

func (cw *clientWorker) sendSystem(conn net.Conn, code byte) {
	writeFrame(conn, msgSystem, 0, []byte{code})
}

// serve runs process() against s until it returns an error, then logs the
// disconnection.
func (cw *clientWorker) serve(l zerolog.Logger, s *slot) {
	for {
		if err := s.process(); err != nil {
			l.Info().Err(err).Msg("client disconnected")
			return
		}
	}
}
