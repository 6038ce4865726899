package elproxy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/n0call/elproxy/internal/wstate"
)

const (
	dirServicePort = 5200
	udpDataPort    = 5198
	udpControlPort = 5199
)

// slot is a single logical EchoLink endpoint bound to one external IPv4
// address, serving at most one client at a time. It owns three outbound
// sockets and runs three long-lived forwarders for its entire lifetime,
// idling them between clients instead of tearing them down.
type slot struct {
	index      int
	externalIP string // dotted quad, or "" for the wildcard
	logger     zerolog.Logger
	metrics    *proxyMetrics

	fwdTCP  *wstate.Worker
	fwdUDPD *wstate.Worker
	fwdUDPC *wstate.Worker

	// bindMu guards client and lastCall. forwarders take it for
	// reading (to find the bound client); accept/finish take it for
	// writing.
	bindMu   sync.RWMutex
	client   net.Conn
	lastCall string

	// sendMu serializes every write to client across the forwarders and
	// process(); never held across a recv.
	sendMu sync.Mutex

	// outMu guards the three outbound sockets, which are replaced by
	// TCP_OPEN and torn down by finish().
	outMu   sync.Mutex
	outTCP  net.Conn
	udpData *net.UDPConn
	udpCtrl *net.UDPConn

	// idle list linkage, owned by the scheduler under its pool mutex.
	idlePrev, idleNext *slot

	// onDrop is called (by a forwarder) when persistent UDP I/O forces
	// the whole client to be dropped.
	onDrop func(*slot)
}

// addrToIPv4 decodes a wire address field into a dotted-quad IP. The wire
// stores the address as four octets in dotted-quad order, which the 9-byte
// header then reads as a little-endian uint32 (§3); that makes the first
// octet the value's low byte, not its high byte.
func addrToIPv4(addr uint32) net.IP {
	return net.IPv4(byte(addr), byte(addr>>8), byte(addr>>16), byte(addr>>24))
}

// ipv4ToAddr is addrToIPv4's inverse, encoding a 4-byte IPv4 address (as
// returned by net.IP.To4) into a wire address field.
func ipv4ToAddr(ip4 net.IP) uint32 {
	return uint32(ip4[0]) | uint32(ip4[1])<<8 | uint32(ip4[2])<<16 | uint32(ip4[3])<<24
}

// newSlot constructs slot index bound to externalIP (empty for wildcard) but
// starts no goroutines.
func newSlot(index int, externalIP string, l zerolog.Logger, m *proxyMetrics) (*slot, error) {
	udpData, err := bindUDP(externalIP, udpDataPort)
	if err != nil {
		return nil, fmt.Errorf("slot %d: bind udp data: %w", index, err)
	}
	udpCtrl, err := bindUDP(externalIP, udpControlPort)
	if err != nil {
		udpData.Close()
		return nil, fmt.Errorf("slot %d: bind udp control: %w", index, err)
	}

	s := &slot{
		index:      index,
		externalIP: externalIP,
		logger:     l.With().Int("slot", index).Str("external_ip", externalIP).Logger(),
		metrics:    m,
		udpData:    udpData,
		udpCtrl:    udpCtrl,
	}
	s.fwdTCP = wstate.New(s.runForwarderTCP)
	s.fwdUDPD = wstate.New(s.runForwarderUDPData)
	s.fwdUDPC = wstate.New(s.runForwarderUDPControl)
	return s, nil
}

func bindUDP(externalIP string, port int) (*net.UDPConn, error) {
	addr := &net.UDPAddr{Port: port}
	if externalIP != "" {
		addr.IP = net.ParseIP(externalIP)
	}
	return net.ListenUDP("udp4", addr)
}

// start spawns the three forwarder goroutines; they immediately idle.
func (s *slot) start() error {
	if err := s.fwdTCP.Start(); err != nil {
		return err
	}
	if err := s.fwdUDPD.Start(); err != nil {
		return err
	}
	if err := s.fwdUDPC.Start(); err != nil {
		return err
	}
	return nil
}

// accept claims the slot for client under callsign. If reconnectOnly is set,
// it additionally fails ErrBusy unless callsign matches the slot's last
// bound callsign.
func (s *slot) accept(client net.Conn, callsign string, reconnectOnly bool) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	if s.client != nil {
		return ErrBusy
	}
	if reconnectOnly && callsign != s.lastCall {
		return ErrBusy
	}

	reconnect := callsign == s.lastCall
	s.client = client
	s.lastCall = callsign

	s.fwdUDPD.Wake()
	s.fwdUDPC.Wake()

	s.logger.Info().Str("callsign", callsign).Bool("reconnect", reconnect).Str("remote", client.RemoteAddr().String()).Msg("client bound to slot")
	return nil
}

// boundClient returns the currently bound client, or nil.
func (s *slot) boundClient() net.Conn {
	s.bindMu.RLock()
	defer s.bindMu.RUnlock()
	return s.client
}

// send writes one frame to the bound client under the send-mutex. Returns
// ErrClosed if no client is bound.
func (s *slot) send(typ byte, address uint32, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	c := s.boundClient()
	if c == nil {
		return ErrClosed
	}
	return writeFrame(c, typ, address, payload)
}

// process performs one blocking read-dispatch cycle against the bound
// client. The caller loops until it returns a non-nil error.
func (s *slot) process() error {
	c := s.boundClient()
	if c == nil {
		return ErrClosed
	}

	h, err := readHeader(c)
	if err != nil {
		return err
	}

	switch h.Type {
	case msgTCPOpen:
		return s.handleTCPOpen(c, h)
	case msgTCPData:
		return s.handleTCPData(c, h)
	case msgTCPClose:
		return s.handleTCPClose(h)
	case msgUDPData:
		return s.handleUDPPayload(c, h, s.udpData, udpDataPort, s.metrics.udpDataOut)
	case msgUDPControl:
		return s.handleUDPPayload(c, h, s.udpCtrl, udpControlPort, s.metrics.udpCtrlOut)
	default:
		return fmt.Errorf("%w: message type %d not valid inbound", ErrInvalidFrame, h.Type)
	}
}

func (s *slot) handleTCPOpen(c net.Conn, h header) error {
	if h.Size != 0 {
		if _, err := readChunk(c, int(h.Size)); err != nil {
			return err
		}
	}

	dst := addrToIPv4(h.Address).String()

	s.outMu.Lock()
	if s.outTCP != nil {
		s.outTCP.Close()
		s.outTCP = nil
	}
	s.outMu.Unlock()

	if err := s.fwdTCP.WaitIdle(); err != nil && !errors.Is(err, wstate.ErrStopped) {
		return err
	}

	var localAddr net.Addr
	if s.externalIP != "" {
		localAddr = &net.TCPAddr{IP: net.ParseIP(s.externalIP)}
	}
	dialer := net.Dialer{LocalAddr: localAddr}

	var status [4]byte
	conn, err := dialer.Dial("tcp4", net.JoinHostPort(dst, strconv.Itoa(dirServicePort)))
	if err != nil {
		s.logger.Warn().Err(err).Str("dst", dst).Msg("tcp_open: connect failed")
		status[0], status[1], status[2], status[3] = 0xff, 0xff, 0xff, 0xff
		return s.send(msgTCPStatus, 0, status[:])
	}

	s.outMu.Lock()
	s.outTCP = conn
	s.outMu.Unlock()

	s.fwdTCP.Wake()
	return s.send(msgTCPStatus, 0, status[:])
}

func (s *slot) handleTCPData(c net.Conn, h header) error {
	sizes := chunkSizes(h.Size)
	var sendErr error
	for _, n := range sizes {
		chunk, err := readChunk(c, n)
		if err != nil {
			return err
		}
		if sendErr != nil {
			continue // drain the rest of the frame to stay in sync
		}

		s.outMu.Lock()
		out := s.outTCP
		s.outMu.Unlock()

		if out == nil {
			sendErr = ErrOutboundIO
			continue
		}
		if _, err := out.Write(chunk); err != nil {
			s.logger.Warn().Err(err).Msg("tcp_data: outbound write failed")
			sendErr = fmt.Errorf("%w: %v", ErrOutboundIO, err)
		}
	}
	if sendErr != nil {
		s.outMu.Lock()
		if s.outTCP != nil {
			s.outTCP.Close()
			s.outTCP = nil
		}
		s.outMu.Unlock()
		return s.send(msgTCPClose, 0, nil)
	}
	return nil
}

func (s *slot) handleTCPClose(h header) error {
	if h.Size != 0 {
		return fmt.Errorf("%w: TCP_CLOSE carries a payload", ErrInvalidFrame)
	}
	s.outMu.Lock()
	if s.outTCP != nil {
		s.outTCP.Close()
		s.outTCP = nil
	}
	s.outMu.Unlock()
	return nil
}

func (s *slot) handleUDPPayload(c net.Conn, h header, sock *net.UDPConn, port int, outCounter *counterPair) error {
	dst := addrToIPv4(h.Address).String()
	addr := &net.UDPAddr{IP: net.ParseIP(dst), Port: port}

	for _, n := range chunkSizes(h.Size) {
		chunk, err := readChunk(c, n)
		if err != nil {
			return err
		}
		if _, err := sock.WriteToUDP(chunk, addr); err != nil {
			s.logger.Warn().Err(err).Str("dst", dst).Int("port", port).Msg("udp write failed")
			continue
		}
		outCounter.add(len(chunk))
	}
	return nil
}

// runForwarderTCP reads from the outbound TCP connection and relays each
// chunk to the client as a TCP_DATA frame; on EOF or error it closes the
// outbound socket and sends TCP_CLOSE. It never drops the slot.
func (s *slot) runForwarderTCP() {
	s.outMu.Lock()
	conn := s.outTCP
	s.outMu.Unlock()
	if conn == nil {
		return
	}

	buf := make([]byte, maxChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if sendErr := s.send(msgTCPData, 0, buf[:n]); sendErr != nil {
				break
			}
			s.metrics.tcpOut.add(n)
		}
		if err != nil {
			break
		}
	}

	s.outMu.Lock()
	if s.outTCP == conn {
		conn.Close()
		s.outTCP = nil
	}
	s.outMu.Unlock()

	s.send(msgTCPClose, 0, nil)
}

// runForwarderUDPData relays datagrams from the UDP-data socket to the
// client as UDP_DATA frames, dropping the whole client on persistent error.
func (s *slot) runForwarderUDPData() {
	s.runForwarderUDP(s.udpData, msgUDPData, s.metrics.udpDataIn)
}

func (s *slot) runForwarderUDPControl() {
	s.runForwarderUDP(s.udpCtrl, msgUDPControl, s.metrics.udpCtrlIn)
}

func (s *slot) runForwarderUDP(sock *net.UDPConn, typ byte, inCounter *counterPair) {
	buf := make([]byte, maxChunk)
	for {
		n, raddr, err := sock.ReadFromUDP(buf)
		if n > 0 {
			var addr uint32
			if ip4 := raddr.IP.To4(); ip4 != nil {
				addr = ipv4ToAddr(ip4)
			}
			if sendErr := s.send(typ, addr, buf[:n]); sendErr != nil {
				if errors.Is(sendErr, ErrClosed) {
					return
				}
				s.logger.Warn().Err(sendErr).Msg("udp forwarder: send to client failed")
			} else {
				inCounter.add(n)
			}
		}
		if err != nil {
			if isPeerClosedErr(err) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			recvErr := fmt.Errorf("%w: %v", ErrUDPReceive, err)
			s.logger.Warn().Err(recvErr).Msg("udp forwarder: persistent receive error; dropping client")
			if s.onDrop != nil {
				s.onDrop(s)
			}
			return
		}
	}
}

// finish drops the bound client, closes the outbound TCP connection,
// interrupts the UDP forwarders' pending reads, and waits for each forwarder
// to go idle. The two UDP sockets stay bound, so the slot remains usable
// afterwards.
func (s *slot) finish() {
	s.bindMu.Lock()
	client := s.client
	s.client = nil
	s.bindMu.Unlock()

	if client != nil {
		client.Close()
	}

	s.outMu.Lock()
	if s.outTCP != nil {
		s.outTCP.Close()
		s.outTCP = nil
	}
	s.outMu.Unlock()

	// An expired read deadline unblocks ReadFromUDP without closing the socket.
	s.udpData.SetReadDeadline(time.Now())
	s.udpCtrl.SetReadDeadline(time.Now())

	s.fwdTCP.WaitIdle()
	s.fwdUDPD.WaitIdle()
	s.fwdUDPC.WaitIdle()

	s.udpData.SetReadDeadline(time.Time{})
	s.udpCtrl.SetReadDeadline(time.Time{})
}

// dropClient shuts down the bound client socket (without touching the
// outbound sockets), unblocking the owning worker's process() loop.
func (s *slot) dropClient() {
	s.bindMu.RLock()
	client := s.client
	s.bindMu.RUnlock()
	if client != nil {
		client.Close()
	}
}

// stop performs finish() then joins the three forwarder goroutines, and
// closes the two UDP sockets. Used only at server teardown.
func (s *slot) stop() {
	s.finish()
	s.fwdTCP.Join()
	s.fwdUDPD.Join()
	s.fwdUDPC.Join()
	s.udpData.Close()
	s.udpCtrl.Close()
}
