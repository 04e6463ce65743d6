// Package protocol is the UDP datagram endpoint: it reads queries off
// the wire and enqueues them for workers, and writes responses back.
package protocol

import (
	"log/slog"
	"net"
	"sync/atomic"
)

const maxDatagramSize = 4096

// Job is one received query awaiting a worker.
type Job struct {
	ClientAddr net.Addr
	Bytes      []byte
}

// Protocol owns the UDP socket shared by the receive loop and response
// sends issued by workers.
type Protocol struct {
	conn    *net.UDPConn
	queue   chan Job
	dropped atomic.Uint64
	log     *slog.Logger
}

// Bind opens a UDP socket on host:port and wires it to queue, the shared
// job channel workers dequeue from.
func Bind(host string, port int, queue chan Job, log *slog.Logger) (*Protocol, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Protocol{conn: conn, queue: queue, log: log}, nil
}

// LocalAddr returns the bound socket address.
func (p *Protocol) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

// Close closes the underlying socket.
func (p *Protocol) Close() error {
	return p.conn.Close()
}

// Dropped returns the number of datagrams discarded because the queue was
// full.
func (p *Protocol) Dropped() uint64 {
	return p.dropped.Load()
}

// ReceiveLoop reads datagrams until the socket is closed, enqueuing each as
// a Job. A full queue drops the datagram rather than blocking the receive
// path.
func (p *Protocol) ReceiveLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := p.conn.ReadFrom(buf)
		if err != nil {
			if p.log != nil {
				p.log.Debug("receive loop stopping", "error", err)
			}
			return
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])

		select {
		case p.queue <- Job{ClientAddr: addr, Bytes: msg}:
		default:
			p.dropped.Add(1)
			if p.log != nil {
				p.log.Warn("dropped query: queue full", "from", addr.String())
			}
		}
	}
}

// SendResponse writes a datagram to addr. UDP delivery is best-effort:
// errors are logged and swallowed, never propagated to the caller.
func (p *Protocol) SendResponse(addr net.Addr, b []byte) {
	if _, err := p.conn.WriteTo(b, addr); err != nil && p.log != nil {
		p.log.Warn("failed to send response", "to", addr.String(), "error", err)
	}
}
