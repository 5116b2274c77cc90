package snet

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Family selects the address family of a socket handle.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) String() string {
	if f == FamilyIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Handle is a thin wrapper over a non-blocking OS connection endpoint. It is
// exclusively owned by exactly one listen socket or secure socket at a time.
type Handle struct {
	fd     int
	family Family
}

// NewTCPHandle creates a non-blocking TCP socket for the given family.
func NewTCPHandle(family Family) (*Handle, error) {
	af := unix.AF_INET
	if family == FamilyIPv6 {
		af = unix.AF_INET6
	}
	fd, err := unix.Socket(af, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("snet: creating socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("snet: setting nonblocking: %w", err)
	}
	return &Handle{fd: fd, family: family}, nil
}

// FD exposes the descriptor for multiplexer registration.
func (h *Handle) FD() int { return h.fd }

// Family returns the address family the handle was created with.
func (h *Handle) Family() Family { return h.family }

func (h *Handle) sockaddr(address string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}
	ip := tcpAddr.IP
	if h.family == FamilyIPv4 {
		if ip == nil {
			ip = net.IPv4zero
		}
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("snet: %s is not an IPv4 address", ip)
		}
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	if ip == nil {
		ip = net.IPv6zero
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return nil, fmt.Errorf("snet: %s is not an IPv6 address", ip)
	}
	sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa.Addr[:], ip16)
	return sa, nil
}

// Bind binds the handle to address ("host:port"). SO_REUSEADDR is set so a
// restarted server can rebind while old connections linger in TIME_WAIT.
func (h *Handle) Bind(address string) error {
	if err := unix.SetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("snet: setting SO_REUSEADDR: %w", err)
	}
	sa, err := h.sockaddr(address)
	if err != nil {
		return fmt.Errorf("snet: resolving %s: %w", address, err)
	}
	if err := unix.Bind(h.fd, sa); err != nil {
		return fmt.Errorf("snet: binding %s: %w", address, err)
	}
	return nil
}

// Listen marks the handle as a passive socket.
func (h *Handle) Listen(backlog int) error {
	if err := unix.Listen(h.fd, backlog); err != nil {
		return fmt.Errorf("snet: listen: %w", err)
	}
	return nil
}

// Accept takes one pending connection off the listen queue and returns it as
// a new non-blocking handle. ErrWouldBlock is returned when nothing is
// pending.
func (h *Handle) Accept() (*Handle, error) {
	fd, _, err := unix.Accept(h.fd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, ErrWouldBlock
		}
		return nil, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("snet: setting accepted socket nonblocking: %w", err)
	}
	return &Handle{fd: fd, family: h.family}, nil
}

// StartConnect begins a non-blocking connect. ErrWouldBlock means the connect
// is in progress; wait for write readiness and call FinishConnect.
func (h *Handle) StartConnect(address string) error {
	sa, err := h.sockaddr(address)
	if err != nil {
		return fmt.Errorf("snet: resolving %s: %w", address, err)
	}
	err = unix.Connect(h.fd, sa)
	if err == unix.EINPROGRESS {
		return ErrWouldBlock
	}
	if err != nil {
		return fmt.Errorf("snet: connect %s: %w", address, err)
	}
	return nil
}

// FinishConnect checks the outcome of an in-progress connect once the handle
// reported write readiness.
func (h *Handle) FinishConnect() error {
	soerr, err := unix.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("snet: reading SO_ERROR: %w", err)
	}
	if soerr != 0 {
		return fmt.Errorf("snet: connect: %w", unix.Errno(soerr))
	}
	return nil
}

// Read reads available bytes without blocking. ErrWouldBlock is returned when
// no data is buffered. A return of (0, nil) means the peer closed the
// connection; callers map that to io.EOF.
func (h *Handle) Read(p []byte) (int, error) {
	n, err := unix.Read(h.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Write writes as many bytes as the socket buffer accepts. ErrWouldBlock is
// returned when the buffer is full and nothing was written.
func (h *Handle) Write(p []byte) (int, error) {
	n, err := unix.Write(h.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			if n < 0 {
				n = 0
			}
			return n, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Close releases the descriptor.
func (h *Handle) Close() error {
	return unix.Close(h.fd)
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), a.Addr[:]...), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append(net.IP(nil), a.Addr[:]...), Port: a.Port}
	}
	return nil
}

// LocalAddr returns the bound address of the handle.
func (h *Handle) LocalAddr() net.Addr {
	sa, err := unix.Getsockname(h.fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCPAddr(sa)
}

// RemoteAddr returns the peer address of a connected handle.
func (h *Handle) RemoteAddr() net.Addr {
	sa, err := unix.Getpeername(h.fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCPAddr(sa)
}
