package zeo

import (
	"net"
	"strconv"
)

// Addr is either a (host, port) TCP endpoint or a filesystem path for a
// local (Unix domain) socket.
type Addr struct {
	Host string
	Port int32

	// Path, when non-empty, selects a Unix domain socket and Host/Port
	// are ignored.
	Path string
}

// TCPAddr returns a (host, port) Addr.
func TCPAddr(host string, port int32) Addr { return Addr{Host: host, Port: port} }

// UnixAddr returns a filesystem-path Addr.
func UnixAddr(path string) Addr { return Addr{Path: path} }

// Network returns "unix" or "tcp", matching net.Dial's network argument.
func (a Addr) Network() string {
	if a.Path != "" {
		return "unix"
	}
	return "tcp"
}

// String returns the dial address: the Unix path, or host:port joined
// the way broker addresses are joined in the teacher (net.JoinHostPort).
func (a Addr) String() string {
	if a.Path != "" {
		return a.Path
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}
