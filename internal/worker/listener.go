package worker

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/wudi/relay/internal/config"
)

// ListenTCP opens this worker's own socket on a shared address.
// SO_REUSEPORT lets every worker bind the same address so the kernel
// fans incoming connections out across the workers; backlog is the
// listen(2) queue depth per socket.
func ListenTCP(addr string, backlog int) (net.Listener, error) {
	if backlog <= 0 {
		backlog = 4096
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	ip := tcpAddr.IP
	if ip4 := ip.To4(); ip4 != nil || ip == nil {
		v4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(v4.Addr[:], ip4)
		}
		sa = v4
	} else {
		domain = unix.AF_INET6
		v6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(v6.Addr[:], ip.To16())
		sa = v6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_REUSEPORT: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(fd), "listen:"+addr)
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// ListenUnix binds a unix socket path, clearing a stale socket left by
// a previous run. Unix listeners cannot be duplicated per worker; the
// engine opens one and the workers share it.
func ListenUnix(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		os.Remove(path)
	}
	return net.Listen("unix", path)
}

// TLSConfigFor loads a server's downstream TLS material. The ALPN
// offer follows the configured protocol so auto servers can skip byte
// sniffing when the handshake already named the protocol.
func TLSConfigFor(cfg config.ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", cfg.Name, err)
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	switch cfg.Protocol {
	case config.ProtoAuto:
		tc.NextProtos = []string{"h2", "http/1.1"}
	case config.ProtoHTTP2:
		tc.NextProtos = []string{"h2"}
	case config.ProtoHTTP1:
		tc.NextProtos = []string{"http/1.1"}
	}
	return tc, nil
}

func workerLabel(id int) string { return strconv.Itoa(id) }
