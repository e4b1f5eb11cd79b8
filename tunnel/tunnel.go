// Package tunnel reaches the trace server through an SSH jump host.
// Both the command and the data channel are forwarded through a single
// SSH connection using golang.org/x/crypto/ssh.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
)

// Tunnel abstracts an encrypted channel through which TCP connections
// can be forwarded.
type Tunnel interface {
	// Connect establishes the tunnel to the jump host.
	Connect(ctx context.Context) error

	// Dial opens a connection to address through the tunnel.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel and frees resources.
	Close() error

	// IsAlive reports whether the underlying connection is still up.
	IsAlive() bool
}

// specRe matches [user@]host[:port].
var specRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseSpec extracts user, host, and port from a jump-host spec such as
// "ops@bastion.example.com:2222".  Port defaults to 22.
func ParseSpec(spec string) (user, host string, port int, err error) {
	m := specRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid jump host %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = 22
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid jump host port %q", m[3])
		}
	}
	return user, host, port, nil
}
