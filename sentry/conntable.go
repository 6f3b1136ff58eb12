// Package sentry observes inbound connections in front of private validators
// and escalates abusive sources to the firewall.
package sentry

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/prometheus/procfs"
)

// tcpEstablished is the kernel's TCP_ESTABLISHED state number.
const tcpEstablished = 1

// ConnectionObservation is one row of the OS connection table, rebuilt every
// monitoring cycle.
type ConnectionObservation struct {
	LocalAddr  string
	LocalPort  int
	RemoteIP   string
	State      string
	ObservedAt time.Time
}

// ConnectionSource lists the host's established TCP connections.
type ConnectionSource interface {
	Established() ([]ConnectionObservation, error)
}

// ProcSource reads /proc/net/tcp and /proc/net/tcp6 under a procfs mount.
type ProcSource struct {
	fs  procfs.FS
	now func() time.Time
}

// NewProcSource opens the procfs mount at root.
func NewProcSource(root string) (*ProcSource, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", root, err)
	}
	return &ProcSource{fs: fs, now: time.Now}, nil
}

// Established returns every ESTABLISHED connection. A missing tcp6 table is
// not an error since IPv6 may be disabled.
func (p *ProcSource) Established() ([]ConnectionObservation, error) {
	v4, err := p.fs.NetTCP()
	if err != nil {
		return nil, fmt.Errorf("read tcp table: %w", err)
	}
	v6, err := p.fs.NetTCP6()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read tcp6 table: %w", err)
	}

	observedAt := p.now()
	out := make([]ConnectionObservation, 0, len(v4)+len(v6))
	for _, table := range []procfs.NetTCP{v4, v6} {
		for _, line := range table {
			if line == nil || line.St != tcpEstablished {
				continue
			}
			out = append(out, ConnectionObservation{
				LocalAddr:  canonicalIP(line.LocalAddr),
				LocalPort:  int(line.LocalPort),
				RemoteIP:   canonicalIP(line.RemAddr),
				State:      "ESTABLISHED",
				ObservedAt: observedAt,
			})
		}
	}
	return out, nil
}

// canonicalIP renders IPv4-mapped IPv6 addresses in dotted form so that a
// client counted through tcp6 matches the same client seen through tcp.
func canonicalIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
