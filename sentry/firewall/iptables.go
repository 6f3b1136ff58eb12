package firewall

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

const (
	filterTable = "filter"
	ruleComment = "guardian-sentry"
)

// ruleTable is the subset of go-iptables used here.
type ruleTable interface {
	InsertUnique(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
}

// IPTables installs DROP rules at the head of a filter chain through
// iptables and ip6tables.
type IPTables struct {
	chain string
	v4    ruleTable
	v6    ruleTable
}

// NewIPTables locates the iptables binaries. IPv6 support is optional.
func NewIPTables(chain string) (*IPTables, error) {
	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("firewall: iptables unavailable: %w", err)
	}
	var v6 ruleTable
	if ipt6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6); err == nil {
		v6 = ipt6
	}
	return newIPTablesWith(chain, v4, v6), nil
}

func newIPTablesWith(chain string, v4, v6 ruleTable) *IPTables {
	if strings.TrimSpace(chain) == "" {
		chain = "INPUT"
	}
	return &IPTables{chain: chain, v4: v4, v6: v6}
}

func (b *IPTables) Name() string { return "iptables" }

func (b *IPTables) Block(_ context.Context, ip string) error {
	table, canonical, err := b.tableFor(ip)
	if err != nil {
		return err
	}
	if err := table.InsertUnique(filterTable, b.chain, 1, ruleSpec(canonical)...); err != nil {
		return fmt.Errorf("firewall: insert deny rule for %s: %w", canonical, err)
	}
	return nil
}

func (b *IPTables) Unblock(_ context.Context, ip string) error {
	table, canonical, err := b.tableFor(ip)
	if err != nil {
		return err
	}
	if err := table.DeleteIfExists(filterTable, b.chain, ruleSpec(canonical)...); err != nil {
		return fmt.Errorf("firewall: delete deny rule for %s: %w", canonical, err)
	}
	return nil
}

// Installed reports whether the deny rule for ip is present.
func (b *IPTables) Installed(ip string) (bool, error) {
	table, canonical, err := b.tableFor(ip)
	if err != nil {
		return false, err
	}
	return table.Exists(filterTable, b.chain, ruleSpec(canonical)...)
}

func (b *IPTables) tableFor(ip string) (ruleTable, string, error) {
	canonical, parsed, err := canonicalIP(ip)
	if err != nil {
		return nil, "", err
	}
	if parsed.To4() != nil {
		return b.v4, canonical, nil
	}
	if b.v6 == nil {
		return nil, "", fmt.Errorf("firewall: ip6tables unavailable for %s", canonical)
	}
	return b.v6, canonical, nil
}

func ruleSpec(ip string) []string {
	return []string{"-s", ip, "-m", "comment", "--comment", ruleComment, "-j", "DROP"}
}
