package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"guardian/observability/logging"
)

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v failed: %w (%s)", name, args, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// PF manages entries in a pf table. The ruleset is expected to contain
// "block drop in quick from <table>".
type PF struct {
	table  string
	runner Runner
	logger *slog.Logger
}

// NewPF returns a pf backend. A nil runner executes pfctl directly.
func NewPF(table string, runner Runner) *PF {
	if strings.TrimSpace(table) == "" {
		table = "guardian_blocked"
	}
	if runner == nil {
		runner = execRunner{}
	}
	return &PF{
		table:  table,
		runner: runner,
		logger: slog.Default().With(slog.String("component", "firewall_pf")),
	}
}

func (p *PF) Name() string { return "pf" }

func (p *PF) Block(ctx context.Context, ip string) error {
	canonical, _, err := canonicalIP(ip)
	if err != nil {
		return err
	}
	if err := p.runner.Run(ctx, "pfctl", "-t", p.table, "-T", "add", canonical); err != nil {
		return fmt.Errorf("firewall: pf add %s: %w", canonical, err)
	}
	// Drop states already established by the offender. Best effort: the
	// table entry alone enforces the block.
	if err := p.runner.Run(ctx, "pfctl", "-k", canonical); err != nil {
		p.logger.Warn("Failed to kill pf states",
			logging.MaskField("remote_ip", canonical),
			slog.Any("error", err))
	}
	return nil
}

func (p *PF) Unblock(ctx context.Context, ip string) error {
	canonical, _, err := canonicalIP(ip)
	if err != nil {
		return err
	}
	if err := p.runner.Run(ctx, "pfctl", "-t", p.table, "-T", "delete", canonical); err != nil {
		return fmt.Errorf("firewall: pf delete %s: %w", canonical, err)
	}
	return nil
}
