package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteTextfileIncludesCollectors(t *testing.T) {
	Discovery().RecordRequest("ok")
	Sentry().RecordDecision("block")

	path := filepath.Join(t.TempDir(), "guardian.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	body := string(raw)
	for _, name := range []string{"guardian_discovery_requests_total", "guardian_sentry_decisions_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in textfile output", name)
		}
	}
}

func TestWriteTextfileRequiresPath(t *testing.T) {
	if err := WriteTextfile("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var d *DiscoveryMetrics
	d.RecordRequest("ok")
	d.SetRegistrySize(3)
	var s *SentryMetrics
	s.RecordFirewallFailure("block")
	s.ClearAlert()
}
