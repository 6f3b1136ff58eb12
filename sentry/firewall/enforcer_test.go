package firewall

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/require"

	"guardian/storage"
)

type fakeBackend struct {
	mu          sync.Mutex
	rules       map[string]int
	calls       []string
	failBlock   error
	failUnblock error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rules: make(map[string]int)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Block(_ context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "block "+ip)
	if f.failBlock != nil {
		return f.failBlock
	}
	f.rules[ip]++
	return nil
}

func (f *fakeBackend) Unblock(_ context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unblock "+ip)
	if f.failUnblock != nil {
		return f.failUnblock
	}
	delete(f.rules, ip)
	return nil
}

func (f *fakeBackend) ruleCount(ip string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[ip]
}

func (f *fakeBackend) setFailures(block, unblock error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failBlock = block
	f.failUnblock = unblock
}

func TestBlockIsIdempotentAndDoesNotResetTimer(t *testing.T) {
	clock := new(mclock.Simulated)
	backend := newFakeBackend()
	enforcer := NewEnforcer(backend, Config{BlockDuration: 60 * time.Minute, Clock: clock})
	ctx := context.Background()

	require.NoError(t, enforcer.Block(ctx, "9.9.9.9"))
	first := enforcer.Active()[0]

	clock.Run(30 * time.Minute)
	require.NoError(t, enforcer.Block(ctx, "9.9.9.9"))
	require.Equal(t, 1, backend.ruleCount("9.9.9.9"), "second block must not install another rule")
	require.Len(t, enforcer.Active(), 1)
	require.Equal(t, first.UnblockAt, enforcer.Active()[0].UnblockAt)

	clock.Run(31 * time.Minute)
	require.False(t, enforcer.IsBlocked("9.9.9.9"), "unblock must fire at the original deadline")
	require.Zero(t, backend.ruleCount("9.9.9.9"))
	require.Empty(t, enforcer.Active())
}

func TestScheduledUnblockRemovesRuleAndEntry(t *testing.T) {
	clock := new(mclock.Simulated)
	backend := newFakeBackend()
	enforcer := NewEnforcer(backend, Config{BlockDuration: time.Hour, Clock: clock})

	require.NoError(t, enforcer.Block(context.Background(), "203.0.113.7"))
	entry := enforcer.Active()[0]
	require.Equal(t, time.Hour, entry.UnblockAt.Sub(entry.BlockedAt))

	clock.Run(59 * time.Minute)
	require.True(t, enforcer.IsBlocked("203.0.113.7"))
	clock.Run(2 * time.Minute)
	require.False(t, enforcer.IsBlocked("203.0.113.7"))
	require.Zero(t, backend.ruleCount("203.0.113.7"))
}

func TestBlockFailureCreatesNoEntryAndAlerts(t *testing.T) {
	clock := new(mclock.Simulated)
	backend := newFakeBackend()
	backend.setFailures(errors.New("permission denied"), nil)
	enforcer := NewEnforcer(backend, Config{Clock: clock})

	err := enforcer.Block(context.Background(), "9.9.9.9")
	require.Error(t, err)
	require.False(t, enforcer.IsBlocked("9.9.9.9"))
	require.True(t, enforcer.Alerting())

	backend.setFailures(nil, nil)
	require.NoError(t, enforcer.Block(context.Background(), "9.9.9.9"))
	require.True(t, enforcer.IsBlocked("9.9.9.9"))
	require.False(t, enforcer.Alerting(), "a successful command clears the alert")
}

func TestUnblockFailureKeepsEntryAndRetries(t *testing.T) {
	clock := new(mclock.Simulated)
	backend := newFakeBackend()
	enforcer := NewEnforcer(backend, Config{BlockDuration: time.Minute, RetryDelay: 10 * time.Second, Clock: clock})
	require.NoError(t, enforcer.Block(context.Background(), "9.9.9.9"))

	backend.setFailures(nil, errors.New("iptables busy"))
	clock.Run(time.Minute)
	require.True(t, enforcer.IsBlocked("9.9.9.9"), "entry must survive a failed removal")
	require.True(t, enforcer.Alerting())
	require.Equal(t, 1, backend.ruleCount("9.9.9.9"))

	backend.setFailures(nil, nil)
	clock.Run(10 * time.Second)
	require.False(t, enforcer.IsBlocked("9.9.9.9"))
	require.Zero(t, backend.ruleCount("9.9.9.9"))
	require.False(t, enforcer.Alerting())
}

func TestRevokeLiftsBlockEarly(t *testing.T) {
	clock := new(mclock.Simulated)
	backend := newFakeBackend()
	enforcer := NewEnforcer(backend, Config{BlockDuration: time.Hour, Clock: clock})
	ctx := context.Background()

	require.NoError(t, enforcer.Block(ctx, "9.9.9.9"))
	require.NoError(t, enforcer.Revoke(ctx, "9.9.9.9"))
	require.False(t, enforcer.IsBlocked("9.9.9.9"))
	require.NoError(t, enforcer.Unblock(ctx, "9.9.9.9"), "unblocking twice is a no-op")

	// A new block after the revoke must not be lifted by the first timer.
	clock.Run(30 * time.Minute)
	require.NoError(t, enforcer.Block(ctx, "9.9.9.9"))
	clock.Run(31 * time.Minute)
	require.True(t, enforcer.IsBlocked("9.9.9.9"))
	clock.Run(30 * time.Minute)
	require.False(t, enforcer.IsBlocked("9.9.9.9"))
}

func TestBlockRejectsInvalidIP(t *testing.T) {
	enforcer := NewEnforcer(newFakeBackend(), Config{Clock: new(mclock.Simulated)})
	err := enforcer.Block(context.Background(), "not-an-ip")
	require.ErrorIs(t, err, ErrInvalidIP)
	require.False(t, enforcer.Alerting())
}

func TestBlockCanonicalisesAddresses(t *testing.T) {
	backend := newFakeBackend()
	enforcer := NewEnforcer(backend, Config{Clock: new(mclock.Simulated)})
	require.NoError(t, enforcer.Block(context.Background(), "::ffff:9.9.9.9"))
	require.True(t, enforcer.IsBlocked("9.9.9.9"))
	require.NoError(t, enforcer.Block(context.Background(), "9.9.9.9"))
	require.Equal(t, 1, backend.ruleCount("9.9.9.9"))
}

func TestShutdownWithoutJournalRemovesRules(t *testing.T) {
	clock := new(mclock.Simulated)
	backend := newFakeBackend()
	enforcer := NewEnforcer(backend, Config{Clock: clock})
	ctx := context.Background()
	require.NoError(t, enforcer.Block(ctx, "9.9.9.9"))
	require.NoError(t, enforcer.Block(ctx, "8.8.4.4"))

	require.NoError(t, enforcer.Shutdown(ctx))
	require.Empty(t, enforcer.Active())
	require.Zero(t, backend.ruleCount("9.9.9.9"))
	require.ErrorIs(t, enforcer.Block(ctx, "1.1.1.1"), ErrClosed)
}

func TestJournalRestoreAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	backend := newFakeBackend()

	journal, err := OpenJournal(dir)
	require.NoError(t, err)
	clock := new(mclock.Simulated)
	first := NewEnforcer(backend, Config{BlockDuration: time.Hour, Clock: clock, Journal: journal})
	require.NoError(t, first.Block(ctx, "9.9.9.9"))
	original := first.Active()[0]
	require.NoError(t, first.Shutdown(ctx))
	require.Equal(t, 1, backend.ruleCount("9.9.9.9"), "rules persist across shutdown when journaled")
	require.NoError(t, journal.Close())

	// Plant an already expired entry as if the daemon had been down too long.
	journal, err = OpenJournal(dir)
	require.NoError(t, err)
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, journal.Put(BlockEntry{IP: "7.7.7.7", BlockedAt: expired.Add(-time.Hour), UnblockAt: expired}))
	backend.rules["7.7.7.7"] = 1

	clock = new(mclock.Simulated)
	second := NewEnforcer(backend, Config{BlockDuration: time.Hour, Clock: clock, Journal: journal})
	restored, err := second.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, restored)
	require.True(t, second.IsBlocked("9.9.9.9"))
	require.False(t, second.IsBlocked("7.7.7.7"))
	require.True(t, original.BlockedAt.Equal(second.Active()[0].BlockedAt), "restored entry keeps its original block time")
	require.Zero(t, backend.ruleCount("7.7.7.7"), "expired leftover rule must be removed")

	entries, err := journal.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "9.9.9.9", entries[0].IP)

	clock.Run(time.Hour)
	require.False(t, second.IsBlocked("9.9.9.9"))
	entries, err = journal.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NoError(t, journal.Close())
}

func TestOpenJournalCreatesDirectory(t *testing.T) {
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	require.NoError(t, journal.Close())
}

func TestPurgeRemovesUntrackedRule(t *testing.T) {
	backend := newFakeBackend()
	backend.rules["9.9.9.9"] = 1
	enforcer := NewEnforcer(backend, Config{Clock: new(mclock.Simulated)})

	require.NoError(t, enforcer.Purge(context.Background(), "::ffff:9.9.9.9"))
	require.Zero(t, backend.ruleCount("9.9.9.9"))
	require.ErrorIs(t, enforcer.Purge(context.Background(), "not-an-ip"), ErrInvalidIP)

	backend.setFailures(nil, errors.New("pfctl missing"))
	require.Error(t, enforcer.Purge(context.Background(), "9.9.9.9"))
}

func TestConcurrentBlocksInstallOneRule(t *testing.T) {
	backend := newFakeBackend()
	enforcer := NewEnforcer(backend, Config{Clock: new(mclock.Simulated)})

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- enforcer.Block(context.Background(), "9.9.9.9")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, backend.ruleCount("9.9.9.9"))
	require.Len(t, enforcer.Active(), 1)
}

type failingPutDB struct {
	*storage.MemDB
}

func (failingPutDB) Put([]byte, []byte) error { return errors.New("disk full") }

func TestShutdownRemovesRulesTheJournalMissed(t *testing.T) {
	backend := newFakeBackend()
	journal := NewJournal(failingPutDB{storage.NewMemDB()})
	enforcer := NewEnforcer(backend, Config{Clock: new(mclock.Simulated), Journal: journal})
	ctx := context.Background()

	require.NoError(t, enforcer.Block(ctx, "9.9.9.9"))
	require.True(t, enforcer.IsBlocked("9.9.9.9"))

	require.NoError(t, enforcer.Shutdown(ctx))
	require.Zero(t, backend.ruleCount("9.9.9.9"), "a rule Restore cannot see must not outlive the process")
	entries, err := journal.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)
}
