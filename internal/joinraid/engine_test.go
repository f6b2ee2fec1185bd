package joinraid

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"warden-core/internal/config"
	"warden-core/internal/guildstate"
	"warden-core/internal/modules/audit"
	"warden-core/internal/platform"
	"warden-core/internal/storage"

	"go.uber.org/zap"
)

type fakeTimer struct {
	stopped bool
	fn      func()
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) AfterFunc(d time.Duration, fn func()) guildstate.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeClock) Fire() {
	f.mu.Lock()
	pending := f.timers
	f.timers = nil
	f.mu.Unlock()
	for _, t := range pending {
		if !t.stopped {
			t.fn()
		}
	}
}

type joinAdapter struct {
	mu sync.Mutex

	failBan bool

	bans     map[string]string // userID -> reason
	kicks    []string
	timeouts []string
	unbans   []string
	dms      []string
	reports  []platform.Report
}

func newJoinAdapter() *joinAdapter {
	return &joinAdapter{bans: make(map[string]string)}
}

func (a *joinAdapter) BotTopRolePosition(context.Context, string) (int, error) { return 100, nil }
func (a *joinAdapter) Roles(context.Context, string) ([]platform.Role, error) { return nil, nil }
func (a *joinAdapter) SetRolePermissions(context.Context, string, string, int64) error {
	return nil
}
func (a *joinAdapter) CreateRole(context.Context, string, platform.RoleSnapshot) (string, error) {
	return "", nil
}
func (a *joinAdapter) DeleteRole(context.Context, string, string) error { return nil }
func (a *joinAdapter) Channels(context.Context, string) ([]platform.Channel, error) {
	return nil, nil
}
func (a *joinAdapter) SetChannelOverwrite(context.Context, string, platform.Overwrite) error {
	return nil
}
func (a *joinAdapter) DeleteChannelOverwrite(context.Context, string, string) error { return nil }
func (a *joinAdapter) CreateChannel(context.Context, string, platform.ChannelSnapshot) (string, error) {
	return "", nil
}
func (a *joinAdapter) DeleteChannel(context.Context, string) error { return nil }
func (a *joinAdapter) Webhooks(context.Context, string) ([]platform.Webhook, error) {
	return nil, nil
}
func (a *joinAdapter) DeleteWebhook(context.Context, string) error                  { return nil }
func (a *joinAdapter) AddMemberRole(context.Context, string, string, string) error  { return nil }
func (a *joinAdapter) RemoveMemberRole(context.Context, string, string, string) error {
	return nil
}

func (a *joinAdapter) TimeoutMember(ctx context.Context, guildID, userID string, until time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeouts = append(a.timeouts, userID)
	return nil
}

func (a *joinAdapter) KickMember(ctx context.Context, guildID, userID, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kicks = append(a.kicks, userID)
	return nil
}

func (a *joinAdapter) BanMember(ctx context.Context, guildID, userID, reason string, purgeDays int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failBan {
		return platform.ErrPermission
	}
	a.bans[userID] = reason
	return nil
}

func (a *joinAdapter) UnbanMember(ctx context.Context, guildID, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.bans[userID]; !ok {
		return platform.ErrNotFound
	}
	delete(a.bans, userID)
	a.unbans = append(a.unbans, userID)
	return nil
}

func (a *joinAdapter) Bans(ctx context.Context, guildID string) ([]platform.Ban, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]platform.Ban, 0, len(a.bans))
	for userID, reason := range a.bans {
		out = append(out, platform.Ban{UserID: userID, Reason: reason})
	}
	return out, nil
}

func (a *joinAdapter) DeleteMessage(context.Context, string, string) error { return nil }

func (a *joinAdapter) SendDM(ctx context.Context, userID, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dms = append(a.dms, userID)
	return nil
}

func (a *joinAdapter) Notify(ctx context.Context, report platform.Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, report)
}

func (a *joinAdapter) banned(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.bans[userID]
	return ok
}

func (a *joinAdapter) reportCount(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.reports {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

type recordingActivator struct {
	mu    sync.Mutex
	calls int
	ids   []string
}

func (r *recordingActivator) ActivateRaidWindow(guildID string, duration time.Duration, raiderIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.ids = append(r.ids, raiderIDs...)
}

func testRaidConfig() config.RaidConfig {
	cfg := config.DefaultConfig().Raid
	cfg.TriggerCount = 10
	cfg.AccountFilter = "no-pfp"
	cfg.Punishment = "ban"
	return cfg
}

func newTestRaidEngine(t *testing.T, cfg config.RaidConfig, adapter platform.Adapter, store *storage.Store) (*Engine, *fakeClock) {
	t.Helper()
	e := New(cfg, adapter, store, audit.NewLogger(nil, zap.NewNop()), zap.NewNop(), nil)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	e.WithClock(clock)
	return e, clock
}

func joinAt(clock *fakeClock, guildID string, i int, hasAvatar bool) platform.Member {
	return platform.Member{
		GuildID:     guildID,
		UserID:      fmt.Sprintf("user-%d", i),
		DisplayName: fmt.Sprintf("Member %d", i),
		CreatedAt:   clock.Now().Add(-365 * 24 * time.Hour),
		HasAvatar:   hasAvatar,
		JoinedAt:    clock.Now(),
	}
}

func TestRaidOpensOnceAndPunishesJoiners(t *testing.T) {
	adapter := newJoinAdapter()
	activator := &recordingActivator{}
	e, clock := newTestRaidEngine(t, testRaidConfig(), adapter, nil)
	e.SetActivator(activator)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		e.HandleJoin(ctx, joinAt(clock, "g1", i, false))
		clock.Advance(time.Second)
	}
	if got := adapter.reportCount("raid_open"); got != 1 {
		t.Fatalf("expected raid to open exactly once, got %d", got)
	}
	if !e.Snapshot("g1").RaidActive {
		t.Fatalf("expected open window")
	}
	if activator.calls != 1 {
		t.Fatalf("expected one cross-system activation, got %d", activator.calls)
	}

	// The 11th matching join is punished.
	e.HandleJoin(ctx, joinAt(clock, "g1", 11, false))
	if !adapter.banned("user-11") {
		t.Fatalf("expected 11th joiner banned")
	}
	adapter.mu.Lock()
	dms := len(adapter.dms)
	adapter.mu.Unlock()
	if dms == 0 {
		t.Fatalf("expected DM notice before ban")
	}
}

func TestNonMatchingJoinNeverCounts(t *testing.T) {
	adapter := newJoinAdapter()
	e, clock := newTestRaidEngine(t, testRaidConfig(), adapter, nil)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		e.HandleJoin(ctx, joinAt(clock, "g1", i, false))
		clock.Advance(time.Second)
	}
	// Avatar present, old account: fails the no-pfp filter.
	e.HandleJoin(ctx, joinAt(clock, "g1", 100, true))

	if adapter.reportCount("raid_open") != 0 {
		t.Fatalf("non-matching join must not complete the trigger")
	}
}

func TestBanFallsBackToTimeout(t *testing.T) {
	adapter := newJoinAdapter()
	adapter.failBan = true
	e, clock := newTestRaidEngine(t, testRaidConfig(), adapter, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		e.HandleJoin(ctx, joinAt(clock, "g1", i, false))
		clock.Advance(time.Second)
	}
	adapter.mu.Lock()
	timeouts := len(adapter.timeouts)
	adapter.mu.Unlock()
	if timeouts == 0 {
		t.Fatalf("expected timeout fallback when ban is refused")
	}
}

func TestTempBanLiftedAtExpiry(t *testing.T) {
	adapter := newJoinAdapter()
	e, clock := newTestRaidEngine(t, testRaidConfig(), adapter, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		e.HandleJoin(ctx, joinAt(clock, "g1", i, false))
		clock.Advance(time.Second)
	}
	if !adapter.banned("user-9") {
		t.Fatalf("expected raid ban")
	}

	clock.Advance(time.Duration(testRaidConfig().RaidDurationSecs+1) * time.Second)
	clock.Fire()

	if adapter.banned("user-9") {
		t.Fatalf("expected temp ban lifted at expiry")
	}
	if e.Snapshot("g1").TempBanCount != 0 {
		t.Fatalf("expected ban entries drained")
	}
	if e.Snapshot("g1").RaidActive {
		t.Fatalf("expected window closed")
	}
	if adapter.reportCount("raid_close") != 1 {
		t.Fatalf("expected close report")
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestTempBanDurabilityRearm(t *testing.T) {
	store := newTestStore(t)
	adapter := newJoinAdapter()
	ctx := context.Background()

	e1, clock1 := newTestRaidEngine(t, testRaidConfig(), adapter, store)
	for i := 0; i < 10; i++ {
		e1.HandleJoin(ctx, joinAt(clock1, "g1", i, false))
		clock1.Advance(time.Second)
	}
	e1.FlushAll(ctx)

	// Restart before unbanAt: the timer must be re-armed, not fired.
	e2, clock2 := newTestRaidEngine(t, testRaidConfig(), adapter, store)
	clock2.now = clock1.Now()
	if err := e2.ResumeAll(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !adapter.banned("user-9") {
		t.Fatalf("unexpired ban reversed on resume")
	}

	clock2.Advance(time.Duration(testRaidConfig().RaidDurationSecs+1) * time.Second)
	clock2.Fire()
	if adapter.banned("user-9") {
		t.Fatalf("re-armed timer did not lift the ban")
	}
}

func TestExpiredTempBanReconciledOnRestart(t *testing.T) {
	store := newTestStore(t)
	adapter := newJoinAdapter()
	ctx := context.Background()

	e1, clock1 := newTestRaidEngine(t, testRaidConfig(), adapter, store)
	for i := 0; i < 10; i++ {
		e1.HandleJoin(ctx, joinAt(clock1, "g1", i, false))
		clock1.Advance(time.Second)
	}
	e1.FlushAll(ctx)

	e2, clock2 := newTestRaidEngine(t, testRaidConfig(), adapter, store)
	clock2.now = clock1.Now().Add(time.Duration(testRaidConfig().RaidDurationSecs+60) * time.Second)
	if err := e2.ResumeAll(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if adapter.banned("user-9") {
		t.Fatalf("expired marker ban not reconciled")
	}
	if e2.Snapshot("g1").TempBanCount != 0 {
		t.Fatalf("expected all entries resolved, got %d", e2.Snapshot("g1").TempBanCount)
	}
}

func TestReconcileSkipsModeratorBan(t *testing.T) {
	store := newTestStore(t)
	adapter := newJoinAdapter()
	ctx := context.Background()

	e1, clock1 := newTestRaidEngine(t, testRaidConfig(), adapter, store)
	for i := 0; i < 10; i++ {
		e1.HandleJoin(ctx, joinAt(clock1, "g1", i, false))
		clock1.Advance(time.Second)
	}
	e1.FlushAll(ctx)

	// While the process was down, a moderator replaced the raid ban with
	// their own. The reason no longer carries the marker, so the
	// reconciliation must leave it alone and drop the stale entry.
	adapter.mu.Lock()
	adapter.bans["user-9"] = "spamming after appeal"
	adapter.mu.Unlock()

	e2, clock2 := newTestRaidEngine(t, testRaidConfig(), adapter, store)
	clock2.now = clock1.Now().Add(time.Duration(testRaidConfig().RaidDurationSecs+60) * time.Second)
	if err := e2.ResumeAll(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if !adapter.banned("user-9") {
		t.Fatalf("moderator ban must not be touched")
	}
	if e2.Snapshot("g1").TempBanCount != 0 {
		t.Fatalf("expected stale entry dropped, got %d", e2.Snapshot("g1").TempBanCount)
	}
}

func TestIDCorrelationFlagsTemplatedNames(t *testing.T) {
	cfg := testRaidConfig()
	cfg.AccountFilter = "id-only"
	cfg.TriggerCount = 3
	adapter := newJoinAdapter()
	e, clock := newTestRaidEngine(t, cfg, adapter, nil)
	ctx := context.Background()

	names := []string{"Raider Alpha", "Raider Bravo", "Raider Charlie", "Raider Delta"}
	for i, name := range names {
		member := platform.Member{
			GuildID:     "g1",
			UserID:      fmt.Sprintf("tpl-%d", i),
			DisplayName: name,
			CreatedAt:   clock.Now().Add(-400 * 24 * time.Hour),
			HasAvatar:   true,
			JoinedAt:    clock.Now(),
		}
		e.HandleJoin(ctx, member)
		clock.Advance(time.Second)
	}

	// First joins have too few peers to correlate; by the fourth, three
	// peers share the skeleton prefix and the adaptive bar is met.
	snap := e.Snapshot("g1")
	if snap.FlaggedCount == 0 {
		t.Fatalf("expected correlated joins flagged")
	}
}
