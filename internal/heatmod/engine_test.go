package heatmod

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

	"go.uber.org/zap"
)

type stubAdapter struct{}

func (stubAdapter) BotTopRolePosition(context.Context, string) (int, error) { return 100, nil }
func (stubAdapter) Roles(context.Context, string) ([]platform.Role, error)  { return nil, nil }
func (stubAdapter) SetRolePermissions(context.Context, string, string, int64) error {
	return nil
}
func (stubAdapter) CreateRole(context.Context, string, platform.RoleSnapshot) (string, error) {
	return "", nil
}
func (stubAdapter) DeleteRole(context.Context, string, string) error { return nil }
func (stubAdapter) Channels(context.Context, string) ([]platform.Channel, error) {
	return nil, nil
}
func (stubAdapter) SetChannelOverwrite(context.Context, string, platform.Overwrite) error {
	return nil
}
func (stubAdapter) DeleteChannelOverwrite(context.Context, string, string) error { return nil }
func (stubAdapter) CreateChannel(context.Context, string, platform.ChannelSnapshot) (string, error) {
	return "", nil
}
func (stubAdapter) DeleteChannel(context.Context, string) error                { return nil }
func (stubAdapter) Webhooks(context.Context, string) ([]platform.Webhook, error) {
	return nil, nil
}
func (stubAdapter) DeleteWebhook(context.Context, string) error                 { return nil }
func (stubAdapter) AddMemberRole(context.Context, string, string, string) error { return nil }
func (stubAdapter) RemoveMemberRole(context.Context, string, string, string) error {
	return nil
}
func (stubAdapter) TimeoutMember(context.Context, string, string, time.Time) error { return nil }
func (stubAdapter) KickMember(context.Context, string, string, string) error       { return nil }
func (stubAdapter) BanMember(context.Context, string, string, string, int) error   { return nil }
func (stubAdapter) UnbanMember(context.Context, string, string) error              { return nil }
func (stubAdapter) Bans(context.Context, string) ([]platform.Ban, error)           { return nil, nil }
func (stubAdapter) DeleteMessage(context.Context, string, string) error            { return nil }
func (stubAdapter) SendDM(context.Context, string, string) error                   { return nil }
func (stubAdapter) Notify(context.Context, platform.Report)                        {}

// recordingAdapter tracks the calls the ladder makes.
type recordingAdapter struct {
	stubAdapter
	mu          sync.Mutex
	failTimeout bool
	timeouts    []time.Time
	deleted     []string
}

func (r *recordingAdapter) TimeoutMember(ctx context.Context, guildID, userID string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTimeout {
		return platform.ErrPermission
	}
	r.timeouts = append(r.timeouts, until)
	return nil
}

func (r *recordingAdapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, messageID)
	return nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fixedClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixedClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixedClock) AfterFunc(d time.Duration, fn func()) guildstate.Timer {
	return noopTimer{}
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func testHeatConfig() config.HeatConfig {
	cfg := config.DefaultConfig().Heat
	cfg.ShortLinkHops = 0
	return cfg
}

func newTestHeatEngine(cfg config.HeatConfig, adapter platform.Adapter) (*Engine, *fixedClock) {
	e := New(cfg, adapter, nil, audit.NewLogger(nil, zap.NewNop()), zap.NewNop(), nil)
	e.resolver.Client = nil // never hit the network in tests
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	e.WithClock(clock)
	return e, clock
}

func msgAt(clock *fixedClock, guildID, userID, content string) Message {
	return Message{
		GuildID:   guildID,
		ChannelID: "c1",
		MessageID: fmt.Sprintf("m-%d", clock.Now().UnixNano()),
		UserID:    userID,
		Content:   content,
		At:        clock.Now(),
	}
}

func TestForeignInviteIsInstantTimeout(t *testing.T) {
	adapter := &recordingAdapter{}
	cfg := testHeatConfig()
	cfg.OwnInviteCodes = []string{"ourserver"}
	e, clock := newTestHeatEngine(cfg, adapter)

	d := e.HandleMessage(context.Background(), msgAt(clock, "g1", "u1", "join now discord.gg/freestuff"))
	if !d.Instant || d.Heat != 100 {
		t.Fatalf("expected instant heat 100, got %+v", d)
	}
	if d.Action != "timeout" {
		t.Fatalf("expected timeout, got %s", d.Action)
	}
	if len(adapter.timeouts) != 1 {
		t.Fatalf("expected one timeout call")
	}
}

func TestOwnInviteNotFlagged(t *testing.T) {
	cfg := testHeatConfig()
	cfg.OwnInviteCodes = []string{"ourserver"}
	e, clock := newTestHeatEngine(cfg, &recordingAdapter{})

	d := e.HandleMessage(context.Background(), msgAt(clock, "g1", "u1", "welcome! discord.gg/ourserver"))
	if d.Instant {
		t.Fatalf("own invite flagged: %+v", d.Violations)
	}
}

func TestTimeoutFallsBackToDelete(t *testing.T) {
	adapter := &recordingAdapter{failTimeout: true}
	e, clock := newTestHeatEngine(testHeatConfig(), adapter)

	d := e.HandleMessage(context.Background(), msgAt(clock, "g1", "u1", "FREE NITRO claim your prize https://grab.example"))
	if d.Action != "delete" {
		t.Fatalf("expected delete fallback, got %s", d.Action)
	}
	if len(adapter.deleted) != 1 {
		t.Fatalf("expected message deleted")
	}
}

func TestRepetitionAccumulatesAndDecays(t *testing.T) {
	cfg := testHeatConfig()
	e, clock := newTestHeatEngine(cfg, &recordingAdapter{})
	ctx := context.Background()

	var heat float64
	for i := 0; i < 4; i++ {
		d := e.HandleMessage(ctx, msgAt(clock, "g1", "u1", "buy cheap followers right here"))
		heat = d.Heat
		clock.Advance(time.Second)
	}
	if heat <= 0 {
		t.Fatalf("expected repetition heat, got %.1f", heat)
	}

	clock.Advance(2 * time.Minute)
	d := e.HandleMessage(ctx, msgAt(clock, "g1", "u1", "completely different words now"))
	if d.Heat >= heat {
		t.Fatalf("expected decay: %.1f -> %.1f", heat, d.Heat)
	}
}

func TestClusterCapLimitsSingleVector(t *testing.T) {
	cfg := testHeatConfig()
	cfg.ClusterCap = 30
	_, instant, kept := normalizeViolations(cfg, "x", []Violation{
		{Key: "repeat", Heat: 45},
		{Key: "burst", Heat: 20},
	})
	if instant {
		t.Fatalf("unexpected instant")
	}
	var sum float64
	for _, v := range kept {
		sum += v.Heat
	}
	if sum != 30 {
		t.Fatalf("expected cluster capped at 30, got %.1f", sum)
	}
}

func TestConversationDamper(t *testing.T) {
	cfg := testHeatConfig()
	long := "Well, I think the proposal makes sense overall, but we should still measure the latency impact before rolling it out to everyone."
	total, _, _ := normalizeViolations(cfg, long, []Violation{{Key: "repeat", Heat: 40}})
	if total != 20 {
		t.Fatalf("expected damped 20, got %.1f", total)
	}
	totalShort, _, _ := normalizeViolations(cfg, "spam spam", []Violation{{Key: "repeat", Heat: 40}})
	if totalShort != 40 {
		t.Fatalf("expected undamped 40, got %.1f", totalShort)
	}
}

func TestMassMentionInstant(t *testing.T) {
	e, clock := newTestHeatEngine(testHeatConfig(), &recordingAdapter{})
	msg := msgAt(clock, "g1", "u1", "hello")
	msg.MentionsEveryone = true
	d := e.HandleMessage(context.Background(), msg)
	if !d.Instant {
		t.Fatalf("expected @everyone to be instant")
	}
}

func TestWebhookFilter(t *testing.T) {
	adapter := &recordingAdapter{}
	cfg := testHeatConfig()
	cfg.TrustedWebhookIDs = []string{"wh-good"}
	e, clock := newTestHeatEngine(cfg, adapter)
	ctx := context.Background()

	trusted := msgAt(clock, "g1", "", "release notes")
	trusted.IsWebhook = true
	trusted.WebhookID = "wh-good"
	if d := e.HandleMessage(ctx, trusted); d.Action != "none" {
		t.Fatalf("trusted webhook filtered: %s", d.Action)
	}

	rogue := msgAt(clock, "g1", "", "click here")
	rogue.IsWebhook = true
	rogue.WebhookID = "wh-rogue"
	if d := e.HandleMessage(ctx, rogue); d.Action != "webhook_delete" {
		t.Fatalf("rogue webhook not filtered: %s", d.Action)
	}
	if len(adapter.deleted) != 1 {
		t.Fatalf("expected rogue webhook message deleted")
	}
}

func TestRaidSignalOnDistinctInstantOffenders(t *testing.T) {
	cfg := testHeatConfig()
	cfg.RaidAccounts = 3
	e, clock := newTestHeatEngine(cfg, &recordingAdapter{})
	ctx := context.Background()

	signals := 0
	for i := 0; i < 3; i++ {
		msg := msgAt(clock, "g1", fmt.Sprintf("raider-%d", i), "free nitro at discord.gg/grab")
		if d := e.HandleMessage(ctx, msg); d.RaidSignal {
			signals++
		}
		clock.Advance(time.Second)
	}
	if signals != 1 {
		t.Fatalf("expected exactly one raid signal, got %d", signals)
	}
	if !e.RaidActive("g1") {
		t.Fatalf("expected raid window open")
	}

	// Same accounts re-offending do not re-signal.
	msg := msgAt(clock, "g1", "raider-0", "free nitro at discord.gg/grab")
	if d := e.HandleMessage(ctx, msg); d.RaidSignal {
		t.Fatalf("unexpected second signal")
	}
}

func TestRaiderGetsInstantEnforcementDuringWindow(t *testing.T) {
	cfg := testHeatConfig()
	cfg.RaidAccounts = 1
	adapter := &recordingAdapter{}
	e, clock := newTestHeatEngine(cfg, adapter)
	ctx := context.Background()

	e.HandleMessage(ctx, msgAt(clock, "g1", "raider", "free nitro at discord.gg/grab"))
	clock.Advance(time.Second)

	// A mild violation from the raider inside the window is escalated.
	loud := msgAt(clock, "g1", "raider", "AAAAAAAAAAAAAAAAAAAAAA")
	d := e.HandleMessage(ctx, loud)
	if !d.Instant {
		t.Fatalf("expected raider escalation, got %+v", d)
	}

	// A bystander with the same mild violation is not.
	bystander := msgAt(clock, "g1", "regular", "AAAAAAAAAAAAAAAAAAAAAA")
	if d := e.HandleMessage(ctx, bystander); d.Instant {
		t.Fatalf("bystander escalated during raid window")
	}
}

func TestIdleUserEvicted(t *testing.T) {
	e, clock := newTestHeatEngine(testHeatConfig(), &recordingAdapter{})
	ctx := context.Background()

	e.HandleMessage(ctx, msgAt(clock, "g1", "u1", "hello there"))
	clock.Advance(3 * time.Hour)
	e.HandleMessage(ctx, msgAt(clock, "g1", "u2", "unrelated"))

	e.mu.Lock()
	_, exists := e.users[userKey{"g1", "u1"}]
	e.mu.Unlock()
	if exists {
		t.Fatalf("expected idle user evicted")
	}
}
