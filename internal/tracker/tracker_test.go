package tracker

import (
	"fmt"
	"testing"
	"time"

	"warden-core/internal/config"
	"warden-core/internal/platform"
)

func testConfig() config.TrackerConfig {
	return config.TrackerConfig{
		Categories: map[string]config.CategoryLimits{
			"role_create":    {MinuteLimit: 5, HourLimit: 15, HeatPerAction: 8},
			"channel_delete": {MinuteLimit: 3, HourLimit: 10, HeatPerAction: 14},
		},
		PunishCooldownSecs:   15,
		BurstWindowSecs:      20,
		BurstHeatThreshold:   60,
		DedupeTargetMillis:   3500,
		DedupeNoTargetMillis: 900,
		IdleSweepMinutes:     60,
	}
}

func TestMinuteLimitTriggersOncePerCooldown(t *testing.T) {
	tr := New(testConfig())
	now := time.Unix(1000, 0)

	triggers := 0
	for i := 0; i < 8; i++ {
		at := now.Add(time.Duration(i) * time.Second)
		res := tr.RecordHit(platform.ActionRoleCreate, "g1", "u1", fmt.Sprintf("target-%d", i), at)
		if res.Triggered {
			triggers++
		}
	}
	// 5th hit crosses the minute limit; hits 6-8 are inside the 15s punish
	// cooldown and stay quiet.
	if triggers != 1 {
		t.Fatalf("expected 1 trigger, got %d", triggers)
	}

	// After the cooldown the still-saturated window triggers again.
	res := tr.RecordHit(platform.ActionRoleCreate, "g1", "u1", "target-9", now.Add(20*time.Second))
	if !res.Triggered {
		t.Fatalf("expected re-trigger after cooldown")
	}
}

func TestHeatNeverExceedsMax(t *testing.T) {
	tr := New(testConfig())
	now := time.Unix(1000, 0)

	var last Result
	for i := 0; i < 40; i++ {
		last = tr.RecordHit(platform.ActionChannelDelete, "g1", "u1",
			fmt.Sprintf("c-%d", i), now.Add(time.Duration(i)*20*time.Second))
	}
	if last.Heat > 100 || last.Heat < 0 {
		t.Fatalf("heat out of range: %f", last.Heat)
	}
}

func TestDedupeCollapsesDuplicateEvents(t *testing.T) {
	tr := New(testConfig())
	now := time.Unix(1000, 0)

	first := tr.RecordHit(platform.ActionRoleCreate, "g1", "u1", "r1", now)
	if first.Deduped || first.HourCount != 1 {
		t.Fatalf("first hit mishandled: %+v", first)
	}
	dup := tr.RecordHit(platform.ActionRoleCreate, "g1", "u1", "r1", now.Add(time.Second))
	if !dup.Deduped {
		t.Fatalf("expected dedupe inside ttl")
	}
	later := tr.RecordHit(platform.ActionRoleCreate, "g1", "u1", "r1", now.Add(4*time.Second))
	if later.Deduped {
		t.Fatalf("expected hit after ttl expiry")
	}
	if later.HourCount != 2 {
		t.Fatalf("expected 2 counted hits, got %d", later.HourCount)
	}
}

func TestDedupeShorterWithoutTarget(t *testing.T) {
	tr := New(testConfig())
	now := time.Unix(1000, 0)

	tr.RecordHit(platform.ActionRoleCreate, "g1", "u1", "", now)
	if res := tr.RecordHit(platform.ActionRoleCreate, "g1", "u1", "", now.Add(500*time.Millisecond)); !res.Deduped {
		t.Fatalf("expected dedupe at 0.5s")
	}
	if res := tr.RecordHit(platform.ActionRoleCreate, "g1", "u1", "", now.Add(time.Second)); res.Deduped {
		t.Fatalf("expected no dedupe at 1s without target")
	}
}

func TestBurstGuardAcrossCategories(t *testing.T) {
	tr := New(testConfig())
	now := time.Unix(1000, 0)

	// Alternate categories, each under its own minute limit, until the
	// cross-category heat sum crosses the 60-point burst threshold.
	burst := false
	for i := 0; i < 6 && !burst; i++ {
		category := platform.ActionRoleCreate
		target := fmt.Sprintf("r-%d", i)
		if i%2 == 1 {
			category = platform.ActionChannelDelete
			target = fmt.Sprintf("c-%d", i)
		}
		res := tr.RecordHit(category, "g1", "u1", target, now.Add(time.Duration(i)*2*time.Second))
		if res.Triggered {
			t.Fatalf("per-category trigger should not fire, hit %d", i)
		}
		burst = res.BurstTriggered
	}
	if !burst {
		t.Fatalf("expected burst guard to force a trigger")
	}
}

func TestUnknownCategoryIgnored(t *testing.T) {
	tr := New(testConfig())
	res := tr.RecordHit(platform.ActionInviteCreate, "g1", "u1", "", time.Unix(1000, 0))
	if res.Triggered || res.HourCount != 0 {
		t.Fatalf("unknown category should be inert: %+v", res)
	}
}

func TestGuildSnapshot(t *testing.T) {
	tr := New(testConfig())
	now := time.Unix(1000, 0)
	tr.RecordHit(platform.ActionRoleCreate, "g1", "u1", "r1", now)
	tr.RecordHit(platform.ActionRoleCreate, "g1", "u2", "r2", now)
	tr.RecordHit(platform.ActionRoleCreate, "g2", "u3", "r3", now)

	snap := tr.GuildSnapshot("g1", now.Add(time.Second))
	stats := snap[platform.ActionRoleCreate]
	if stats.Executors != 2 || stats.HourHits != 2 {
		t.Fatalf("unexpected snapshot: %+v", stats)
	}
	if stats.MaxHeat != 8 {
		t.Fatalf("expected max heat 8, got %f", stats.MaxHeat)
	}
}
