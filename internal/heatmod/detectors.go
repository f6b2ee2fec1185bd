package heatmod

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"warden-core/internal/config"
	"warden-core/internal/utils"
)

// Violation is one detector finding. Key identifies the vector, Heat is the
// raw score before cluster normalization, Info carries the evidence string
// for the audit trail.
type Violation struct {
	Key  string
	Heat float64
	Info string
}

// Instant categories force maximum heat and bypass accumulation.
var instantKeys = map[string]struct{}{
	"invite":       {},
	"scam":         {},
	"nsfw_domain":  {},
	"blacklist":    {},
	"mass_mention": {},
}

func isInstant(key string) bool {
	_, ok := instantKeys[key]
	return ok
}

// Cluster grouping keeps one vector from maxing the score on its own.
const (
	clusterRepetition = "repetition"
	clusterCharacter  = "character"
	clusterAttachment = "attachment"
	clusterMention    = "mention"
)

var clusterByKey = map[string]string{
	"burst":        clusterRepetition,
	"repeat":       clusterRepetition,
	"caps":         clusterCharacter,
	"emoji":        clusterCharacter,
	"newlines":     clusterCharacter,
	"zalgo":        clusterCharacter,
	"attachments":  clusterAttachment,
	"links":        clusterAttachment,
	"mention_hour": clusterMention,
}

var scamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)free\s+(?:discord\s+)?nitro`),
	regexp.MustCompile(`(?i)steam\s+(?:gift|wallet)\s*(?:card|code)?`),
	regexp.MustCompile(`(?i)(?:crypto|bitcoin|eth)\s+giveaway`),
	regexp.MustCompile(`(?i)claim\s+your\s+(?:prize|reward|gift)`),
	regexp.MustCompile(`(?i)airdrop\s+(?:live|now|event)`),
	regexp.MustCompile(`(?i)who(?:'s| is)\s+first.{0,20}https?://`),
}

func normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// detect runs the ordered battery against one message. st is already
// updated with the message timestamps; detectors only read it.
func (e *Engine) detect(ctx context.Context, cfg config.HeatConfig, msg Message, st *userState, now time.Time) []Violation {
	var out []Violation

	// Suspicious account: young accounts start every message with a bias.
	if !msg.AccountCreatedAt.IsZero() && cfg.YoungAccountHours > 0 {
		age := now.Sub(msg.AccountCreatedAt)
		if age < time.Duration(cfg.YoungAccountHours)*time.Hour {
			out = append(out, Violation{Key: "young_account", Heat: 5,
				Info: fmt.Sprintf("age=%s", age.Truncate(time.Minute))})
		}
	}

	// Message-rate burst.
	if cfg.BurstMessages > 0 {
		window := time.Duration(cfg.BurstWindowSecs) * time.Second
		if n := utils.CountSince(st.msgTimes, now.Add(-window)); n >= cfg.BurstMessages {
			out = append(out, Violation{Key: "burst", Heat: 20,
				Info: fmt.Sprintf("%d msgs in %ds", n, cfg.BurstWindowSecs)})
		}
	}

	// Near-duplicate repetition against recent history.
	norm := normalizeContent(msg.Content)
	if len(norm) >= 12 {
		dupes := 0
		for _, prev := range st.normHistory {
			if utils.SimilarityRatio(norm, prev.norm) >= cfg.SimilarityMin {
				dupes++
			}
		}
		if dupes > 0 {
			out = append(out, Violation{Key: "repeat", Heat: float64(15 * dupes),
				Info: fmt.Sprintf("%d near-duplicates", dupes)})
		}
	}

	out = append(out, e.detectMentions(cfg, msg, st, now)...)
	out = append(out, e.detectLinks(ctx, cfg, msg)...)

	// Slurs and blacklisted words, leetspeak folded.
	if len(cfg.BlacklistWords) > 0 {
		folded := utils.NormalizeLeet(msg.Content)
		for _, word := range cfg.BlacklistWords {
			if word != "" && strings.Contains(folded, strings.ToLower(word)) {
				out = append(out, Violation{Key: "blacklist", Heat: 100, Info: "blacklisted term"})
				break
			}
		}
	}

	out = append(out, detectCharacterSpam(cfg, msg)...)
	out = append(out, detectVolume(cfg, msg)...)

	return out
}

func (e *Engine) detectMentions(cfg config.HeatConfig, msg Message, st *userState, now time.Time) []Violation {
	var out []Violation
	mentions := msg.MentionUsers + msg.MentionRoles

	if msg.MentionsEveryone {
		out = append(out, Violation{Key: "mass_mention", Heat: 100, Info: "@everyone/@here"})
		return out
	}
	if mentions == 0 {
		return out
	}

	burstWindow := time.Duration(cfg.MentionBurstSecs) * time.Second
	if n := utils.CountSince(st.mentionTimes, now.Add(-burstWindow)); cfg.MentionBurstCap > 0 && n > cfg.MentionBurstCap {
		out = append(out, Violation{Key: "mass_mention", Heat: 100,
			Info: fmt.Sprintf("%d mentions in %ds", n, cfg.MentionBurstSecs)})
		return out
	}
	if n := utils.CountSince(st.mentionHourTimes, now.Add(-time.Hour)); cfg.MentionHourCap > 0 && n > cfg.MentionHourCap {
		out = append(out, Violation{Key: "mention_hour", Heat: 25,
			Info: fmt.Sprintf("%d mentions this hour", n)})
	}
	return out
}

func (e *Engine) detectLinks(ctx context.Context, cfg config.HeatConfig, msg Message) []Violation {
	var out []Violation

	// Invite links, excluding the guild's own codes and vanity.
	own := make(map[string]struct{}, len(cfg.OwnInviteCodes)+1)
	for _, code := range cfg.OwnInviteCodes {
		own[strings.ToLower(code)] = struct{}{}
	}
	if cfg.VanityCode != "" {
		own[strings.ToLower(cfg.VanityCode)] = struct{}{}
	}
	for _, code := range utils.ExtractInviteCodes(msg.Content) {
		if _, ok := own[strings.ToLower(code)]; !ok {
			out = append(out, Violation{Key: "invite", Heat: 100, Info: "foreign invite " + code})
			break
		}
	}

	for _, pattern := range scamPatterns {
		if pattern.MatchString(msg.Content) {
			out = append(out, Violation{Key: "scam", Heat: 100, Info: "scam pattern"})
			break
		}
	}

	blocked := make(map[string]struct{}, len(cfg.NSFWDomains))
	for _, d := range cfg.NSFWDomains {
		blocked[strings.ToLower(d)] = struct{}{}
	}
	if len(blocked) > 0 {
		for _, raw := range utils.ExtractURLs(msg.Content) {
			_, host, err := utils.NormalizeURL(raw)
			if err != nil {
				continue
			}
			// Shortened links hide the destination; expand before matching.
			host = e.resolver.ExpandURL(ctx, raw, host)
			if _, bad := utils.DomainMatch(host, nil, blocked); bad {
				out = append(out, Violation{Key: "nsfw_domain", Heat: 100, Info: "domain " + host})
				break
			}
		}
	}
	return out
}

func detectCharacterSpam(cfg config.HeatConfig, msg Message) []Violation {
	var out []Violation
	content := msg.Content

	if cfg.MaxNewlines > 0 {
		if n := strings.Count(content, "\n"); n > cfg.MaxNewlines {
			out = append(out, Violation{Key: "newlines", Heat: 15, Info: fmt.Sprintf("%d newlines", n)})
		}
	}
	if cfg.MaxEmoji > 0 {
		if n := utils.CountEmoji(content); n > cfg.MaxEmoji {
			out = append(out, Violation{Key: "emoji", Heat: 15, Info: fmt.Sprintf("%d emoji", n)})
		}
	}
	if cfg.ZalgoRatioMax > 0 {
		if r := utils.CombiningRatio(content); r > cfg.ZalgoRatioMax {
			out = append(out, Violation{Key: "zalgo", Heat: 25, Info: fmt.Sprintf("combining ratio %.2f", r)})
		}
	}
	if cfg.CapsRatioMax > 0 && len(content) >= 12 {
		if r := utils.UpperRatio(content); r > cfg.CapsRatioMax {
			out = append(out, Violation{Key: "caps", Heat: 10, Info: fmt.Sprintf("caps ratio %.2f", r)})
		}
	}
	return out
}

func detectVolume(cfg config.HeatConfig, msg Message) []Violation {
	var out []Violation
	media := msg.Attachments + msg.Embeds + msg.Stickers
	if cfg.MaxAttachments > 0 && media > cfg.MaxAttachments {
		out = append(out, Violation{Key: "attachments", Heat: 20, Info: fmt.Sprintf("%d media items", media)})
	}
	if cfg.MaxLinks > 0 {
		if n := len(utils.ExtractURLs(msg.Content)); n > cfg.MaxLinks {
			out = append(out, Violation{Key: "links", Heat: 20, Info: fmt.Sprintf("%d links", n)})
		}
	}
	return out
}

// normalizeViolations applies the damper and the caps, and reports whether
// an instant category is present.
func normalizeViolations(cfg config.HeatConfig, content string, violations []Violation) (total float64, instant bool, kept []Violation) {
	damp := utils.LooksLikeConversation(content)

	clusterSums := make(map[string]float64)
	for _, v := range violations {
		if isInstant(v.Key) {
			instant = true
			kept = append(kept, v)
			continue
		}
		heat := v.Heat
		cluster := clusterByKey[v.Key]
		if damp && (cluster == clusterRepetition || cluster == clusterCharacter) {
			heat /= 2
		}
		if cluster != "" && cfg.ClusterCap > 0 {
			room := cfg.ClusterCap - clusterSums[cluster]
			if room <= 0 {
				continue
			}
			if heat > room {
				heat = room
			}
			clusterSums[cluster] += heat
		}
		v.Heat = heat
		kept = append(kept, v)
		total += heat
	}
	if total > 100 {
		total = 100
	}
	return total, instant, kept
}
