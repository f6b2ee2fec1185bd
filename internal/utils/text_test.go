package utils

import "testing"

func TestSkeleton(t *testing.T) {
	if got := Skeleton("Üser_4812"); got != "user" {
		t.Fatalf("expected user, got %q", got)
	}
	if got := Skeleton("1337"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestNormalizeLeet(t *testing.T) {
	if got := NormalizeLeet("N1tr0 Fr33"); got != "nitro free" {
		t.Fatalf("got %q", got)
	}
}

func TestUpperRatio(t *testing.T) {
	if got := UpperRatio("AAAA"); got != 1 {
		t.Fatalf("expected 1, got %f", got)
	}
	if got := UpperRatio("1234"); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
}

func TestCombiningRatio(t *testing.T) {
	if got := CombiningRatio("plain text"); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
	zalgo := "à́̂̃"
	if got := CombiningRatio(zalgo); got < 0.5 {
		t.Fatalf("expected high ratio, got %f", got)
	}
}

func TestLooksLikeConversation(t *testing.T) {
	long := "This is a perfectly ordinary message, with punctuation and enough words to look like somebody actually typed it."
	if !LooksLikeConversation(long) {
		t.Fatalf("expected conversation")
	}
	if LooksLikeConversation("aaaaaaaaaaaaaaaa") {
		t.Fatalf("unexpected conversation")
	}
}
