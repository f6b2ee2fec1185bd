package utils

import "testing"

func TestSimilarityRatio(t *testing.T) {
	if got := SimilarityRatio("hello", "hello"); got != 1 {
		t.Fatalf("expected 1, got %f", got)
	}
	if got := SimilarityRatio("abcd", "wxyz"); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
	got := SimilarityRatio("free nitro here", "free nitro there")
	if got < 0.8 {
		t.Fatalf("expected near-duplicate, got %f", got)
	}
}
