package referral

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRegisterIssuesResolvableCodes(t *testing.T) {
	b := NewBook(d("0.1"), d("0.1"))

	code := b.Register("alice")
	if code == "" {
		t.Fatal("empty code")
	}
	inviter, ok := b.Inviter(code)
	if !ok || inviter != "alice" {
		t.Fatalf("Inviter(%q) = %q, %v", code, inviter, ok)
	}

	other := b.Register("alice")
	if other == code {
		t.Fatal("codes must be unique per registration")
	}
}

func TestBindFirstWins(t *testing.T) {
	b := NewBook(d("0.1"), d("0.1"))
	b.Bind("FRIEND", "alice")
	b.Bind("FRIEND", "bob")

	inviter, ok := b.Inviter("FRIEND")
	if !ok || inviter != "alice" {
		t.Fatalf("Inviter = %q, want alice", inviter)
	}
}

func TestSplitFee(t *testing.T) {
	b := NewBook(d("0.1"), d("0.2"))
	b.Bind("FRIEND", "alice")

	s := b.SplitFee(d("10"), "FRIEND")
	if !s.ToInviter.Equal(d("1")) {
		t.Fatalf("to inviter = %s, want 1", s.ToInviter)
	}
	if !s.ToDiscount.Equal(d("2")) {
		t.Fatalf("to discount = %s, want 2", s.ToDiscount)
	}
	if !s.Remaining.Equal(d("7")) {
		t.Fatalf("remaining = %s, want 7", s.Remaining)
	}
}

func TestSplitFeeWithoutCode(t *testing.T) {
	b := NewBook(d("0.1"), d("0.2"))

	for _, code := range []string{"", "UNKNOWN"} {
		s := b.SplitFee(d("10"), code)
		if !s.Remaining.Equal(d("10")) || !s.ToInviter.IsZero() || !s.ToDiscount.IsZero() {
			t.Fatalf("code %q: whole fee must remain with the venue, got %+v", code, s)
		}
	}
}
