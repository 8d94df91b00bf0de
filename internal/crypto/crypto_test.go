package crypto

import "testing"

func TestRandomTokenUnique(t *testing.T) {
	a, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	b, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct tokens, got identical: %s", a)
	}
}

func TestHashHexDeterministic(t *testing.T) {
	if HashHex("secret") != HashHex("secret") {
		t.Fatal("HashHex should be deterministic")
	}
	if HashHex("secret") == HashHex("secret2") {
		t.Fatal("distinct inputs should hash differently")
	}
}

func TestSecureCompare(t *testing.T) {
	h := HashHex("body")
	if !SecureCompare(h, HashHex("body")) {
		t.Fatal("expected equal hashes to compare equal")
	}
	if SecureCompare(h, HashHex("other")) {
		t.Fatal("expected unequal hashes to compare unequal")
	}
	if SecureCompare(h, "short") {
		t.Fatal("expected length mismatch to compare unequal")
	}
}
