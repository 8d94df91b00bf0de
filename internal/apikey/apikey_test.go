package apikey

import "testing"

func TestHasScopes(t *testing.T) {
	p := Principal{Scopes: []string{"server:read", "policy:read"}}

	if !HasScopes(p, []string{"server:read"}) {
		t.Fatal("expected scope present")
	}
	if HasScopes(p, []string{"server:write"}) {
		t.Fatal("expected missing scope to fail")
	}
	if !HasScopes(p, nil) {
		t.Fatal("no required scopes should always pass")
	}
}
