package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestDirectoryProviderVerify(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	client := DirectoryClient{
		Search: func(ctx context.Context, username string) (string, string, []string, bool, error) {
			if username != "alice" {
				return "", "", nil, false, nil
			}
			return "uid=alice,ou=people", string(hash), []string{"eng", "oncall"}, true, nil
		},
	}
	p := NewDirectoryProvider(client, time.Second)

	attrs, err := p.Verify(context.Background(), "alice", "correct-horse")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attrs.PrincipalID != "uid=alice,ou=people" {
		t.Fatalf("unexpected principal id: %s", attrs.PrincipalID)
	}
	if len(attrs.Teams) != 2 {
		t.Fatalf("expected groups extracted as teams, got %v", attrs.Teams)
	}

	_, err = p.Verify(context.Background(), "alice", "wrong")
	var provErr *ProviderError
	if !errors.As(err, &provErr) || provErr.Kind != CredentialInvalid {
		t.Fatalf("expected CredentialInvalid, got %v", err)
	}

	_, err = p.Verify(context.Background(), "bob", "anything")
	if !errors.As(err, &provErr) || provErr.Kind != CredentialInvalid {
		t.Fatalf("unknown user must surface identically as CredentialInvalid, got %v", err)
	}
}
