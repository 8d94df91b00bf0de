package authn

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/apathy-ca/sark/internal/audit"
	"github.com/apathy-ca/sark/internal/identity"
	"github.com/apathy-ca/sark/internal/session"
	"github.com/apathy-ca/sark/internal/telemetry"
)

type noopSink struct{}

func (noopSink) Enqueue(ctx context.Context, ev audit.Event) error { return nil }

func newTestCore(t *testing.T, directory *identity.DirectoryProvider) *Core {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	issuer, err := session.NewTokenIssuer("01234567890123456789012345678901", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	emitter := audit.NewEmitter(noopSink{}, telemetry.NewLogger("text", "error"))

	return New(directory, nil, nil, nil, session.New(rdb), issuer, nil, emitter, Config{
		RefreshTTL:         time.Hour,
		MaxSessionsPerUser: 5,
	})
}

func TestAuthenticateDirectorySuccessIssuesSession(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	client := identity.DirectoryClient{
		Search: func(ctx context.Context, username string) (string, string, []string, bool, error) {
			if username != "alice" {
				return "", "", nil, false, nil
			}
			return "uid=alice", string(hash), []string{"eng"}, true, nil
		},
	}
	core := newTestCore(t, identity.NewDirectoryProvider(client, time.Second))

	res, err := core.Authenticate(context.Background(), Credential{
		Directory: &DirectoryCredential{Username: "alice", Password: "correct-horse"},
	}, "127.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatal("expected both tokens to be issued")
	}
	if res.Principal.PrincipalID != "uid=alice" {
		t.Fatalf("unexpected principal id: %s", res.Principal.PrincipalID)
	}

	if _, err := core.Authenticate(context.Background(), Credential{
		Directory: &DirectoryCredential{Username: "alice", Password: "wrong"},
	}, "127.0.0.1", "test-agent"); err == nil {
		t.Fatal("expected authentication failure for wrong password")
	}
}

func TestCredentialVariantRejectsZeroOrMultiple(t *testing.T) {
	c := Credential{}
	if _, err := c.variant(); err == nil {
		t.Fatal("expected error for empty credential")
	}

	c = Credential{
		Directory: &DirectoryCredential{Username: "a", Password: "b"},
		APIKey:    &APIKeyCredential{Plaintext: "x"},
	}
	if _, err := c.variant(); err == nil {
		t.Fatal("expected error for multiple credentials set")
	}
}

func TestIntrospectRejectsRevokedSession(t *testing.T) {
	core := newTestCore(t, nil)
	ctx := context.Background()

	sess, _, err := core.sessions.Create(ctx, "principal-1", "127.0.0.1", "test-agent", time.Hour, 5)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	access, _, err := core.tokens.Issue(session.AccessClaims{PrincipalID: "principal-1", SessionID: sess.SessionID})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := core.Introspect(ctx, access); err != nil {
		t.Fatalf("expected valid introspection before revoke, got %v", err)
	}

	if err := core.Revoke(ctx, sess.SessionID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, err := core.Introspect(ctx, access); err == nil {
		t.Fatal("expected introspection to fail after revoke")
	}
}

func TestRefreshDetectsReuse(t *testing.T) {
	core := newTestCore(t, nil)
	ctx := context.Background()

	_, refreshPlain, err := core.sessions.Create(ctx, "principal-2", "127.0.0.1", "test-agent", time.Hour, 5)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := core.Refresh(ctx, refreshPlain)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if first.RefreshToken == refreshPlain {
		t.Fatal("expected a rotated refresh token")
	}

	if _, err := core.Refresh(ctx, refreshPlain); err == nil {
		t.Fatal("expected replay of rotated refresh token to fail")
	}

	if _, err := core.Refresh(ctx, first.RefreshToken); err == nil {
		t.Fatal("expected session to be revoked after reuse was detected")
	}
}
