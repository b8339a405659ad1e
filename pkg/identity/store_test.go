package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Store, *Device) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.db")
	s, dev, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, dev
}

func TestDeviceIdentityIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	s1, dev1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_ = s1.Close()

	s2, dev2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	if dev1.ClientID != dev2.ClientID {
		t.Errorf("ClientID changed across opens: %s vs %s", dev1.ClientID, dev2.ClientID)
	}
	if dev1.Serial != dev2.Serial {
		t.Errorf("Serial changed across opens: %s vs %s", dev1.Serial, dev2.Serial)
	}
	if dev1.ClientID == "" || dev1.Serial == "" || dev1.MAC == "" {
		t.Errorf("incomplete identity: %+v", dev1)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Token(ctx); !errors.Is(err, ErrNoToken) {
		t.Fatalf("empty cache: err = %v, want ErrNoToken", err)
	}

	if err := s.SetToken(ctx, "sess-token-abc", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	tok, err := s.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "sess-token-abc" {
		t.Errorf("token = %q, want sess-token-abc", tok)
	}
}

func TestExpiredTokenIsMissing(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.SetToken(ctx, "old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if _, err := s.Token(ctx); !errors.Is(err, ErrNoToken) {
		t.Errorf("expired token: err = %v, want ErrNoToken", err)
	}
}

func TestClearToken(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.SetToken(ctx, "tok", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearToken(ctx); err != nil {
		t.Fatalf("ClearToken: %v", err)
	}
	if _, err := s.Token(ctx); !errors.Is(err, ErrNoToken) {
		t.Errorf("after clear: err = %v, want ErrNoToken", err)
	}
}

func TestSealerRejectsForeignBlob(t *testing.T) {
	a := newSealer("SN-AAAAAAAAAAAA")
	b := newSealer("SN-BBBBBBBBBBBB")

	sealed, err := a.seal("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.open(sealed); err == nil {
		t.Error("blob sealed for one device must not open on another")
	}

	got, err := a.open(sealed)
	if err != nil {
		t.Fatalf("open own blob: %v", err)
	}
	if got != "secret" {
		t.Errorf("unsealed = %q, want secret", got)
	}
}
