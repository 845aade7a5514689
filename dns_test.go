package dkim

import (
	"context"
	"errors"
	"testing"
)

func makeLookupTXT(results map[string][]string) lookupTXTFunc {
	return func(ctx context.Context, domain string) ([]string, error) {
		return results[domain], nil
	}
}

func TestLookupError(t *testing.T) {
	testErr := errors.New("lookup error")
	errLookupF := func(ctx context.Context, name string) ([]string, error) {
		return nil, testErr
	}
	ctx := WithLookupTXTFunc(context.Background(), errLookupF)

	pk, err := findPublicKey(ctx, "selector._domainkey.example.com")
	if pk != nil || !errors.Is(err, ErrNoKey) || !errors.Is(err, testErr) {
		t.Errorf("findPublicKey expected nil / ErrNoKey, got %v / %v",
			pk, err)
	}
}

func TestSkipBadRecords(t *testing.T) {
	// The first usable key wins, errors from earlier records are
	// forgotten.
	ctx := WithLookupTXTFunc(context.Background(), makeLookupTXT(
		map[string][]string{
			"selector._domainkey.example.com": {
				"not a tag",
				"v=DKIM1; p=" + exampleRSAKeyB64,
			},
		}))

	pk, err := findPublicKey(ctx, "selector._domainkey.example.com")
	if err != nil {
		t.Errorf("findPublicKey expected nil, got %v", err)
	}
	if pk == nil {
		t.Errorf("findPublicKey expected a key, got nil")
	}
}

func TestAllRecordsBad(t *testing.T) {
	// When no record is usable, the last error surfaces.
	ctx := WithLookupTXTFunc(context.Background(), makeLookupTXT(
		map[string][]string{
			"selector._domainkey.example.com": {
				"not a tag",
				"v=DKIM1; p=",
			},
		}))

	pk, err := findPublicKey(ctx, "selector._domainkey.example.com")
	if pk != nil || !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("findPublicKey expected nil / ErrKeyRevoked, got %v / %v",
			pk, err)
	}
}

func TestNoRecords(t *testing.T) {
	ctx := WithLookupTXTFunc(context.Background(), makeLookupTXT(
		map[string][]string{}))

	pk, err := findPublicKey(ctx, "selector._domainkey.example.com")
	if pk != nil || !errors.Is(err, ErrNoKey) {
		t.Errorf("findPublicKey expected nil / ErrNoKey, got %v / %v",
			pk, err)
	}
}

func TestLookupCancelled(t *testing.T) {
	// Once the context is cancelled, the lookup must not proceed.
	called := false
	lookupF := func(ctx context.Context, name string) ([]string, error) {
		called = true
		return []string{"p=" + exampleRSAKeyB64}, nil
	}
	ctx := WithLookupTXTFunc(context.Background(), lookupF)
	ctx, cancel := context.WithCancel(ctx)
	cancel()

	pk, err := findPublicKey(ctx, "selector._domainkey.example.com")
	if pk != nil || !errors.Is(err, context.Canceled) {
		t.Errorf("findPublicKey expected nil / context.Canceled, got %v / %v",
			pk, err)
	}
	if called {
		t.Errorf("lookup function was called after cancellation")
	}
}
