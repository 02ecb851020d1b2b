package httpapi

import (
	"context"
	"testing"
	"time"
)

func TestSetBaseContext_NilResetsToBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	SetBaseContext(ctx)
	cancel()
	// nolint:staticcheck // SA1012: nil is the documented reset
	SetBaseContext(nil)
	if serverBaseCtx.Err() != nil {
		t.Fatalf("expected background context after reset")
	}
}

func TestJoinContexts_CancelsWhenEitherDone(t *testing.T) {
	for _, first := range []string{"base", "request"} {
		base, bc := context.WithCancel(context.Background())
		req, rc := context.WithCancel(context.Background())
		j, cancelJ := joinContexts(base, req)
		if first == "base" {
			bc()
		} else {
			rc()
		}
		select {
		case <-j.Done():
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("joined context did not cancel when %s was canceled", first)
		}
		cancelJ()
		bc()
		rc()
	}
}

func TestJoinContexts_CancelFuncReleases(t *testing.T) {
	base, bc := context.WithCancel(context.Background())
	defer bc()
	j, cancelJ := joinContexts(base, context.Background())
	cancelJ()
	if j.Err() == nil {
		t.Fatalf("expected joined context canceled by its cancel func")
	}
	if base.Err() != nil {
		t.Fatalf("base must not be canceled by the joined cancel")
	}
}
