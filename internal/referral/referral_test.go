package referral

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ZUA228132/wishlist-app/internal/store"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(st, logx.Nop()), st
}

func TestTrackFirstTouchWins(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)
	ctx := context.Background()

	created, err := m.Track(ctx, 20, 10)
	if err != nil || !created {
		t.Fatalf("Track = (%v, %v), want created", created, err)
	}
	// Second touch by a different referrer does not overwrite.
	created, err = m.Track(ctx, 20, 30)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if created {
		t.Fatal("second attribution overwrote the first")
	}

	snap, _ := st.Load(ctx)
	if snap.Referrals[20].ReferrerID != 10 {
		t.Fatalf("referrer = %d, want 10", snap.Referrals[20].ReferrerID)
	}
}

func TestTrackRejectsSelfReferral(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	if _, err := m.Track(context.Background(), 10, 10); !errors.Is(err, ErrSelfReferral) {
		t.Fatalf("error = %v, want ErrSelfReferral", err)
	}
}

func TestGrantRewardOnce(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Track(ctx, 20, 10); err != nil {
		t.Fatalf("Track: %v", err)
	}

	granted, referrer, err := m.GrantReward(ctx, 20)
	if err != nil || !granted || referrer != 10 {
		t.Fatalf("GrantReward = (%v, %d, %v), want (true, 10, nil)", granted, referrer, err)
	}
	granted, _, err = m.GrantReward(ctx, 20)
	if err != nil {
		t.Fatalf("GrantReward: %v", err)
	}
	if granted {
		t.Fatal("reward granted twice")
	}

	// No record: nothing to grant.
	granted, _, err = m.GrantReward(ctx, 99)
	if err != nil || granted {
		t.Fatalf("GrantReward without record = (%v, %v)", granted, err)
	}
}
