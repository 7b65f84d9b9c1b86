package referral

import (
	"context"
	"errors"
	"time"

	"github.com/ZUA228132/wishlist-app/internal/store"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

var ErrSelfReferral = errors.New("self referral")

// Manager records invite attribution. First touch wins: a referred user gets
// at most one referral record, ever.
type Manager struct {
	store store.Store
	log   logx.Logger
}

func NewManager(st store.Store, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: st, log: log}
}

// Track records that referrerID brought referredID in. It reports created =
// false when an attribution already exists (the earlier record stands).
func (m *Manager) Track(ctx context.Context, referredID, referrerID int64) (created bool, err error) {
	if referredID == referrerID {
		return false, ErrSelfReferral
	}
	err = m.store.Update(ctx, func(s *store.Snapshot) error {
		if _, ok := s.Referrals[referredID]; ok {
			return nil
		}
		s.Referrals[referredID] = store.Referral{
			ReferrerID: referrerID,
			At:         time.Now().UTC(),
		}
		created = true
		return nil
	})
	return created, err
}

// GrantReward flips the reward flag for referredID's referral, once. It
// reports the referrer to notify; granted = false when there is no record or
// the reward was already granted.
func (m *Manager) GrantReward(ctx context.Context, referredID int64) (granted bool, referrerID int64, err error) {
	err = m.store.Update(ctx, func(s *store.Snapshot) error {
		r, ok := s.Referrals[referredID]
		if !ok || r.RewardGranted {
			return nil
		}
		r.RewardGranted = true
		s.Referrals[referredID] = r
		granted = true
		referrerID = r.ReferrerID
		return nil
	})
	return granted, referrerID, err
}
