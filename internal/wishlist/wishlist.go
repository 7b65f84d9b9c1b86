package wishlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZUA228132/wishlist-app/internal/store"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

var (
	ErrOwnerNotFound      = errors.New("owner not found")
	ErrWishNotFound       = errors.New("wish not found")
	ErrInvalidReservation = errors.New("invalid reservation")
	ErrPrivateList        = errors.New("wish list is private")
)

// Manager owns user records and their wish items.
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

// SaveWishes upserts the user record with a full replacement of their wish
// sequence. The record is created on first contact (join timestamp set once)
// and updated in place thereafter. Reservation state survives a re-save:
// wishes keeping their id keep their reserver.
func (m *Manager) SaveWishes(ctx context.Context, userID int64, name, username string, wishes []store.Wish, privacy string) error {
	if privacy != store.PrivacyPrivate {
		privacy = store.PrivacyPublic
	}
	return m.store.Update(ctx, func(s *store.Snapshot) error {
		u, existed := s.Users[userID]
		if !existed {
			u.JoinedAt = time.Now().UTC()
		}

		// Carry reservations over by wish id: the web app never sees them.
		reserved := map[string]store.Wish{}
		for _, w := range u.Wishes {
			if w.Reserved {
				reserved[w.ID] = w
			}
		}
		next := make([]store.Wish, 0, len(wishes))
		for _, w := range wishes {
			if prev, ok := reserved[w.ID]; ok {
				w.Reserved = true
				w.ReservedBy = prev.ReservedBy
			}
			next = append(next, w)
		}

		u.Name = name
		u.Username = username
		u.Wishes = next
		u.Privacy = privacy
		s.Users[userID] = u
		return nil
	})
}

// Touch ensures a user record exists (first contact), without altering an
// existing record.
func (m *Manager) Touch(ctx context.Context, userID int64, name, username string) error {
	return m.store.Update(ctx, func(s *store.Snapshot) error {
		if _, ok := s.Users[userID]; ok {
			return nil
		}
		s.Users[userID] = store.User{
			Name:     name,
			Username: username,
			Wishes:   []store.Wish{},
			Privacy:  store.PrivacyPublic,
			JoinedAt: time.Now().UTC(),
		}
		return nil
	})
}

// Reserve marks the wish as claimed by reserverID.
//
// Idempotent for the same reserver; a conflicting claim by a different user
// is rejected rather than silently overwriting the earlier one. Reserving
// your own wish is rejected too.
func (m *Manager) Reserve(ctx context.Context, ownerID int64, wishID string, reserverID int64) error {
	if ownerID == reserverID {
		return fmt.Errorf("%w: cannot reserve your own wish", ErrInvalidReservation)
	}
	return m.store.Update(ctx, func(s *store.Snapshot) error {
		u, ok := s.Users[ownerID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrOwnerNotFound, ownerID)
		}
		for i, w := range u.Wishes {
			if w.ID != wishID {
				continue
			}
			if w.Reserved {
				if w.ReservedBy == reserverID {
					return nil
				}
				return fmt.Errorf("%w: already reserved by another user", ErrInvalidReservation)
			}
			u.Wishes[i].Reserved = true
			u.Wishes[i].ReservedBy = reserverID
			s.Users[ownerID] = u
			return nil
		}
		return fmt.Errorf("%w: %s", ErrWishNotFound, wishID)
	})
}

// Profile returns ownerID's record, honoring privacy mode: private lists are
// only visible to their owner.
func (m *Manager) Profile(ctx context.Context, requesterID, ownerID int64) (store.User, error) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		return store.User{}, err
	}
	u, ok := snap.Users[ownerID]
	if !ok {
		return store.User{}, fmt.Errorf("%w: %d", ErrOwnerNotFound, ownerID)
	}
	if u.Privacy == store.PrivacyPrivate && requesterID != ownerID {
		return store.User{}, ErrPrivateList
	}
	return u, nil
}
