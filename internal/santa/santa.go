package santa

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZUA228132/wishlist-app/internal/fanout"
	"github.com/ZUA228132/wishlist-app/internal/store"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

var (
	ErrNotFound          = errors.New("group not found")
	ErrAlreadyExists     = errors.New("group already exists")
	ErrAlreadyShuffled   = errors.New("group already shuffled")
	ErrInvalidAssignment = errors.New("invalid assignment")
)

// receiverPlaceholder is used when a receiver has no user record yet.
const receiverPlaceholder = "a participant"

// Manager drives the group lifecycle: nonexistent -> pending -> shuffled.
// A group transitions to shuffled exactly once; late joins and re-shuffles
// are rejected.
type Manager struct {
	store      store.Store
	dispatcher *fanout.Dispatcher
	log        logx.Logger
}

func NewManager(st store.Store, d *fanout.Dispatcher, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: st, dispatcher: d, log: log}
}

// Create registers a new pending group whose participant set is {adminID}.
func (m *Manager) Create(ctx context.Context, groupID, name string, adminID int64, budget, date string) error {
	if groupID == "" {
		return errors.New("empty group id")
	}
	return m.store.Update(ctx, func(s *store.Snapshot) error {
		if _, ok := s.Groups[groupID]; ok {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, groupID)
		}
		s.Groups[groupID] = store.Group{
			Name:         name,
			AdminID:      adminID,
			Participants: []int64{adminID},
			Budget:       budget,
			Date:         date,
		}
		return nil
	})
}

// Join adds userID to the participant set. Re-joining is a no-op; joining a
// shuffled group fails.
func (m *Manager) Join(ctx context.Context, groupID string, userID int64) error {
	return m.store.Update(ctx, func(s *store.Snapshot) error {
		g, ok := s.Groups[groupID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, groupID)
		}
		if g.Shuffled {
			return fmt.Errorf("%w: %s", ErrAlreadyShuffled, groupID)
		}
		if g.HasParticipant(userID) {
			return nil
		}
		g.Participants = append(g.Participants, userID)
		s.Groups[groupID] = g
		return nil
	})
}

// CommitAssignment validates the externally computed giver->receiver mapping,
// stores it, flips the group to shuffled, and notifies every giver with the
// display name of their receiver. The delivery report is returned to the
// caller as-is; a partial delivery is a valid terminal state.
func (m *Manager) CommitAssignment(ctx context.Context, groupID string, assignments map[int64]int64) (fanout.Report, error) {
	var (
		groupName string
		receivers map[int64]string // giver -> receiver display name
	)

	err := m.store.Update(ctx, func(s *store.Snapshot) error {
		g, ok := s.Groups[groupID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, groupID)
		}
		if g.Shuffled {
			return fmt.Errorf("%w: %s", ErrAlreadyShuffled, groupID)
		}
		if err := validateAssignments(g.Participants, assignments); err != nil {
			return err
		}

		g.Shuffled = true
		g.Assignments = make(map[int64]int64, len(assignments))
		for giver, receiver := range assignments {
			g.Assignments[giver] = receiver
		}
		s.Groups[groupID] = g

		groupName = g.Name
		receivers = make(map[int64]string, len(assignments))
		for giver, receiver := range assignments {
			name := receiverPlaceholder
			if u, ok := s.Users[receiver]; ok && u.Name != "" {
				name = u.Name
			}
			receivers[giver] = name
		}
		return nil
	})
	if err != nil {
		return fanout.Report{}, err
	}

	givers := make([]int64, 0, len(receivers))
	for giver := range receivers {
		givers = append(givers, giver)
	}

	rep := m.dispatcher.Deliver(ctx, givers, func(giver int64) fanout.Message {
		return fanout.Message{Text: fmt.Sprintf(
			"🎅 The draw for group %q is done!\n\nYou are gifting: %s\n\nOpen the app to see their wishes!",
			groupName, receivers[giver],
		)}
	}, nil)

	m.log.Info("assignment committed",
		logx.String("group", groupID),
		logx.Int("participants", len(givers)),
		logx.Int("delivered", rep.Delivered),
		logx.Int("unreachable", rep.Unreachable),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}

// validateAssignments checks the mapping is a bijection whose domain and
// codomain both equal the participant set, with no fixed points.
func validateAssignments(participants []int64, assignments map[int64]int64) error {
	if len(assignments) != len(participants) {
		return fmt.Errorf("%w: %d assignments for %d participants", ErrInvalidAssignment, len(assignments), len(participants))
	}

	set := make(map[int64]bool, len(participants))
	for _, p := range participants {
		set[p] = true
	}

	seen := make(map[int64]bool, len(assignments))
	for giver, receiver := range assignments {
		if !set[giver] {
			return fmt.Errorf("%w: giver %d is not a participant", ErrInvalidAssignment, giver)
		}
		if !set[receiver] {
			return fmt.Errorf("%w: receiver %d is not a participant", ErrInvalidAssignment, receiver)
		}
		if giver == receiver {
			return fmt.Errorf("%w: %d assigned to themselves", ErrInvalidAssignment, giver)
		}
		if seen[receiver] {
			return fmt.Errorf("%w: receiver %d assigned twice", ErrInvalidAssignment, receiver)
		}
		seen[receiver] = true
	}
	return nil
}
