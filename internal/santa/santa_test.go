package santa

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ZUA228132/wishlist-app/internal/fanout"
	"github.com/ZUA228132/wishlist-app/internal/store"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

type recordingNotifier struct {
	mu    sync.Mutex
	texts map[int64]string
}

func (n *recordingNotifier) SendText(ctx context.Context, to int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.texts == nil {
		n.texts = map[int64]string{}
	}
	n.texts[to] = text
	return nil
}

func (n *recordingNotifier) SendPhoto(ctx context.Context, to int64, photo []byte, caption string) error {
	return n.SendText(ctx, to, caption)
}

func newTestManager(t *testing.T) (*Manager, store.Store, *recordingNotifier) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	n := &recordingNotifier{}
	d := fanout.New(fanout.Config{RatePerSec: 10000}, n, logx.Nop())
	return NewManager(st, d, logx.Nop()), st, n
}

func TestCreateRejectsDuplicate(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Create(ctx, "g1", "Office", 1, "50", "2026-12-24"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(ctx, "g1", "Other", 2, "", ""); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate Create error = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateRejectsEmptyID(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	err := m.Create(context.Background(), "", "Office", 1, "", "")
	if err == nil {
		t.Fatal("expected error for empty group id")
	}
	// A bad argument, not a lookup miss.
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want a plain validation error", err)
	}
}

func TestJoinSemantics(t *testing.T) {
	t.Parallel()
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Join(ctx, "missing", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Join missing group error = %v, want ErrNotFound", err)
	}

	if err := m.Create(ctx, "g1", "Office", 1, "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Replayed joins: participant set is the deduplicated union, admin always present.
	for _, id := range []int64{2, 3, 2, 3, 2} {
		if err := m.Join(ctx, "g1", id); err != nil {
			t.Fatalf("Join(%d): %v", id, err)
		}
	}
	snap, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := snap.Groups["g1"].Participants
	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("participants = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("participants = %v, want %v", got, want)
		}
	}
}

func TestCommitAssignmentScenario(t *testing.T) {
	t.Parallel()
	m, st, n := newTestManager(t)
	ctx := context.Background()

	const (
		a = int64(1)
		b = int64(2)
		c = int64(3)
	)
	err := st.Update(ctx, func(s *store.Snapshot) error {
		s.Users[a] = store.User{Name: "Anna"}
		s.Users[b] = store.User{Name: "Boris"}
		// c has no record: placeholder expected.
		return nil
	})
	if err != nil {
		t.Fatalf("seed users: %v", err)
	}

	if err := m.Create(ctx, "g1", "Office", a, "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Join(ctx, "g1", b); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := m.Join(ctx, "g1", c); err != nil {
		t.Fatalf("Join: %v", err)
	}

	rep, err := m.CommitAssignment(ctx, "g1", map[int64]int64{a: b, b: c, c: a})
	if err != nil {
		t.Fatalf("CommitAssignment: %v", err)
	}
	if rep.Delivered != 3 || rep.Total() != 3 {
		t.Fatalf("report = %+v, want 3 delivered", rep)
	}

	if !strings.Contains(n.texts[a], "Boris") {
		t.Fatalf("giver %d text = %q, want receiver Boris", a, n.texts[a])
	}
	if !strings.Contains(n.texts[b], "a participant") {
		t.Fatalf("giver %d text = %q, want placeholder", b, n.texts[b])
	}
	if !strings.Contains(n.texts[c], "Anna") {
		t.Fatalf("giver %d text = %q, want receiver Anna", c, n.texts[c])
	}

	snap, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g := snap.Groups["g1"]
	if !g.Shuffled {
		t.Fatal("group not marked shuffled")
	}
	if g.Assignments[a] != b || g.Assignments[b] != c || g.Assignments[c] != a {
		t.Fatalf("assignments = %v", g.Assignments)
	}

	// No late joins, no re-shuffle.
	if err := m.Join(ctx, "g1", 99); !errors.Is(err, ErrAlreadyShuffled) {
		t.Fatalf("late Join error = %v, want ErrAlreadyShuffled", err)
	}
	snap, _ = st.Load(ctx)
	if len(snap.Groups["g1"].Participants) != 3 {
		t.Fatal("late join mutated the participant set")
	}
	if _, err := m.CommitAssignment(ctx, "g1", map[int64]int64{a: b, b: c, c: a}); !errors.Is(err, ErrAlreadyShuffled) {
		t.Fatalf("re-shuffle error = %v, want ErrAlreadyShuffled", err)
	}
}

func TestCommitAssignmentValidation(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Create(ctx, "g1", "Office", 1, "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, id := range []int64{2, 3} {
		if err := m.Join(ctx, "g1", id); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}

	tests := []struct {
		name        string
		assignments map[int64]int64
	}{
		{name: "self gift", assignments: map[int64]int64{1: 1, 2: 3, 3: 2}},
		{name: "missing giver", assignments: map[int64]int64{1: 2, 2: 1}},
		{name: "outsider giver", assignments: map[int64]int64{1: 2, 2: 3, 9: 1}},
		{name: "outsider receiver", assignments: map[int64]int64{1: 2, 2: 3, 3: 9}},
		{name: "duplicate receiver", assignments: map[int64]int64{1: 2, 2: 3, 3: 2}},
		{name: "empty", assignments: map[int64]int64{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.CommitAssignment(ctx, "g1", tt.assignments); !errors.Is(err, ErrInvalidAssignment) {
				t.Fatalf("error = %v, want ErrInvalidAssignment", err)
			}
		})
	}

	if _, err := m.CommitAssignment(ctx, "missing", map[int64]int64{1: 2}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing group error = %v, want ErrNotFound", err)
	}
}
