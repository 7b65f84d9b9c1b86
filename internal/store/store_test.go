package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

func sampleSnapshot() *Snapshot {
	snap := NewSnapshot()
	snap.Users[100] = User{
		Name:    "Alice",
		Privacy: PrivacyPublic,
		Wishes: []Wish{
			{ID: "w1", Name: "Book", Reserved: true, ReservedBy: 200},
			{ID: "w2", Name: "Mug"},
		},
		JoinedAt: time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC),
	}
	snap.Groups["g1"] = Group{
		Name:         "Office",
		AdminID:      100,
		Participants: []int64{100, 200},
		Shuffled:     true,
		Assignments:  map[int64]int64{100: 200, 200: 100},
	}
	snap.Referrals[200] = Referral{ReferrerID: 100, At: time.Date(2025, 12, 2, 9, 0, 0, 0, time.UTC)}
	return snap
}

func TestFileStoreBootstrapEmpty(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	snap, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Users) != 0 || len(snap.Groups) != 0 || len(snap.Referrals) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	want := sampleSnapshot()
	if err := st.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}

	// save(load()) must not change document content.
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := st.Save(context.Background(), got); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("save(load()) changed document content")
	}
}

func TestFileStoreUpdateAbortsWithoutSaving(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.Save(context.Background(), sampleSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	boom := errors.New("boom")
	err = st.Update(context.Background(), func(s *Snapshot) error {
		s.Users[999] = User{Name: "ghost"}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want %v", err, boom)
	}

	snap, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := snap.Users[999]; ok {
		t.Fatal("aborted mutation was persisted")
	}
}

func TestFileStoreUpdateSerializes(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	const workers = 8
	const perWorker = 10
	done := make(chan error, workers)
	for w := 0; w < workers; w++ {
		w := w
		go func() {
			for i := 0; i < perWorker; i++ {
				id := int64(w*perWorker + i)
				err := st.Update(context.Background(), func(s *Snapshot) error {
					s.Users[id] = User{Name: "u"}
					return nil
				})
				if err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}
	for w := 0; w < workers; w++ {
		if err := <-done; err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	snap, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Users) != workers*perWorker {
		t.Fatalf("lost updates: got %d users, want %d", len(snap.Users), workers*perWorker)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "data.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	snap, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Users) != 0 {
		t.Fatalf("expected empty bootstrap, got %d users", len(snap.Users))
	}

	want := sampleSnapshot()
	if err := st.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
