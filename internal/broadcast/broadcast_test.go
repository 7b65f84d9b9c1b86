package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZUA228132/wishlist-app/internal/fanout"
	"github.com/ZUA228132/wishlist-app/internal/store"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

type captureNotifier struct {
	mu    sync.Mutex
	errs  map[int64]error
	sent  map[int64][]string
	count int
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{errs: map[int64]error{}, sent: map[int64][]string{}}
}

func (n *captureNotifier) SendText(ctx context.Context, to int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.errs[to]; err != nil {
		return err
	}
	n.sent[to] = append(n.sent[to], text)
	n.count++
	return nil
}

func (n *captureNotifier) SendPhoto(ctx context.Context, to int64, photo []byte, caption string) error {
	return n.SendText(ctx, to, caption)
}

func (n *captureNotifier) textsFor(to int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent[to]...)
}

func newTestService(t *testing.T, users []int64, n *captureNotifier) *Service {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	err = st.Update(context.Background(), func(s *store.Snapshot) error {
		for _, id := range users {
			s.Users[id] = store.User{Name: "u"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed users: %v", err)
	}

	d := fanout.New(fanout.Config{RatePerSec: 10000, ProgressEvery: 10, ProgressMinBatch: 20}, n, logx.Nop())
	return New(Config{}, st, d, n, logx.Nop())
}

func waitDone(t *testing.T, s *Service, id string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := s.Status(id); ok && !st.DoneAt.IsZero() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("broadcast did not finish in time")
	return JobStatus{}
}

func TestSubmitBeforeStart(t *testing.T) {
	t.Parallel()
	s := newTestService(t, []int64{1}, newCaptureNotifier())
	if _, err := s.Submit("x", fanout.Message{Text: "hi"}, 0); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("error = %v, want ErrNotRunning", err)
	}
}

func TestBroadcastReachesAllUsers(t *testing.T) {
	t.Parallel()
	n := newCaptureNotifier()
	n.errs[3] = errors.New("Forbidden: bot was blocked by the user")
	n.errs[5] = errors.New("Bad Gateway")

	s := newTestService(t, []int64{1, 2, 3, 4, 5}, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	id, err := s.Submit("news", fanout.Message{Text: "hello"}, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	st := waitDone(t, s, id)
	if st.Total != 5 || st.Delivered != 3 || st.Unreachable != 1 || st.Failed != 1 {
		t.Fatalf("status = %+v, want total 5 = 3+1+1", st)
	}
}

func TestBroadcastReportsToOperator(t *testing.T) {
	t.Parallel()
	n := newCaptureNotifier()
	users := make([]int64, 30)
	for i := range users {
		users[i] = int64(i + 100)
	}
	s := newTestService(t, users, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	const operator = int64(7)
	id, err := s.Submit("news", fanout.Message{Text: "hello"}, operator)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, s, id)

	msgs := n.textsFor(operator)
	if len(msgs) == 0 {
		t.Fatal("no operator messages")
	}
	final := msgs[len(msgs)-1]
	if !strings.Contains(final, "Delivered: 30") {
		t.Fatalf("final report = %q, want delivered count", final)
	}
	// Progress updates after every 10th delivery: at 10, 20 and 30.
	progress := 0
	for _, m := range msgs[:len(msgs)-1] {
		if strings.Contains(m, "delivered...") {
			progress++
		}
	}
	if progress != 3 {
		t.Fatalf("progress updates = %d, want 3", progress)
	}
}
