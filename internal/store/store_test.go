package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// openTestStore opens a store backed by a fresh temp database and closes it
// when the test finishes.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

// mustInsertUser inserts a user with the given id and fails the test on error.
func mustInsertUser(t *testing.T, s *Store, id string) {
	t.Helper()

	u := &User{
		ID:           id,
		Username:     id,
		DisplayName:  "Display " + id,
		Avatar:       "avatar",
		CreationTime: time.Now().UnixMilli(),
	}
	if err := s.InsertUser(context.Background(), u); err != nil {
		t.Fatalf("InsertUser(%s): %v", id, err)
	}
}

// instanceCount fetches the persisted instance_count for a user.
func instanceCount(t *testing.T, s *Store, id string) uint32 {
	t.Helper()

	u, err := s.FetchUser(context.Background(), id)
	if err != nil {
		t.Fatalf("FetchUser(%s): %v", id, err)
	}
	if u == nil {
		t.Fatalf("FetchUser(%s): user missing", id)
	}
	return u.InstanceCount
}

func TestOpenTwiceReturnsErrDatabaseLocked(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "locked.db")
	s, err := Open(path, slog.Default())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer s.Close() //nolint:errcheck // best-effort cleanup

	if _, err := Open(path, slog.Default()); !errors.Is(err, ErrDatabaseLocked) {
		t.Errorf("second Open error = %v, want ErrDatabaseLocked", err)
	}
}

func TestFetchUserAbsentReturnsNil(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	u, err := s.FetchUser(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("FetchUser: %v", err)
	}
	if u != nil {
		t.Errorf("FetchUser for absent id = %+v, want nil", u)
	}
}

func TestInsertUserConflict(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	mustInsertUser(t, s, "u1")

	err := s.InsertUser(context.Background(), &User{ID: "u1"})
	if !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate InsertUser error = %v, want ErrUserExists", err)
	}
}

func TestInsertInstanceOutcomes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	mustInsertUser(t, s, "u1")

	res, err := s.InsertInstance(ctx, "u1", "c1", StateQueuedStart, 2)
	if err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}
	if res != Inserted {
		t.Fatalf("first insert = %v, want Inserted", res)
	}
	if got := instanceCount(t, s, "u1"); got != 1 {
		t.Errorf("instance_count = %d, want 1", got)
	}

	res, err = s.InsertInstance(ctx, "u1", "c1", StateQueuedStart, 2)
	if err != nil {
		t.Fatalf("InsertInstance duplicate: %v", err)
	}
	if res != AlreadyExists {
		t.Errorf("duplicate insert = %v, want AlreadyExists", res)
	}
	// The failed insert must not leak an increment.
	if got := instanceCount(t, s, "u1"); got != 1 {
		t.Errorf("instance_count after AlreadyExists = %d, want 1", got)
	}

	if res, err = s.InsertInstance(ctx, "u1", "c2", StateQueuedStart, 2); err != nil || res != Inserted {
		t.Fatalf("second insert = %v, %v, want Inserted", res, err)
	}

	res, err = s.InsertInstance(ctx, "u1", "c3", StateQueuedStart, 2)
	if err != nil {
		t.Fatalf("InsertInstance at limit: %v", err)
	}
	if res != LimitReached {
		t.Errorf("insert at limit = %v, want LimitReached", res)
	}
	if got := instanceCount(t, s, "u1"); got != 2 {
		t.Errorf("instance_count after LimitReached = %d, want 2", got)
	}
}

func TestInsertInstanceUnknownUserHitsLimit(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	res, err := s.InsertInstance(context.Background(), "nobody", "c1", StateQueuedStart, 3)
	if err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}
	if res != LimitReached {
		t.Errorf("insert for unknown user = %v, want LimitReached", res)
	}
}

func TestTransitionStateCAS(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	mustInsertUser(t, s, "u1")
	if _, err := s.InsertInstance(ctx, "u1", "c1", StateQueuedStart, 3); err != nil {
		t.Fatal(err)
	}

	ok, err := s.TransitionState(ctx, "u1", "c1", StateQueuedStart, StateRunning)
	if err != nil {
		t.Fatalf("TransitionState: %v", err)
	}
	if !ok {
		t.Error("transition from matching state should succeed")
	}

	ok, err = s.TransitionState(ctx, "u1", "c1", StateQueuedStart, StateRunning)
	if err != nil {
		t.Fatalf("TransitionState: %v", err)
	}
	if ok {
		t.Error("transition from stale state should fail")
	}
}

func TestTransitionStateSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	mustInsertUser(t, s, "u1")
	if _, err := s.InsertInstance(ctx, "u1", "c1", StateQueuedStart, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.PopulateRunning(ctx, "u1", "c1", "host=1", time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TransitionState(ctx, "u1", "c1", StateRunning, StateQueuedStop)
			if err != nil {
				t.Errorf("TransitionState: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("concurrent CAS winners = %d, want exactly 1", wins)
	}
}

func TestPopulateRunningAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	mustInsertUser(t, s, "u1")
	if _, err := s.InsertInstance(ctx, "u1", "c1", StateQueuedStart, 3); err != nil {
		t.Fatal(err)
	}

	stop := time.Now().Add(10 * time.Second).UnixMilli()
	if err := s.PopulateRunning(ctx, "u1", "c1", "host=1.2.3.4\nport=5000", stop); err != nil {
		t.Fatalf("PopulateRunning: %v", err)
	}

	instances, err := s.ListUserInstances(ctx, "u1")
	if err != nil {
		t.Fatalf("ListUserInstances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("len(instances) = %d, want 1", len(instances))
	}

	inst := instances[0]
	if inst.State != StateRunning {
		t.Errorf("state = %s, want running", inst.State)
	}
	if inst.Details == nil || *inst.Details != "host=1.2.3.4\nport=5000" {
		t.Errorf("details = %v, want populated", inst.Details)
	}
	if inst.StopTime == nil || *inst.StopTime != stop {
		t.Errorf("stop_time = %v, want %d", inst.StopTime, stop)
	}
}

func TestExtendInstanceOnlyWhileRunning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	mustInsertUser(t, s, "u1")
	if _, err := s.InsertInstance(ctx, "u1", "c1", StateQueuedStart, 3); err != nil {
		t.Fatal(err)
	}

	// Still queued_start: extension must no-op.
	ok, err := s.ExtendInstance(ctx, "u1", "c1", time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("ExtendInstance: %v", err)
	}
	if ok {
		t.Error("extend of a non-running instance should fail")
	}

	if err := s.PopulateRunning(ctx, "u1", "c1", "d", time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	newStop := time.Now().Add(time.Minute).UnixMilli()
	ok, err = s.ExtendInstance(ctx, "u1", "c1", newStop)
	if err != nil {
		t.Fatalf("ExtendInstance: %v", err)
	}
	if !ok {
		t.Fatal("extend of a running instance should succeed")
	}

	instances, err := s.ListUserInstances(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got := *instances[0].StopTime; got != newStop {
		t.Errorf("stop_time = %d, want %d", got, newStop)
	}
}

func TestDeleteInstanceIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	mustInsertUser(t, s, "u1")
	if _, err := s.InsertInstance(ctx, "u1", "c1", StateQueuedStart, 3); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteInstance(ctx, "u1", "c1"); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if got := instanceCount(t, s, "u1"); got != 0 {
		t.Errorf("instance_count after delete = %d, want 0", got)
	}

	// Second delete finds no row and must not decrement again.
	if err := s.DeleteInstance(ctx, "u1", "c1"); err != nil {
		t.Fatalf("second DeleteInstance: %v", err)
	}
	if got := instanceCount(t, s, "u1"); got != 0 {
		t.Errorf("instance_count after double delete = %d, want 0", got)
	}
}

func TestListAllInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	mustInsertUser(t, s, "u1")
	mustInsertUser(t, s, "u2")
	for _, pair := range [][2]string{{"u1", "c1"}, {"u1", "c2"}, {"u2", "c1"}} {
		if _, err := s.InsertInstance(ctx, pair[0], pair[1], StateQueuedStart, 10); err != nil {
			t.Fatal(err)
		}
	}

	instances, err := s.ListAllInstances(ctx)
	if err != nil {
		t.Fatalf("ListAllInstances: %v", err)
	}
	if len(instances) != 3 {
		t.Errorf("len(instances) = %d, want 3", len(instances))
	}
}
