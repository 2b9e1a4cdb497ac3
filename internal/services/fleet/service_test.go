package fleet

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SableFox/SafeBeacon/internal/localstore"
	"github.com/SableFox/SafeBeacon/internal/storage/pgfleet"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu sync.Mutex

	registerCalls  []pgfleet.RegisterDeviceInput
	registerResult func(in pgfleet.RegisterDeviceInput) (pgfleet.RegisterDeviceResult, error)
	registerDelay  time.Duration

	member    bool
	memberErr error
	memberN   atomic.Int32

	invites map[string]string
	members []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		member:  true,
		invites: map[string]string{},
	}
}

func (r *fakeRepo) RegisterOrMoveDevice(_ context.Context, in pgfleet.RegisterDeviceInput) (pgfleet.RegisterDeviceResult, error) {
	if r.registerDelay > 0 {
		time.Sleep(r.registerDelay)
	}
	r.mu.Lock()
	r.registerCalls = append(r.registerCalls, in)
	fn := r.registerResult
	r.mu.Unlock()
	if fn != nil {
		return fn(in)
	}
	return pgfleet.RegisterDeviceResult{DeviceID: in.DeviceID, GroupID: in.GroupID, UserID: in.UserID}, nil
}

func (r *fakeRepo) IsMember(context.Context, string, string) (bool, error) {
	r.memberN.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.member, r.memberErr
}

func (r *fakeRepo) ResolveInviteCode(_ context.Context, code string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.invites[code]
	if !ok {
		return "", pgfleet.ErrUnknownInvite
	}
	return g, nil
}

func (r *fakeRepo) CreateFleet(context.Context, string, string, string) error { return nil }

func (r *fakeRepo) AddMember(_ context.Context, groupID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = append(r.members, groupID+"/"+userID)
	return nil
}

func (r *fakeRepo) registerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registerCalls)
}

type staticIdentity string

func (s staticIdentity) DeviceID() (string, error) { return string(s), nil }

func newTestStore(t *testing.T) localstore.Store {
	t.Helper()
	st, err := localstore.NewPlain(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return st
}

func TestJoinPersistsGroup(t *testing.T) {
	repo := newFakeRepo()
	store := newTestStore(t)
	svc := New(repo, staticIdentity("DEV23456"), store, nil, "user-1", "Alice", nil)

	res, err := svc.Join(context.Background(), "group-alpha")
	require.NoError(t, err)
	require.Equal(t, "DEV23456", res.DeviceID)
	require.Equal(t, "group-alpha", res.GroupID)

	got, ok, err := store.Get(localstore.KeyGroupID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "group-alpha", got)
}

func TestJoinRequiresAuth(t *testing.T) {
	svc := New(newFakeRepo(), staticIdentity("DEV23456"), newTestStore(t), nil, "", "Alice", nil)
	_, err := svc.Join(context.Background(), "group-alpha")
	require.ErrorIs(t, err, ErrAuth)
}

func TestJoinRejectsBadGroupID(t *testing.T) {
	svc := New(newFakeRepo(), staticIdentity("DEV23456"), newTestStore(t), nil, "user-1", "", nil)
	for _, bad := range []string{"", "ab", "group with spaces", "a/b"} {
		_, err := svc.Join(context.Background(), bad)
		require.ErrorIs(t, err, ErrInvalidGroup, "group %q", bad)
	}
}

func TestJoinNotAMemberAfterRetries(t *testing.T) {
	repo := newFakeRepo()
	repo.member = false
	svc := New(repo, staticIdentity("DEV23456"), newTestStore(t), nil, "user-1", "", nil)

	_, err := svc.Join(context.Background(), "group-alpha")
	require.ErrorIs(t, err, ErrNotAMember)
	require.Equal(t, int32(membershipAttempts), repo.memberN.Load())
	require.Zero(t, repo.registerCount())
}

func TestJoinOptimisticOnMembershipReadError(t *testing.T) {
	repo := newFakeRepo()
	repo.member = false
	repo.memberErr = context.DeadlineExceeded
	svc := New(repo, staticIdentity("DEV23456"), newTestStore(t), nil, "user-1", "", nil)

	res, err := svc.Join(context.Background(), "group-alpha")
	require.NoError(t, err)
	require.Equal(t, "group-alpha", res.GroupID)
}

func TestJoinIdentityMismatchIsFatal(t *testing.T) {
	repo := newFakeRepo()
	repo.registerResult = func(in pgfleet.RegisterDeviceInput) (pgfleet.RegisterDeviceResult, error) {
		return pgfleet.RegisterDeviceResult{DeviceID: "SOMEONE1", GroupID: in.GroupID}, nil
	}
	store := newTestStore(t)
	svc := New(repo, staticIdentity("DEV23456"), store, nil, "user-1", "", nil)

	_, err := svc.Join(context.Background(), "group-alpha")
	require.ErrorIs(t, err, ErrIdentityMismatch)

	// группа не должна сохраниться при чужом идентификаторе
	_, ok, err := store.Get(localstore.KeyGroupID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJoinGroupMismatchIsFatal(t *testing.T) {
	repo := newFakeRepo()
	repo.registerResult = func(in pgfleet.RegisterDeviceInput) (pgfleet.RegisterDeviceResult, error) {
		// сервер "перенёс" устройство не туда, куда просили
		return pgfleet.RegisterDeviceResult{DeviceID: in.DeviceID, GroupID: "group-evil", UserID: in.UserID}, nil
	}
	store := newTestStore(t)
	svc := New(repo, staticIdentity("DEV23456"), store, nil, "user-1", "", nil)

	_, err := svc.Join(context.Background(), "group-alpha")
	require.ErrorIs(t, err, ErrIdentityMismatch)

	_, ok, err := store.Get(localstore.KeyGroupID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJoinUserMismatchIsFatal(t *testing.T) {
	repo := newFakeRepo()
	repo.registerResult = func(in pgfleet.RegisterDeviceInput) (pgfleet.RegisterDeviceResult, error) {
		return pgfleet.RegisterDeviceResult{DeviceID: in.DeviceID, GroupID: in.GroupID, UserID: "someone-else"}, nil
	}
	svc := New(repo, staticIdentity("DEV23456"), newTestStore(t), nil, "user-1", "", nil)

	_, err := svc.Join(context.Background(), "group-alpha")
	require.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestJoinAcceptsEmptyEchoedUser(t *testing.T) {
	repo := newFakeRepo()
	repo.registerResult = func(in pgfleet.RegisterDeviceInput) (pgfleet.RegisterDeviceResult, error) {
		// схемы без RETURNING user_id отдают пустое поле, это не подмена
		return pgfleet.RegisterDeviceResult{DeviceID: in.DeviceID, GroupID: in.GroupID}, nil
	}
	svc := New(repo, staticIdentity("DEV23456"), newTestStore(t), nil, "user-1", "", nil)

	_, err := svc.Join(context.Background(), "group-alpha")
	require.NoError(t, err)
}

func TestJoinRetriesWithoutDisplayName(t *testing.T) {
	repo := newFakeRepo()
	repo.registerResult = func(in pgfleet.RegisterDeviceInput) (pgfleet.RegisterDeviceResult, error) {
		if in.DisplayName != "" {
			return pgfleet.RegisterDeviceResult{}, pgfleet.ErrSignatureMismatch
		}
		return pgfleet.RegisterDeviceResult{DeviceID: in.DeviceID, GroupID: in.GroupID}, nil
	}
	svc := New(repo, staticIdentity("DEV23456"), newTestStore(t), nil, "user-1", "Alice", nil)

	res, err := svc.Join(context.Background(), "group-alpha")
	require.NoError(t, err)
	require.Equal(t, "DEV23456", res.DeviceID)
	require.Equal(t, 2, repo.registerCount())
}

func TestJoinSingleFlight(t *testing.T) {
	repo := newFakeRepo()
	repo.registerDelay = 50 * time.Millisecond
	svc := New(repo, staticIdentity("DEV23456"), newTestStore(t), nil, "user-1", "", nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Join(context.Background(), "group-alpha")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "goroutine %d", i)
	}
	// лидер один, остальные ждали его результат
	require.LessOrEqual(t, repo.registerCount(), 2)
}

func TestJoinByInvite(t *testing.T) {
	repo := newFakeRepo()
	repo.invites["WOLF-PACK"] = "group-alpha"
	store := newTestStore(t)
	require.NoError(t, store.Set(localstore.KeyPendingInvite, "WOLF-PACK"))
	svc := New(repo, staticIdentity("DEV23456"), store, nil, "user-1", "", nil)

	res, err := svc.JoinByInvite(context.Background(), "WOLF-PACK")
	require.NoError(t, err)
	require.Equal(t, "group-alpha", res.GroupID)
	require.Contains(t, repo.members, "group-alpha/user-1")

	// pending-инвайт должен быть стёрт
	_, ok, err := store.Get(localstore.KeyPendingInvite)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJoinByUnknownInvite(t *testing.T) {
	svc := New(newFakeRepo(), staticIdentity("DEV23456"), newTestStore(t), nil, "user-1", "", nil)
	_, err := svc.JoinByInvite(context.Background(), "NOPE")
	require.ErrorIs(t, err, ErrUnknownInvite)
}

func TestResume(t *testing.T) {
	repo := newFakeRepo()
	store := newTestStore(t)
	require.NoError(t, store.Set(localstore.KeyGroupID, "group-alpha"))
	svc := New(repo, staticIdentity("DEV23456"), store, nil, "user-1", "", nil)

	res, attempted, err := svc.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, attempted)
	require.Equal(t, "group-alpha", res.GroupID)
}

func TestResumeNothingSaved(t *testing.T) {
	svc := New(newFakeRepo(), staticIdentity("DEV23456"), newTestStore(t), nil, "user-1", "", nil)
	_, attempted, err := svc.Resume(context.Background())
	require.NoError(t, err)
	require.False(t, attempted)
}
