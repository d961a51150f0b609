package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"speedcode/config"
	"speedcode/models"
	"speedcode/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider drives the auth callback from the test.
type fakeProvider struct {
	session Session
	err     error
	delay   time.Duration
	silent  bool // never invoke the callback, to exercise the timeout path
	calls   int
	mu      sync.Mutex
}

func (p *fakeProvider) SignInAnonymously(onState func(Session, error)) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.silent {
		return
	}
	go func() {
		if p.delay > 0 {
			time.Sleep(p.delay)
		}
		onState(p.session, p.err)
	}()
}

// fakeDirectory is an in-memory UserDirectory.
type fakeDirectory struct {
	mu        sync.Mutex
	usernames map[string]string
	saveErr   error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{usernames: make(map[string]string)}
}

func (d *fakeDirectory) LoadUsername(_ context.Context, uid string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usernames[uid], nil
}

func (d *fakeDirectory) SaveUsername(_ context.Context, uid, username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.saveErr != nil {
		return d.saveErr
	}
	d.usernames[uid] = username
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AuthWaitTimeout = 200 * time.Millisecond
	cfg.UsernameWaitTimeout = 200 * time.Millisecond
	cfg.UsernamePollEvery = 5 * time.Millisecond
	return cfg
}

func newTestManager(provider AuthProvider) (*Manager, *fakeDirectory) {
	dir := newFakeDirectory()
	mgr := NewManager(provider, state.NewStore(nil), testConfig())
	mgr.SetUserDirectory(dir)
	return mgr, dir
}

// --- Initialize Tests ---

func TestInitialize_Success(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{session: Session{UID: "u1", Token: "tok"}})

	id, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "u1", id.UID)
	assert.True(t, id.Authenticated)
	assert.False(t, id.UsernameSet)
	assert.Equal(t, Authenticated, mgr.State())
	assert.Equal(t, "tok", mgr.Token())
}

func TestInitialize_LoadsExistingUsername(t *testing.T) {
	provider := &fakeProvider{session: Session{UID: "u1"}}
	mgr, dir := newTestManager(provider)
	dir.usernames["u1"] = "alice"

	id, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "alice", id.Username)
	assert.True(t, id.UsernameSet)
	assert.Equal(t, Ready, mgr.State())
}

func TestInitialize_Idempotent(t *testing.T) {
	provider := &fakeProvider{session: Session{UID: "u1"}}
	mgr, _ := newTestManager(provider)

	first, err := mgr.Initialize(context.Background())
	require.NoError(t, err)
	second, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.calls, "no second sign-in once a session exists")
}

func TestInitialize_TimeoutLeavesUninitialized(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{silent: true})

	_, err := mgr.Initialize(context.Background())

	var authErr *models.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, models.ErrTimeout)
	assert.Equal(t, Uninitialized, mgr.State())

	_, ok := mgr.Current()
	assert.False(t, ok)
}

func TestInitialize_ProviderError(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{err: errors.New("auth backend down")})

	_, err := mgr.Initialize(context.Background())

	var authErr *models.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, Uninitialized, mgr.State())
}

func TestInitialize_ContextCancellation(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{silent: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := mgr.Initialize(ctx)
	var authErr *models.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInitialize_MirrorsIdentityIntoStateStore(t *testing.T) {
	appState := state.NewStore(nil)
	mgr := NewManager(&fakeProvider{session: Session{UID: "u1"}}, appState, testConfig())
	mgr.SetUserDirectory(newFakeDirectory())

	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "u1", appState.Identity().UID)
	assert.True(t, appState.Identity().Authenticated)
}

// --- Username Tests ---

func TestSetupUsername_MovesToReady(t *testing.T) {
	mgr, dir := newTestManager(&fakeProvider{session: Session{UID: "u1"}})
	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	id, err := mgr.SetupUsername(context.Background(), "  alice  ")
	require.NoError(t, err)

	assert.Equal(t, "alice", id.Username, "trimmed before storing")
	assert.True(t, id.UsernameSet)
	assert.Equal(t, Ready, mgr.State())
	assert.Equal(t, "alice", dir.usernames["u1"])
}

func TestSetupUsername_ValidationFailure(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{session: Session{UID: "u1"}})
	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	_, err = mgr.SetupUsername(context.Background(), "a")
	var validationErr *models.ValidationError
	assert.ErrorAs(t, err, &validationErr)
	assert.Equal(t, Authenticated, mgr.State(), "a rejected name does not advance the state")
}

func TestSetupUsername_RequiresSession(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{session: Session{UID: "u1"}})

	_, err := mgr.SetupUsername(context.Background(), "alice")
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
}

func TestSetupUsername_DirectoryFailureSurfaced(t *testing.T) {
	mgr, dir := newTestManager(&fakeProvider{session: Session{UID: "u1"}})
	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	dir.saveErr = errors.New("remote write failed")
	_, err = mgr.SetupUsername(context.Background(), "alice")
	assert.Error(t, err)
	assert.Equal(t, Authenticated, mgr.State())
}

func TestUpdateUsername_ReplacesName(t *testing.T) {
	mgr, dir := newTestManager(&fakeProvider{session: Session{UID: "u1"}})
	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	_, err = mgr.SetupUsername(context.Background(), "alice")
	require.NoError(t, err)

	id, err := mgr.UpdateUsername(context.Background(), "alice2")
	require.NoError(t, err)
	assert.Equal(t, "alice2", id.Username)
	assert.Equal(t, "alice2", dir.usernames["u1"])
}

func TestWaitForUsername_ResolvesWhenSet(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{session: Session{UID: "u1"}})
	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = mgr.SetupUsername(context.Background(), "alice")
	}()

	id, err := mgr.WaitForUsername(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
}

func TestWaitForUsername_TimesOut(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{session: Session{UID: "u1"}})
	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	_, err = mgr.WaitForUsername(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrTimeout)
}

// --- Listener Tests ---

func TestOnChange_ReplayOnSubscribe(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{session: Session{UID: "u1"}})
	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	var got []models.Identity
	mgr.OnChange(func(id models.Identity) { got = append(got, id) })

	require.Len(t, got, 1, "existing identity is replayed immediately")
	assert.Equal(t, "u1", got[0].UID)
}

func TestOnChange_NoReplayBeforeSession(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{session: Session{UID: "u1"}})

	called := 0
	mgr.OnChange(func(models.Identity) { called++ })
	assert.Equal(t, 0, called)

	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, called, "notified on the transition instead")
}

func TestOnChange_UnsubscribeIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{session: Session{UID: "u1"}})

	called := 0
	unsub := mgr.OnChange(func(models.Identity) { called++ })
	unsub()
	unsub()

	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, called)
}

func TestOnChange_PanickingListenerContained(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{session: Session{UID: "u1"}})

	reached := false
	mgr.OnChange(func(models.Identity) { panic("listener bug") })
	mgr.OnChange(func(models.Identity) { reached = true })

	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, reached)
}

// --- Sign Out Tests ---

func TestSignOut_ClearsSessionAndNotifies(t *testing.T) {
	mgr, _ := newTestManager(&fakeProvider{session: Session{UID: "u1", Token: "tok"}})
	_, err := mgr.Initialize(context.Background())
	require.NoError(t, err)

	var last models.Identity
	mgr.OnChange(func(id models.Identity) { last = id })

	mgr.SignOut()

	assert.Equal(t, Uninitialized, mgr.State())
	assert.Empty(t, mgr.Token())
	assert.Empty(t, last.UID, "listeners observe the cleared identity")
	_, ok := mgr.Current()
	assert.False(t, ok)
}
