// Package identity establishes the anonymous session, resolves and persists
// the user's chosen display name, and fans identity changes out to the rest
// of the system.
package identity

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"speedcode/config"
	"speedcode/models"
	"speedcode/state"
	"speedcode/utils"

	"github.com/oklog/ulid/v2"
)

// State is the manager's lifecycle position.
type State int

const (
	// Uninitialized: no sign-in attempted, or the last one failed/was torn down.
	Uninitialized State = iota
	// Authenticating: sign-in in flight, waiting for the first auth callback.
	Authenticating
	// Authenticated: a uid exists but no username has been chosen yet.
	Authenticated
	// Ready: uid and username both set; bucket operations may proceed.
	Ready
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Ready:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Session is what the auth provider hands back on a successful sign-in.
type Session struct {
	UID   string
	Token string
}

// AuthProvider performs the anonymous sign-in. The provider invokes onState
// exactly once, from any goroutine, when the auth state is first known.
type AuthProvider interface {
	SignInAnonymously(onState func(Session, error))
}

// AnonymousProvider is the default provider: it assigns a fresh opaque uid
// and signs a session token for the HTTP surface.
type AnonymousProvider struct {
	Cfg *config.Config
}

// SignInAnonymously mints a new anonymous session and reports it
// asynchronously, the way a remote auth system would.
func (p *AnonymousProvider) SignInAnonymously(onState func(Session, error)) {
	go func() {
		uid := utils.GenerateDashlessUUID()
		token, err := utils.GenerateSessionToken(uid, "", p.Cfg)
		if err != nil {
			onState(Session{}, err)
			return
		}
		onState(Session{UID: uid, Token: token}, nil)
	}()
}

// UserDirectory is the bucket repository's user-record accessor, as much of
// it as the identity manager needs.
type UserDirectory interface {
	LoadUsername(ctx context.Context, uid string) (string, error)
	SaveUsername(ctx context.Context, uid, username string) error
}

type listener struct {
	id       string
	callback func(models.Identity)
}

// Manager owns the identity state machine. All bucket operations are gated on
// it having established a session.
type Manager struct {
	mu       sync.Mutex
	state    State
	identity models.Identity
	session  Session

	provider  AuthProvider
	directory UserDirectory
	appState  *state.Store
	cfg       *config.Config

	listeners []listener
	entropy   *ulid.MonotonicEntropy
	entropyMu sync.Mutex
}

// NewManager wires the manager to its collaborators. The user directory is
// attached separately (SetUserDirectory) because the bucket repository is
// constructed after the manager.
func NewManager(provider AuthProvider, appState *state.Store, cfg *config.Config) *Manager {
	return &Manager{
		provider: provider,
		appState: appState,
		cfg:      cfg,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// SetUserDirectory attaches the remote user-record accessor.
func (m *Manager) SetUserDirectory(d UserDirectory) {
	m.mu.Lock()
	m.directory = d
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the established identity, and false when none exists yet.
func (m *Manager) Current() (models.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authenticated && m.state != Ready {
		return models.Identity{}, false
	}
	return m.identity, true
}

// Token returns the session token for the HTTP surface, empty before
// initialization.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Token
}

// Initialize performs the anonymous sign-in and waits for the provider's
// first state callback, bounded by cfg.AuthWaitTimeout. It is idempotent:
// once a session exists the cached identity is returned immediately. On
// timeout or callback error the state is left Uninitialized and an
// AuthenticationError is returned.
func (m *Manager) Initialize(ctx context.Context) (models.Identity, error) {
	m.mu.Lock()
	if m.state == Authenticated || m.state == Ready {
		id := m.identity
		m.mu.Unlock()
		return id, nil
	}
	m.state = Authenticating
	provider := m.provider
	m.mu.Unlock()

	// The result channel is buffered and guarded so a late provider callback
	// after the timeout fired cannot block or double-settle.
	type result struct {
		session Session
		err     error
	}
	resultCh := make(chan result, 1)
	var settle sync.Once
	provider.SignInAnonymously(func(session Session, err error) {
		settle.Do(func() {
			resultCh <- result{session: session, err: err}
		})
	})

	var res result
	select {
	case res = <-resultCh:
	case <-time.After(m.cfg.AuthWaitTimeout):
		m.mu.Lock()
		m.state = Uninitialized
		m.mu.Unlock()
		return models.Identity{}, &models.AuthenticationError{
			Reason: fmt.Sprintf("no auth state callback within %s", m.cfg.AuthWaitTimeout),
			Err:    models.ErrTimeout,
		}
	case <-ctx.Done():
		m.mu.Lock()
		m.state = Uninitialized
		m.mu.Unlock()
		return models.Identity{}, &models.AuthenticationError{Reason: "sign-in cancelled", Err: ctx.Err()}
	}

	if res.err != nil {
		m.mu.Lock()
		m.state = Uninitialized
		m.mu.Unlock()
		return models.Identity{}, &models.AuthenticationError{Reason: "anonymous sign-in failed", Err: res.err}
	}

	m.mu.Lock()
	m.session = res.session
	m.state = Authenticated
	m.identity = models.Identity{UID: res.session.UID, Authenticated: true}
	directory := m.directory
	m.mu.Unlock()

	// Load a previously chosen display name from the user record, if any.
	if directory != nil {
		username, err := directory.LoadUsername(ctx, res.session.UID)
		if err != nil {
			log.Printf("WARN: Failed to load username for uid %s: %v", res.session.UID, err)
		} else if username != "" {
			m.mu.Lock()
			m.identity.Username = username
			m.identity.UsernameSet = true
			m.state = Ready
			m.mu.Unlock()
		}
	}

	id := m.snapshotAndPublish()
	log.Printf("INFO: Identity initialized: uid=%s state=%s", id.UID, m.State())
	return id, nil
}

// SetupUsername validates and persists the chosen display name and moves the
// manager to Ready. Username uniqueness is not enforced anywhere.
func (m *Manager) SetupUsername(ctx context.Context, name string) (models.Identity, error) {
	return m.storeUsername(ctx, name)
}

// UpdateUsername changes an already chosen display name. Room member lists
// that reference the old name are not rewritten; they keep the stale name.
func (m *Manager) UpdateUsername(ctx context.Context, name string) (models.Identity, error) {
	return m.storeUsername(ctx, name)
}

func (m *Manager) storeUsername(ctx context.Context, name string) (models.Identity, error) {
	trimmed, err := models.ValidateUsername(name)
	if err != nil {
		return models.Identity{}, err
	}

	m.mu.Lock()
	if m.state != Authenticated && m.state != Ready {
		m.mu.Unlock()
		return models.Identity{}, models.ErrNotAuthenticated
	}
	uid := m.identity.UID
	directory := m.directory
	m.mu.Unlock()

	if directory == nil {
		return models.Identity{}, fmt.Errorf("user directory not attached")
	}
	if err := directory.SaveUsername(ctx, uid, trimmed); err != nil {
		return models.Identity{}, err
	}

	m.mu.Lock()
	m.identity.Username = trimmed
	m.identity.UsernameSet = true
	m.state = Ready
	m.mu.Unlock()

	id := m.snapshotAndPublish()
	log.Printf("INFO: Username set for uid %s", uid)
	return id, nil
}

// WaitForUsername resolves as soon as a username is set, polling at the
// configured interval, and fails with models.ErrTimeout once timeout elapses.
// A non-positive timeout uses the configured default.
func (m *Manager) WaitForUsername(ctx context.Context, timeout time.Duration) (models.Identity, error) {
	if timeout <= 0 {
		timeout = m.cfg.UsernameWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		if m.state == Ready {
			id := m.identity
			m.mu.Unlock()
			return id, nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return models.Identity{}, models.ErrTimeout
		}
		select {
		case <-time.After(m.cfg.UsernamePollEvery):
		case <-ctx.Done():
			return models.Identity{}, ctx.Err()
		}
	}
}

// OnChange registers an identity-change callback. If an identity already
// exists the callback is invoked immediately with it (replay-on-subscribe),
// then again on every subsequent transition. The returned function
// unregisters the callback; calling it twice is a no-op.
func (m *Manager) OnChange(callback func(models.Identity)) func() {
	m.entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
	m.entropyMu.Unlock()

	m.mu.Lock()
	m.listeners = append(m.listeners, listener{id: id, callback: callback})
	current, exists := m.identity, m.state == Authenticated || m.state == Ready
	m.mu.Unlock()

	if exists {
		invokeListener(listener{id: id, callback: callback}, current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					break
				}
			}
			m.mu.Unlock()
		})
	}
}

// SignOut drops the session and returns the manager to Uninitialized.
// Listeners observe the cleared identity.
func (m *Manager) SignOut() {
	m.mu.Lock()
	m.state = Uninitialized
	m.identity = models.Identity{}
	m.session = Session{}
	m.mu.Unlock()

	m.snapshotAndPublish()
	log.Printf("INFO: Signed out")
}

// snapshotAndPublish mirrors the identity into the application state store
// and notifies all listeners with the current value.
func (m *Manager) snapshotAndPublish() models.Identity {
	m.mu.Lock()
	id := m.identity
	ls := make([]listener, len(m.listeners))
	copy(ls, m.listeners)
	m.mu.Unlock()

	if m.appState != nil {
		m.appState.SetIdentity(id)
	}
	for _, l := range ls {
		invokeListener(l, id)
	}
	return id
}

// invokeListener calls one identity listener, catching panics so a
// misbehaving observer cannot break the others.
func invokeListener(l listener, id models.Identity) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: Identity listener panicked: %v", r)
		}
	}()
	l.callback(id)
}
