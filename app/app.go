// Package app assembles the application's long-lived components into a
// single context object. Nothing here lives in package-level variables;
// every collaborator hangs off App and is released by Teardown.
package app

import (
	"context"
	"log"
	"sync"
	"time"

	"speedcode/bucket"
	"speedcode/config"
	"speedcode/db"
	"speedcode/detector"
	"speedcode/identity"
	"speedcode/localkv"
	"speedcode/models"
	"speedcode/retry"
	"speedcode/state"
)

// Version is the build version reported by the extension-info endpoint.
// Overridable at link time.
var Version = "1.1.0"

// App holds every long-lived component and the wiring between them.
type App struct {
	Cfg      *config.Config
	Local    *localkv.Store
	Records  db.RecordStore
	State    *state.Store
	Identity *identity.Manager
	Bucket   *bucket.Repository
	Detector detector.Detector

	tabMu      sync.Mutex
	activeTabs map[int]struct{}

	teardownOnce sync.Once
	unsubs       []func()
}

// New builds and wires the full component graph. The identity manager and
// bucket repository reference each other through narrow interfaces, so the
// cross-wiring happens here rather than in either package.
func New(cfg *config.Config) (*App, error) {
	local, err := localkv.Open(cfg)
	if err != nil {
		return nil, err
	}

	records, err := db.NewFileRecordStore(cfg)
	if err != nil {
		local.Close()
		return nil, err
	}

	appState := state.NewStore(local)
	policy := retry.NewPolicy(cfg.RetryMaxAttempts, cfg.RetryBaseDelay)
	mgr := identity.NewManager(&identity.AnonymousProvider{Cfg: cfg}, appState, cfg)
	repo := bucket.NewRepository(records, policy, appState, mgr, cfg)
	mgr.SetUserDirectory(repo)

	a := &App{
		Cfg:        cfg,
		Local:      local,
		Records:    records,
		State:      appState,
		Identity:   mgr,
		Bucket:     repo,
		Detector:   detector.NewURLDetector(),
		activeTabs: make(map[int]struct{}),
	}

	a.recordInstallInfo()

	// Once a session exists, keep the state tree's joined-rooms list in sync
	// with the remote user record.
	a.unsubs = append(a.unsubs, mgr.OnChange(func(id models.Identity) {
		if !id.Authenticated {
			return
		}
		if err := repo.ListenToUser(func(record models.UserRecord) {
			appState.SetJoinedRooms(record.JoinedRooms)
		}); err != nil {
			log.Printf("WARN: Could not attach user listener: %v", err)
		}
	}))

	log.Printf("INFO: Application components initialized")
	return a, nil
}

// recordInstallInfo stamps the current version into local storage and, on
// first run only, the install date.
func (a *App) recordInstallInfo() {
	values := map[string]any{localkv.KeyVersion: Version}
	var installed string
	found, err := a.Local.Get(localkv.KeyInstallDate, &installed)
	if err != nil {
		log.Printf("WARN: Could not read install date: %v", err)
	}
	if !found {
		values[localkv.KeyInstallDate] = models.Timestamp(time.Now())
	}
	if err := a.Local.Set(values); err != nil {
		log.Printf("WARN: Could not record install info: %v", err)
	}
}

// Initialize establishes the anonymous session. Safe to call more than once;
// the identity manager settles only the first attempt.
func (a *App) Initialize(ctx context.Context) error {
	_, err := a.Identity.Initialize(ctx)
	return err
}

// TrackTab registers a tab id as active.
func (a *App) TrackTab(id int) {
	a.tabMu.Lock()
	a.activeTabs[id] = struct{}{}
	a.tabMu.Unlock()
}

// UntrackTab removes a tab id. Unknown ids are a no-op.
func (a *App) UntrackTab(id int) {
	a.tabMu.Lock()
	delete(a.activeTabs, id)
	a.tabMu.Unlock()
}

// ActiveTabs returns the currently tracked tab ids in unspecified order.
func (a *App) ActiveTabs() []int {
	a.tabMu.Lock()
	defer a.tabMu.Unlock()
	ids := make([]int, 0, len(a.activeTabs))
	for id := range a.activeTabs {
		ids = append(ids, id)
	}
	return ids
}

// Teardown releases subscriptions and flushes both stores. Idempotent;
// later calls are no-ops.
func (a *App) Teardown() {
	a.teardownOnce.Do(func() {
		for _, unsub := range a.unsubs {
			unsub()
		}
		a.Bucket.RemoveAllListeners()
		if err := a.Records.Close(); err != nil {
			log.Printf("ERROR: Failed to close record store: %v", err)
		}
		if err := a.Local.Close(); err != nil {
			log.Printf("ERROR: Failed to close local store: %v", err)
		}
		log.Printf("INFO: Application teardown complete")
	})
}
