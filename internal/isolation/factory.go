package isolation

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	apperrors "github.com/streamloft/agentgate/pkg/errors"
	"github.com/streamloft/agentgate/pkg/logger"
	"github.com/streamloft/agentgate/pkg/metrics"
)

const (
	// DefaultMaxManagersPerUser caps concurrent managers per user.
	DefaultMaxManagersPerUser = 5
	// DefaultConnectionTimeout is how long a manager may stay idle before
	// the periodic sweep evicts it.
	DefaultConnectionTimeout = 30 * time.Minute
	// DefaultCreateBudget bounds manager creation including the emergency
	// cleanup pass, so upgrade handlers calling in do not time out.
	DefaultCreateBudget = 3 * time.Second
)

// FactoryConfig controls factory behaviour. Zero values fall back to the
// package defaults.
type FactoryConfig struct {
	MaxManagersPerUser int
	ConnectionTimeout  time.Duration
	CleanupMode        CleanupMode
	ProbeTimeout       time.Duration
	RecoveryQueueSize  int
	CreateBudget       time.Duration

	// EvictOldestOnSaturation controls graceful degradation when every
	// manager at the cap is genuinely healthy: false surfaces the limit
	// error, true force-evicts the oldest manager instead.
	EvictOldestOnSaturation bool
}

func (c FactoryConfig) withDefaults() FactoryConfig {
	if c.MaxManagersPerUser <= 0 {
		c.MaxManagersPerUser = DefaultMaxManagersPerUser
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.RecoveryQueueSize <= 0 {
		c.RecoveryQueueSize = defaultRecoveryQueueSize
	}
	if c.CreateBudget <= 0 {
		c.CreateBudget = DefaultCreateBudget
	}
	if c.CleanupMode == "" {
		c.CleanupMode = CleanupModerate
	}
	return c
}

// FactoryStats summarises the factory registries.
type FactoryStats struct {
	TotalManagers   int            `json:"total_managers"`
	ManagersPerUser map[string]int `json:"managers_per_user"`
	Limit           int            `json:"limit"`
}

// FactoryOption customises a ManagerFactory.
type FactoryOption func(*ManagerFactory)

// WithClock overrides the factory clock, primarily for tests.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *ManagerFactory) {
		if now != nil {
			f.timeNow = now
		}
	}
}

// WithAssessor injects a preconfigured health assessor.
func WithAssessor(assessor *HealthAssessor) FactoryOption {
	return func(f *ManagerFactory) {
		if assessor != nil {
			f.assessor = assessor
		}
	}
}

// ManagerFactory creates, caches, and evicts one IsolatedManager per
// isolation key. It is the only cross-user shared state in the subsystem,
// and its registries are guarded by a single mutex safe for concurrent
// tasks and cross-thread access alike.
type ManagerFactory struct {
	mu        sync.Mutex
	cfg       FactoryConfig
	managers  map[string]*IsolatedManager
	perUser   map[string]int
	createdAt map[string]time.Time
	assessor  *HealthAssessor
	timeNow   func() time.Time
	log       *zap.Logger
}

// NewManagerFactory constructs a factory. Callers inject it into handlers
// explicitly; there is no process-wide instance, so tests can build an
// isolated factory per case.
func NewManagerFactory(cfg FactoryConfig, opts ...FactoryOption) *ManagerFactory {
	cfg = cfg.withDefaults()

	f := &ManagerFactory{
		cfg:       cfg,
		managers:  make(map[string]*IsolatedManager),
		perUser:   make(map[string]int),
		createdAt: make(map[string]time.Time),
		timeNow:   time.Now,
		log:       logger.WithModule("isolation.factory"),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.assessor == nil {
		f.assessor = NewHealthAssessor(cfg.CleanupMode, cfg.ProbeTimeout, f.timeNow)
	}
	return f
}

// CreateManager returns the manager cached under the context's isolation
// key, creating it when absent. Concurrent callers racing on the same key
// observe a single winner: everyone gets the identical instance and the
// per-user count moves exactly once.
func (f *ManagerFactory) CreateManager(ctx context.Context, userCtx UserContext) (*IsolatedManager, error) {
	if err := userCtx.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.CreateBudget)
	defer cancel()

	key := userCtx.IsolationKey()

	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.managers[key]; ok {
		if existing.Active() {
			metrics.ManagersCreated.WithLabelValues("reused").Inc()
			return existing, nil
		}
		// A manager that died without being unregistered still occupies
		// the key; clear it before creating a replacement.
		f.removeLocked(ctx, key, "zombie")
	}

	userID := userCtx.UserID
	if f.perUser[userID] >= f.cfg.MaxManagersPerUser {
		reclaimed := f.emergencyCleanupLocked(ctx, userID)
		if reclaimed > 0 {
			f.log.Info("emergency cleanup reclaimed managers",
				zap.String("user_id", userID),
				zap.Int("reclaimed", reclaimed),
			)
		}
	}

	if f.perUser[userID] >= f.cfg.MaxManagersPerUser {
		if !f.cfg.EvictOldestOnSaturation || !f.evictOldestLocked(ctx, userID) {
			metrics.LimitRejections.Inc()
			return nil, apperrors.ErrManagerLimit.WithMessagef(
				"user %q reached the limit of %d connection managers", userID, f.cfg.MaxManagersPerUser)
		}
	}

	manager := newIsolatedManager(userCtx, f.cfg.RecoveryQueueSize, f.timeNow)
	f.managers[key] = manager
	f.perUser[userID]++
	f.createdAt[key] = f.timeNow()

	metrics.ManagersCreated.WithLabelValues("created").Inc()
	metrics.ActiveManagers.Inc()
	f.log.Info("manager created",
		zap.String("user_id", userID),
		zap.String("isolation_key", key),
		zap.Int("user_manager_count", f.perUser[userID]),
	)
	return manager, nil
}

// Manager returns the cached manager for a key without creating one.
func (f *ManagerFactory) Manager(key string) (*IsolatedManager, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	manager, ok := f.managers[key]
	return manager, ok
}

// CleanupManager removes and deactivates the manager for a key. It returns
// true only on the first successful removal; repeat calls and unknown keys
// return false.
func (f *ManagerFactory) CleanupManager(ctx context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeLocked(ctx, key, "requested")
}

// UserManagerCount reports how many managers a user currently holds.
func (f *ManagerFactory) UserManagerCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perUser[userID]
}

// Stats returns a snapshot of the factory registries.
func (f *ManagerFactory) Stats() FactoryStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	perUser := make(map[string]int, len(f.perUser))
	for userID, count := range f.perUser {
		perUser[userID] = count
	}
	return FactoryStats{
		TotalManagers:   len(f.managers),
		ManagersPerUser: perUser,
		Limit:           f.cfg.MaxManagersPerUser,
	}
}

// ManagerStats returns per-manager snapshots, most recently active first.
func (f *ManagerFactory) ManagerStats() []ManagerStats {
	f.mu.Lock()
	managers := make([]*IsolatedManager, 0, len(f.managers))
	for _, manager := range f.managers {
		managers = append(managers, manager)
	}
	f.mu.Unlock()

	stats := make([]ManagerStats, 0, len(managers))
	for _, manager := range managers {
		stats = append(stats, manager.Stats())
	}
	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].LastActivity.After(stats[j].LastActivity)
	})
	return stats
}

// SweepIdle evicts managers that have been idle beyond the connection
// timeout or that classify as zombies. Returns the number evicted.
func (f *ManagerFactory) SweepIdle(ctx context.Context) int {
	f.mu.Lock()
	type candidate struct {
		key     string
		manager *IsolatedManager
	}
	candidates := make([]candidate, 0, len(f.managers))
	for key, manager := range f.managers {
		candidates = append(candidates, candidate{key: key, manager: manager})
	}
	f.mu.Unlock()

	now := f.timeNow()
	evicted := 0
	for _, c := range candidates {
		var reason string
		switch {
		case now.Sub(c.manager.LastActivity()) > f.cfg.ConnectionTimeout:
			reason = "idle_timeout"
		case f.assessor.Classify(ctx, c.manager) == HealthZombie:
			reason = "zombie"
		default:
			continue
		}

		f.mu.Lock()
		// The manager may have been replaced while unlocked.
		if current, ok := f.managers[c.key]; ok && current == c.manager {
			if f.removeLocked(ctx, c.key, reason) {
				evicted++
			}
		}
		f.mu.Unlock()
	}

	if evicted > 0 {
		f.log.Info("idle sweep evicted managers", zap.Int("evicted", evicted))
	}
	return evicted
}

// Shutdown cleans up every tracked manager and clears the registries.
func (f *ManagerFactory) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	managers := f.managers
	f.managers = make(map[string]*IsolatedManager)
	f.perUser = make(map[string]int)
	f.createdAt = make(map[string]time.Time)
	f.mu.Unlock()

	var errs error
	for _, manager := range managers {
		errs = multierr.Append(errs, manager.CleanupAllConnections(ctx))
		metrics.ManagersEvicted.WithLabelValues("shutdown").Inc()
		metrics.ActiveManagers.Dec()
	}
	f.log.Info("factory shut down", zap.Int("managers_closed", len(managers)))
	return errs
}

// emergencyCleanupLocked reclaims unhealthy and zombie managers for one
// user. Isolation holds even here: only the user's own managers are
// candidates, other users' managers are never touched or merged.
func (f *ManagerFactory) emergencyCleanupLocked(ctx context.Context, userID string) int {
	reclaimed := 0
	for key, manager := range f.managers {
		if manager.Context().UserID != userID {
			continue
		}
		state := f.assessor.Classify(ctx, manager)
		if !Evictable(state) {
			continue
		}
		if f.removeLocked(ctx, key, string(state)) {
			reclaimed++
		}
	}
	return reclaimed
}

// evictOldestLocked force-evicts the user's oldest manager. Only reachable
// when EvictOldestOnSaturation is enabled.
func (f *ManagerFactory) evictOldestLocked(ctx context.Context, userID string) bool {
	var oldestKey string
	var oldestAt time.Time
	for key, manager := range f.managers {
		if manager.Context().UserID != userID {
			continue
		}
		created := f.createdAt[key]
		if oldestKey == "" || created.Before(oldestAt) {
			oldestKey = key
			oldestAt = created
		}
	}
	if oldestKey == "" {
		return false
	}

	f.log.Warn("saturation eviction of oldest manager",
		zap.String("user_id", userID),
		zap.String("isolation_key", oldestKey),
	)
	return f.removeLocked(ctx, oldestKey, "forced")
}

func (f *ManagerFactory) removeLocked(ctx context.Context, key, reason string) bool {
	manager, ok := f.managers[key]
	if !ok {
		return false
	}

	delete(f.managers, key)
	delete(f.createdAt, key)

	userID := manager.Context().UserID
	if f.perUser[userID] > 0 {
		f.perUser[userID]--
	}
	if f.perUser[userID] == 0 {
		delete(f.perUser, userID)
	}

	_ = manager.CleanupAllConnections(ctx)

	metrics.ManagersEvicted.WithLabelValues(reason).Inc()
	metrics.ActiveManagers.Dec()
	f.log.Debug("manager removed",
		zap.String("isolation_key", key),
		zap.String("reason", reason),
	)
	return true
}
