package isolation

import (
	"context"
	"time"
)

// HealthState classifies a manager for eviction decisions.
type HealthState string

const (
	// HealthHealthy managers are kept.
	HealthHealthy HealthState = "healthy"
	// HealthIdle managers are kept; the state is informational.
	HealthIdle HealthState = "idle"
	// HealthUnhealthy managers are evicted during emergency cleanup.
	HealthUnhealthy HealthState = "unhealthy"
	// HealthZombie managers are always evicted: flagged active but unable
	// to deliver anything.
	HealthZombie HealthState = "zombie"
)

// CleanupMode selects how aggressively the assessor treats stale managers.
type CleanupMode string

const (
	CleanupModerate   CleanupMode = "moderate"
	CleanupAggressive CleanupMode = "aggressive"
)

const (
	defaultProbeTimeout = time.Second

	// Idle thresholds before a manager without traffic is considered stale.
	moderateStaleAfter   = 30 * time.Minute
	aggressiveStaleAfter = 5 * time.Minute

	// Grace period after creation before an empty manager counts as stale.
	emptyManagerGrace = time.Minute
)

// HealthAssessor decides whether a manager that claims to be active is
// actually usable. The factory consults it before evicting under cap
// pressure and during periodic sweeps.
type HealthAssessor struct {
	mode         CleanupMode
	probeTimeout time.Duration
	staleAfter   time.Duration
	timeNow      func() time.Time
}

// NewHealthAssessor builds an assessor for the given cleanup mode.
func NewHealthAssessor(mode CleanupMode, probeTimeout time.Duration, timeNow func() time.Time) *HealthAssessor {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	if timeNow == nil {
		timeNow = time.Now
	}

	staleAfter := moderateStaleAfter
	if mode == CleanupAggressive {
		staleAfter = aggressiveStaleAfter
	} else {
		mode = CleanupModerate
	}

	return &HealthAssessor{
		mode:         mode,
		probeTimeout: probeTimeout,
		staleAfter:   staleAfter,
		timeNow:      timeNow,
	}
}

// Mode returns the configured cleanup mode.
func (a *HealthAssessor) Mode() CleanupMode { return a.mode }

// Classify grades a manager. The combination of signals is deliberate: the
// explicit inactive flag, per-connection liveness probes, last-activity age,
// and internal count consistency each catch a different zombie shape.
func (a *HealthAssessor) Classify(ctx context.Context, m *IsolatedManager) HealthState {
	if m == nil || !m.Active() {
		return HealthZombie
	}

	now := a.timeNow()
	idleFor := now.Sub(m.LastActivity())
	records := m.registry.snapshot()

	if len(records) == 0 {
		// A manager that claims activity but holds nothing and has not
		// moved in a while is state inconsistency, not idleness.
		stats := m.Stats()
		if stats.ConnectionsManaged > 0 && idleFor > a.staleAfter {
			return HealthZombie
		}
		if idleFor > emptyManagerGrace {
			if idleFor > a.staleAfter {
				return HealthZombie
			}
			return HealthIdle
		}
		return HealthHealthy
	}

	alive := 0
	for _, record := range records {
		if a.probe(ctx, record) {
			alive++
		}
	}

	switch {
	case alive == 0:
		return HealthZombie
	case alive < len(records):
		return HealthUnhealthy
	case idleFor > a.staleAfter:
		if a.mode == CleanupAggressive {
			return HealthZombie
		}
		return HealthUnhealthy
	case idleFor > a.staleAfter/2:
		return HealthIdle
	default:
		return HealthHealthy
	}
}

// Evictable reports whether a state qualifies for emergency eviction.
func Evictable(state HealthState) bool {
	return state == HealthUnhealthy || state == HealthZombie
}

// probe checks a single connection, treating an unresponsive transport as
// dead rather than retrying.
func (a *HealthAssessor) probe(ctx context.Context, record *ConnectionRecord) bool {
	if record.Transport == nil || !record.Transport.IsConnected() {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	return record.Transport.Ping(probeCtx) == nil
}
