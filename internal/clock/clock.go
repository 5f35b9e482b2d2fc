// Package clock implements the clock-in/clock-out state machine on top of
// the tracking store. Transitions for a single (guild,user) pair are
// serialized through sharded locks so concurrent requests always observe
// each other's effects.
package clock

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/timekeeperhq/trackstore/internal/model"
	"github.com/timekeeperhq/trackstore/internal/store"
)

// RoleAssigner is the external role side effect invoked around session
// transitions. All calls are best-effort: failures are logged, never fatal.
type RoleAssigner interface {
	AssignRole(ctx context.Context, guild, user int64, roleHint string) (bool, error)
	RemoveRole(ctx context.Context, guild, user int64, roleHint string) (bool, error)
	// RoleHolders lists the users currently carrying roleHint, for
	// reconciliation.
	RoleHolders(ctx context.Context, guild int64, roleHint string) ([]int64, error)
}

// NopRoles is a RoleAssigner that does nothing, for deployments without an
// external role system.
type NopRoles struct{}

func (NopRoles) AssignRole(context.Context, int64, int64, string) (bool, error) { return false, nil }
func (NopRoles) RemoveRole(context.Context, int64, int64, string) (bool, error) { return false, nil }
func (NopRoles) RoleHolders(context.Context, int64, string) ([]int64, error)    { return nil, nil }

const lockShards = 64

// Engine drives session state transitions.
type Engine struct {
	store *store.Store
	roles RoleAssigner
	log   zerolog.Logger
	locks [lockShards]sync.Mutex
	now   func() time.Time
}

// New builds an engine. A nil roles falls back to NopRoles.
func New(st *store.Store, roles RoleAssigner, log zerolog.Logger) *Engine {
	if roles == nil {
		roles = NopRoles{}
	}
	return &Engine{
		store: st,
		roles: roles,
		log:   log.With().Str("component", "clock").Logger(),
		now:   time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (e *Engine) SetNow(now func() time.Time) { e.now = now }

func (e *Engine) lock(guild, user int64) *sync.Mutex {
	h := fnv.New64a()
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(guild >> (8 * i))
		buf[8+i] = byte(user >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return &e.locks[h.Sum64()%lockShards]
}

// ClockInResult reports a clock-in attempt.
type ClockInResult struct {
	Success   bool
	ErrorCode string
	SessionID string
	StartUnix int64
}

// ClockOutResult reports a clock-out attempt.
type ClockOutResult struct {
	Success         bool
	ErrorCode       string
	Category        string
	DurationSeconds int64
	StartUnix       int64
	EndUnix         int64
	NewTotal        int64
	// Capped is set when the recorded duration was clamped to the guild's
	// session limit.
	Capped bool
}

// Status is the current clock state of one user.
type Status struct {
	ClockedIn       bool
	Session         *model.ActiveSession
	DurationSeconds int64
	Totals          *model.UserTimeRecord
}

// ClockIn starts a session. The session slot claim is what enforces
// at-most-one; the role side effect runs only after the claim commits.
func (e *Engine) ClockIn(ctx context.Context, guild, user int64, category, roleHint string, metadata map[string]string) (ClockInResult, error) {
	mu := e.lock(guild, user)
	mu.Lock()
	defer mu.Unlock()

	ok, err := e.store.ValidateCategory(ctx, guild, category)
	if err != nil {
		return ClockInResult{}, err
	}
	if !ok {
		return ClockInResult{ErrorCode: model.CodeValidation}, nil
	}

	sess := &model.ActiveSession{
		GuildID:   guild,
		UserID:    user,
		SessionID: uuid.NewString(),
		Category:  store.NormalizeCategoryName(category),
		RoleHint:  roleHint,
		StartUnix: e.now().Unix(),
		Metadata:  metadata,
	}
	if err := e.store.CreateActiveSession(ctx, sess); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return ClockInResult{ErrorCode: model.CodeAlreadyClockedIn}, nil
		}
		return ClockInResult{}, err
	}

	if roleHint != "" {
		if _, err := e.roles.AssignRole(ctx, guild, user, roleHint); err != nil {
			e.log.Warn().Err(err).Int64("guild", guild).Int64("user", user).Msg("role assignment failed")
		}
	}
	return ClockInResult{Success: true, SessionID: sess.SessionID, StartUnix: sess.StartUnix}, nil
}

// ClockOut ends a session, records the time and clears the slot. With force
// set, a missing session is a successful no-op so forced sweeps are
// idempotent.
func (e *Engine) ClockOut(ctx context.Context, guild, user int64, force bool) (ClockOutResult, error) {
	mu := e.lock(guild, user)
	mu.Lock()
	defer mu.Unlock()

	sess, err := e.store.GetActiveSession(ctx, guild, user)
	if err != nil {
		return ClockOutResult{}, err
	}
	if sess == nil {
		if force {
			return ClockOutResult{Success: true}, nil
		}
		return ClockOutResult{ErrorCode: model.CodeNotClockedIn}, nil
	}

	now := e.now()
	duration := sess.Duration(now)

	settings, err := e.store.GetServerSettings(ctx, guild)
	if err != nil {
		return ClockOutResult{}, err
	}
	capped := false
	if max := int64(settings.MaxSessionHours) * 3600; max > 0 && duration > max {
		duration = max
		capped = true
	}

	entry := model.TimeEntry{
		GuildID:       guild,
		UserID:        user,
		Category:      sess.Category,
		Seconds:       duration,
		SessionID:     sess.SessionID,
		TimestampUnix: now.Unix(),
	}
	// Clear the slot before recording. If recording ran first and the
	// delete then failed, a retried clock-out would find the session still
	// live and record the same time again. Slot deletes queue while the
	// backend is down, so this order never strands the slot.
	if err := e.store.DeleteActiveSession(ctx, guild, user); err != nil {
		return ClockOutResult{}, err
	}
	newTotal, err := e.store.RecordEntry(ctx, entry)
	if err != nil {
		return ClockOutResult{}, err
	}

	if sess.RoleHint != "" {
		if _, err := e.roles.RemoveRole(ctx, guild, user, sess.RoleHint); err != nil {
			e.log.Warn().Err(err).Int64("guild", guild).Int64("user", user).Msg("role removal failed")
		}
	}

	res := ClockOutResult{
		Success:         true,
		Category:        sess.Category,
		DurationSeconds: duration,
		StartUnix:       sess.StartUnix,
		EndUnix:         now.Unix(),
		NewTotal:        newTotal,
		Capped:          capped,
	}
	if capped {
		res.ErrorCode = model.CodeSessionTooLong
	}
	return res, nil
}

// GetStatus reports the user's live session, or their historical totals if
// clocked out.
func (e *Engine) GetStatus(ctx context.Context, guild, user int64) (Status, error) {
	sess, err := e.store.GetActiveSession(ctx, guild, user)
	if err != nil {
		return Status{}, err
	}
	if sess != nil {
		return Status{
			ClockedIn:       true,
			Session:         sess,
			DurationSeconds: sess.Duration(e.now()),
		}, nil
	}
	rec, err := e.store.GetUserTimes(ctx, guild, user, true)
	if err != nil {
		return Status{}, err
	}
	return Status{Totals: rec}, nil
}

// ForceClockOutAll force-completes every active session in a guild and
// returns how many sessions it closed.
func (e *Engine) ForceClockOutAll(ctx context.Context, guild int64) (int, error) {
	sessions, err := e.store.ListActiveSessions(ctx, guild)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, sess := range sessions {
		res, err := e.ClockOut(ctx, guild, sess.UserID, true)
		if err != nil {
			return closed, err
		}
		if res.Success {
			closed++
		}
	}
	return closed, nil
}

// CleanupReport lists what a reconciliation pass changed.
type CleanupReport struct {
	SessionsRemoved []int64
	RolesRemoved    []int64
}

// CleanupOrphanedRoles reconciles session state against the external role
// state: sessions whose role disappeared are cleared, and roles with no
// backing session are removed.
func (e *Engine) CleanupOrphanedRoles(ctx context.Context, guild int64, roleHint string) (CleanupReport, error) {
	var report CleanupReport
	sessions, err := e.store.ListActiveSessions(ctx, guild)
	if err != nil {
		return report, err
	}
	holders, err := e.roles.RoleHolders(ctx, guild, roleHint)
	if err != nil {
		return report, errors.Wrap(err, "clock: list role holders")
	}

	holderSet := make(map[int64]bool, len(holders))
	for _, u := range holders {
		holderSet[u] = true
	}
	sessionSet := make(map[int64]bool, len(sessions))
	for _, sess := range sessions {
		if sess.RoleHint != roleHint {
			continue
		}
		sessionSet[sess.UserID] = true
		if holderSet[sess.UserID] {
			continue
		}
		if err := e.store.DeleteActiveSession(ctx, guild, sess.UserID); err != nil {
			return report, err
		}
		report.SessionsRemoved = append(report.SessionsRemoved, sess.UserID)
	}
	for _, u := range holders {
		if sessionSet[u] {
			continue
		}
		if _, err := e.roles.RemoveRole(ctx, guild, u, roleHint); err != nil {
			e.log.Warn().Err(err).Int64("guild", guild).Int64("user", u).Msg("orphaned role removal failed")
			continue
		}
		report.RolesRemoved = append(report.RolesRemoved, u)
	}

	if len(report.SessionsRemoved) > 0 || len(report.RolesRemoved) > 0 {
		e.log.Info().
			Ints64("sessions_removed", report.SessionsRemoved).
			Ints64("roles_removed", report.RolesRemoved).
			Msg("reconciled orphaned roles")
	}
	return report, nil
}
