package store

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/timekeeperhq/trackstore/internal/breaker"
	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/model"
)

// GetActiveSession returns the user's active session, or nil if they are
// clocked out.
func (s *Store) GetActiveSession(ctx context.Context, guild, user int64) (*model.ActiveSession, error) {
	var raw []byte
	err := s.read(ctx, "get_session", func(conn kv.Conn) error {
		var err error
		raw, err = conn.Get(ctx, keySession(guild, user))
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var sess model.ActiveSession
	if err := s.codec.Decode(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateActiveSession claims the user's single session slot. It fails with
// model.ErrConflict if a session already exists; the set-if-absent write is
// what enforces the at-most-one invariant under concurrency.
//
// Session creation is never diverted to the fallback queue: a clock-in that
// cannot reach the backend must fail, otherwise two replicas of the truth
// could disagree about who is clocked in.
func (s *Store) CreateActiveSession(ctx context.Context, sess *model.ActiveSession) error {
	encoded, err := s.codec.Encode(ctx, sess)
	if err != nil {
		return err
	}
	var claimed bool
	err = s.write(ctx, "create_session", nil, func(conn kv.Conn) error {
		var err error
		claimed, err = conn.SetNX(ctx, keySession(sess.GuildID, sess.UserID), encoded, 0)
		return err
	})
	if err != nil {
		var open *model.CircuitBreakerOpenError
		if errors.As(err, &open) {
			return &model.BackendUnavailableError{Err: err}
		}
		return err
	}
	if !claimed {
		return errors.Wrap(model.ErrConflict, "active session exists")
	}
	return nil
}

// DeleteActiveSession clears the user's session slot.
func (s *Store) DeleteActiveSession(ctx context.Context, guild, user int64) error {
	key := keySession(guild, user)
	err := s.write(ctx, "delete_session",
		[]breaker.QueuedWrite{queued(KindDel, mutation{Keys: []string{key}})},
		func(conn kv.Conn) error {
			return conn.Del(ctx, key)
		})
	if err != nil && !errors.Is(err, breaker.ErrQueued) {
		return err
	}
	return nil
}

// ListActiveSessions returns every active session in a guild, ordered by
// user id.
func (s *Store) ListActiveSessions(ctx context.Context, guild int64) ([]model.ActiveSession, error) {
	var out []model.ActiveSession
	err := s.read(ctx, "list_sessions", func(conn kv.Conn) error {
		keys, err := scanAll(ctx, conn, patternSessions(guild))
		if err != nil {
			return err
		}
		out = out[:0]
		for _, k := range keys {
			raw, err := conn.Get(ctx, k)
			if err != nil {
				return err
			}
			if len(raw) == 0 {
				continue
			}
			var sess model.ActiveSession
			if err := s.codec.Decode(raw, &sess); err != nil {
				s.log.Warn().Err(err).Str("key", k).Msg("skipping undecodable session")
				continue
			}
			out = append(out, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
