package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/timekeeperhq/trackstore/internal/batch"
	"github.com/timekeeperhq/trackstore/internal/breaker"
	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/model"
)

// Max single delta accepted by AddTime; larger values are almost certainly
// caller bugs (24h in seconds).
const maxTimeDelta = 24 * 60 * 60

// GetUserTimes returns a user's accumulated record, or a zero record if the
// user has none. Metadata (entry count, first/last entry) costs extra reads
// and is attached only on request.
func (s *Store) GetUserTimes(ctx context.Context, guild, user int64, includeMetadata bool) (*model.UserTimeRecord, error) {
	key := keyUserTimes(guild, user)
	if !includeMetadata {
		if rec, ok := s.userCache.Get(key); ok {
			cp := cloneRecord(rec)
			return &cp, nil
		}
	}

	rec := model.UserTimeRecord{GuildID: guild, UserID: user, Categories: map[string]int64{}}
	err := s.read(ctx, "get_user_times", func(conn kv.Conn) error {
		fields, err := conn.HGetAll(ctx, key)
		if err != nil {
			return err
		}
		for f, v := range fields {
			sec := parseID(string(v))
			if f == totalField {
				rec.TotalSeconds = sec
				continue
			}
			rec.Categories[f] = sec
		}
		if !includeMetadata {
			return nil
		}
		entries, err := conn.ZRangeByScoreWithScores(ctx, keyEntries(guild, user), 0, float64(s.now().Unix()+1))
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			rec.Metadata = &model.UserMetadata{
				FirstEntryUnix: int64(entries[0].Score),
				LastEntryUnix:  int64(entries[len(entries)-1].Score),
				TotalSessions:  int64(len(entries)),
			}
		}
		return nil
	})
	if err != nil {
		// A breaker-open miss can still be served from cache without
		// metadata.
		if rec, ok := s.userCache.Get(key); ok {
			cp := cloneRecord(rec)
			return &cp, nil
		}
		return nil, err
	}

	if !includeMetadata {
		s.userCache.Add(key, cloneRecord(rec))
	}
	return &rec, nil
}

// AddTime atomically adds seconds to a user's category total and returns
// the user's new overall total. The user-record increments apply
// synchronously; entry history, guild totals and leaderboards ride the
// batch writer.
func (s *Store) AddTime(ctx context.Context, guild, user int64, rawCategory string, seconds int64) (int64, error) {
	category := NormalizeCategoryName(rawCategory)
	if seconds <= 0 || seconds > maxTimeDelta {
		return 0, errors.Wrapf(model.ErrValidation, "seconds out of range: %d", seconds)
	}
	ok, err := s.ValidateCategory(ctx, guild, category)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Wrapf(model.ErrValidation, "unknown category %q", category)
	}

	entry := model.TimeEntry{
		GuildID:       guild,
		UserID:        user,
		Category:      category,
		Seconds:       seconds,
		SessionID:     uuid.NewString(),
		TimestampUnix: s.now().Unix(),
	}
	return s.applyTime(ctx, entry)
}

// RecordEntry commits a completed session entry produced by the clock
// engine. Unlike AddTime it does not revalidate the category, since a
// session may legitimately finish after its category was archived.
func (s *Store) RecordEntry(ctx context.Context, entry model.TimeEntry) (int64, error) {
	if entry.Seconds < 0 {
		return 0, errors.Wrapf(model.ErrValidation, "seconds negative: %d", entry.Seconds)
	}
	entry.Category = NormalizeCategoryName(entry.Category)
	if entry.SessionID == "" {
		entry.SessionID = uuid.NewString()
	}
	if entry.TimestampUnix == 0 {
		entry.TimestampUnix = s.now().Unix()
	}
	return s.applyTime(ctx, entry)
}

// applyTime commits a completed entry: synchronous user-hash increments for
// an authoritative new total, everything else batched.
func (s *Store) applyTime(ctx context.Context, entry model.TimeEntry) (int64, error) {
	guild, user := entry.GuildID, entry.UserID
	userKey := keyUserTimes(guild, user)

	var newTotal int64
	fallbacks := []breaker.QueuedWrite{
		batch.QueuedHIncrBy(userKey, entry.Category, entry.Seconds),
		batch.QueuedHIncrBy(userKey, totalField, entry.Seconds),
	}
	err := s.write(ctx, "add_time", fallbacks, func(conn kv.Conn) error {
		if _, err := conn.HIncrBy(ctx, userKey, entry.Category, entry.Seconds); err != nil {
			return err
		}
		var err error
		newTotal, err = conn.HIncrBy(ctx, userKey, totalField, entry.Seconds)
		return err
	})
	if errors.Is(err, breaker.ErrQueued) {
		// Backend down: the increments are queued. Estimate the total from
		// cache so callers still get a usable number.
		if rec, ok := s.userCache.Get(userKey); ok {
			newTotal = rec.TotalSeconds + entry.Seconds
		} else {
			newTotal = entry.Seconds
		}
	} else if err != nil {
		return 0, err
	}

	encoded, err := s.codec.Encode(ctx, &entry)
	if err != nil {
		return 0, err
	}
	userID := formatID(user)
	s.batch.ZAdd(ctx, keyEntries(guild, user), kv.Z{Member: string(encoded), Score: float64(entry.TimestampUnix)})
	s.batch.HIncrBy(ctx, keyGuildTimes(guild), entry.Category, entry.Seconds)
	s.batch.HIncrBy(ctx, keyGuildTimes(guild), totalField, entry.Seconds)
	s.batch.ZIncrBy(ctx, keyLeaderboardTotal(guild), userID, float64(entry.Seconds))
	s.batch.ZIncrBy(ctx, keyLeaderboard(guild, entry.Category), userID, float64(entry.Seconds))

	s.userCache.Remove(userKey)
	s.lbCache.Remove(keyLeaderboardTotal(guild))
	s.lbCache.Remove(keyLeaderboard(guild, entry.Category))
	return newTotal, nil
}

// SetUserTime overwrites a user's seconds in one category (admin override).
// Totals, guild counters and both leaderboards are rewritten to match.
func (s *Store) SetUserTime(ctx context.Context, guild, user int64, rawCategory string, seconds int64) error {
	category := NormalizeCategoryName(rawCategory)
	if seconds < 0 {
		return errors.Wrapf(model.ErrValidation, "seconds negative: %d", seconds)
	}
	ok, err := s.ValidateCategory(ctx, guild, category)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(model.ErrValidation, "unknown category %q", category)
	}

	userKey := keyUserTimes(guild, user)
	var current int64
	err = s.read(ctx, "get_user_times", func(conn kv.Conn) error {
		b, err := conn.HGet(ctx, userKey, category)
		if err != nil {
			return err
		}
		current = parseID(string(b))
		return nil
	})
	if err != nil {
		return err
	}
	diff := seconds - current
	if diff == 0 {
		return nil
	}

	userID := formatID(user)
	fallbacks := []breaker.QueuedWrite{
		queued(KindHSet, mutation{Key: userKey, Fields: map[string][]byte{category: []byte(formatID(seconds))}}),
		batch.QueuedHIncrBy(userKey, totalField, diff),
		batch.QueuedHIncrBy(keyGuildTimes(guild), category, diff),
		batch.QueuedHIncrBy(keyGuildTimes(guild), totalField, diff),
		batch.QueuedZIncrBy(keyLeaderboardTotal(guild), userID, float64(diff)),
		batch.QueuedZAdd(keyLeaderboard(guild, category), kv.Z{Member: userID, Score: float64(seconds)}),
	}
	err = s.write(ctx, "set_user_time", fallbacks, func(conn kv.Conn) error {
		pipe := conn.Pipeline()
		pipe.HSet(userKey, map[string][]byte{category: []byte(formatID(seconds))})
		pipe.HIncrBy(userKey, totalField, diff)
		pipe.HIncrBy(keyGuildTimes(guild), category, diff)
		pipe.HIncrBy(keyGuildTimes(guild), totalField, diff)
		pipe.ZIncrBy(keyLeaderboardTotal(guild), float64(diff), userID)
		pipe.ZAdd(keyLeaderboard(guild, category), kv.Z{Member: userID, Score: float64(seconds)})
		return pipe.Exec(ctx)
	})
	if err != nil && !errors.Is(err, breaker.ErrQueued) {
		return err
	}

	s.userCache.Remove(userKey)
	s.lbCache.Remove(keyLeaderboardTotal(guild))
	s.lbCache.Remove(keyLeaderboard(guild, category))
	return nil
}

// DeleteUser removes a user's record, history and leaderboard presence.
// It reports whether a record existed.
func (s *Store) DeleteUser(ctx context.Context, guild, user int64) (bool, error) {
	rec, err := s.GetUserTimes(ctx, guild, user, false)
	if err != nil {
		return false, err
	}
	existed := rec.TotalSeconds > 0 || len(rec.Categories) > 0
	if !existed {
		var hasEntries bool
		err := s.read(ctx, "delete_user_lookup", func(conn kv.Conn) error {
			n, err := conn.ZCard(ctx, keyEntries(guild, user))
			hasEntries = n > 0
			return err
		})
		if err != nil {
			return false, err
		}
		if !hasEntries {
			return false, nil
		}
		existed = true
	}

	userID := formatID(user)
	fallbacks := []breaker.QueuedWrite{
		batch.QueuedHIncrBy(keyGuildTimes(guild), totalField, -rec.TotalSeconds),
		queued(KindZRem, mutation{Key: keyLeaderboardTotal(guild), Members: []string{userID}}),
		queued(KindDel, mutation{Keys: []string{keyUserTimes(guild, user), keyEntries(guild, user), keySession(guild, user)}}),
	}
	for cat, sec := range rec.Categories {
		fallbacks = append(fallbacks,
			batch.QueuedHIncrBy(keyGuildTimes(guild), cat, -sec),
			queued(KindZRem, mutation{Key: keyLeaderboard(guild, cat), Members: []string{userID}}),
		)
	}
	err = s.write(ctx, "delete_user", fallbacks, func(conn kv.Conn) error {
		pipe := conn.Pipeline()
		pipe.HIncrBy(keyGuildTimes(guild), totalField, -rec.TotalSeconds)
		for cat, sec := range rec.Categories {
			pipe.HIncrBy(keyGuildTimes(guild), cat, -sec)
		}
		pipe.Del(keyUserTimes(guild, user), keyEntries(guild, user), keySession(guild, user))
		if err := pipe.Exec(ctx); err != nil {
			return err
		}
		if err := conn.ZRem(ctx, keyLeaderboardTotal(guild), userID); err != nil {
			return err
		}
		for cat := range rec.Categories {
			if err := conn.ZRem(ctx, keyLeaderboard(guild, cat), userID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, breaker.ErrQueued) {
		return false, err
	}

	s.userCache.Remove(keyUserTimes(guild, user))
	s.lbCache.Purge()
	return true, nil
}

// PruneEntries drops TimeEntry history older than retention across the
// guild, returning how many entries were removed. Accumulated totals are
// untouched; only the per-entry history shrinks.
func (s *Store) PruneEntries(ctx context.Context, guild int64, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, errors.Wrap(model.ErrValidation, "retention must be positive")
	}
	cutoff := float64(s.now().Add(-retention).Unix())

	var keys []string
	err := s.read(ctx, "prune_scan", func(conn kv.Conn) error {
		var err error
		keys, err = scanAll(ctx, conn, patternEntries(guild))
		return err
	})
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, key := range keys {
		key := key
		err := s.write(ctx, "prune_entries",
			[]breaker.QueuedWrite{queued(KindZRemRange, mutation{Key: key, Min: 0, Max: cutoff})},
			func(conn kv.Conn) error {
				n, err := conn.ZRemRangeByScore(ctx, key, 0, cutoff)
				removed += n
				return err
			})
		if err != nil && !errors.Is(err, breaker.ErrQueued) {
			return removed, err
		}
	}
	return removed, nil
}

func cloneRecord(rec model.UserTimeRecord) model.UserTimeRecord {
	cp := rec
	cp.Categories = make(map[string]int64, len(rec.Categories))
	for k, v := range rec.Categories {
		cp.Categories[k] = v
	}
	return cp
}
