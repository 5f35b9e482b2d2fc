package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/model"
)

// Time range selectors accepted by GetServerLeaderboard.
const (
	RangeAll   = "all"
	RangeWeek  = "week"
	RangeMonth = "month"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// LeaderboardOptions filters and shapes a leaderboard query.
type LeaderboardOptions struct {
	Category     string
	Limit        int
	TimeRange    string
	IncludeStats bool
}

// GetServerLeaderboard returns the guild ranking by total seconds
// descending. Ties break by ascending user id, so repeated queries over the
// same data always agree. Concurrent identical queries collapse into one
// backing-store fetch.
func (s *Store) GetServerLeaderboard(ctx context.Context, guild int64, opts LeaderboardOptions) ([]model.LeaderboardEntry, error) {
	category := NormalizeCategoryName(opts.Category)
	if opts.Limit <= 0 {
		opts.Limit = defaultLeaderboardLimit
	}
	if opts.Limit > maxLeaderboardLimit {
		opts.Limit = maxLeaderboardLimit
	}
	switch opts.TimeRange {
	case "", RangeAll:
		opts.TimeRange = RangeAll
	case RangeWeek, RangeMonth:
	default:
		return nil, errors.Wrapf(model.ErrValidation, "unknown time range %q", opts.TimeRange)
	}

	key := keyLeaderboard(guild, category)
	cacheable := opts.TimeRange == RangeAll
	if cacheable {
		if rows, ok := s.lbCache.Get(key); ok {
			return s.finishLeaderboard(ctx, guild, category, rows, opts)
		}
	}

	sfKey := fmt.Sprintf("%s|%s", key, opts.TimeRange)
	v, err, _ := s.lbGroup.Do(sfKey, func() (interface{}, error) {
		if opts.TimeRange == RangeAll {
			return s.fetchLeaderboard(ctx, key)
		}
		return s.computeRangedLeaderboard(ctx, guild, category, opts.TimeRange)
	})
	if err != nil {
		return nil, err
	}
	rows := v.([]model.LeaderboardEntry)
	if cacheable {
		s.lbCache.Add(key, rows)
	}
	return s.finishLeaderboard(ctx, guild, category, rows, opts)
}

// fetchLeaderboard reads a full sorted set and ranks it deterministically.
func (s *Store) fetchLeaderboard(ctx context.Context, key string) ([]model.LeaderboardEntry, error) {
	var zs []kv.Z
	err := s.read(ctx, "get_leaderboard", func(conn kv.Conn) error {
		var err error
		zs, err = conn.ZRevRangeWithScores(ctx, key, 0, -1)
		return err
	})
	if err != nil {
		return nil, err
	}
	rows := make([]model.LeaderboardEntry, 0, len(zs))
	for _, z := range zs {
		if z.Score <= 0 {
			continue
		}
		rows = append(rows, model.LeaderboardEntry{
			UserID:  parseID(z.Member),
			Seconds: int64(z.Score),
		})
	}
	rankRows(rows)
	return rows, nil
}

// computeRangedLeaderboard aggregates entry history newer than the range
// cutoff, since the materialized sorted sets only hold all-time totals.
func (s *Store) computeRangedLeaderboard(ctx context.Context, guild int64, category, timeRange string) ([]model.LeaderboardEntry, error) {
	now := s.now()
	cutoff := now.AddDate(0, 0, -7)
	if timeRange == RangeMonth {
		cutoff = now.AddDate(0, -1, 0)
	}

	totals := map[int64]int64{}
	err := s.read(ctx, "get_leaderboard_ranged", func(conn kv.Conn) error {
		keys, err := scanAll(ctx, conn, patternEntries(guild))
		if err != nil {
			return err
		}
		for _, k := range keys {
			zs, err := conn.ZRangeByScoreWithScores(ctx, k, float64(cutoff.Unix()), float64(now.Unix()+1))
			if err != nil {
				return err
			}
			for _, z := range zs {
				var entry model.TimeEntry
				if err := s.codec.Decode([]byte(z.Member), &entry); err != nil {
					s.log.Warn().Err(err).Str("key", k).Msg("skipping undecodable time entry")
					continue
				}
				if category != "" && entry.Category != category {
					continue
				}
				totals[entry.UserID] += entry.Seconds
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows := make([]model.LeaderboardEntry, 0, len(totals))
	for user, sec := range totals {
		if sec > 0 {
			rows = append(rows, model.LeaderboardEntry{UserID: user, Seconds: sec})
		}
	}
	rankRows(rows)
	return rows, nil
}

// finishLeaderboard applies the limit and attaches per-row stats when
// requested. Rows are copied so cached slices stay immutable.
func (s *Store) finishLeaderboard(ctx context.Context, guild int64, category string, rows []model.LeaderboardEntry, opts LeaderboardOptions) ([]model.LeaderboardEntry, error) {
	n := len(rows)
	if n > opts.Limit {
		n = opts.Limit
	}
	out := make([]model.LeaderboardEntry, n)
	copy(out, rows[:n])

	if !opts.IncludeStats {
		return out, nil
	}
	for i := range out {
		stats, err := s.rowStats(ctx, guild, out[i].UserID, category)
		if err != nil {
			return nil, err
		}
		out[i].Stats = stats
	}
	return out, nil
}

func (s *Store) rowStats(ctx context.Context, guild, user int64, category string) (*model.LeaderboardStats, error) {
	rec, err := s.GetUserTimes(ctx, guild, user, false)
	if err != nil {
		return nil, err
	}
	stats := &model.LeaderboardStats{}
	if rec.TotalSeconds > 0 && category != "" {
		stats.CategoryPercent = 100 * float64(rec.Categories[category]) / float64(rec.TotalSeconds)
	}
	err = s.read(ctx, "row_stats", func(conn kv.Conn) error {
		zs, err := conn.ZRevRangeWithScores(ctx, keyEntries(guild, user), 0, 0)
		if err != nil {
			return err
		}
		if len(zs) > 0 {
			stats.LastEntryUnix = int64(zs[0].Score)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// rankRows orders by seconds descending, user id ascending, and numbers the
// ranks from 1.
func rankRows(rows []model.LeaderboardEntry) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Seconds != rows[j].Seconds {
			return rows[i].Seconds > rows[j].Seconds
		}
		return rows[i].UserID < rows[j].UserID
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
}
