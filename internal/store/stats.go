package store

import (
	"context"
	"sort"

	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/model"
)

// statsWindowDays is the lookback used for the daily average.
const statsWindowDays = 7

// GetServerStats aggregates the guild view: user counts, category totals
// and a recent daily average computed from entry history.
func (s *Store) GetServerStats(ctx context.Context, guild int64) (*model.GuildStats, error) {
	stats := &model.GuildStats{GuildID: guild, CategoryTotals: map[string]int64{}}

	err := s.read(ctx, "get_server_stats", func(conn kv.Conn) error {
		users, err := conn.ZCard(ctx, keyLeaderboardTotal(guild))
		if err != nil {
			return err
		}
		stats.TotalUsers = users

		totals, err := conn.HGetAll(ctx, keyGuildTimes(guild))
		if err != nil {
			return err
		}
		for f, v := range totals {
			sec := parseID(string(v))
			if f == totalField {
				stats.TotalSeconds = sec
				continue
			}
			if sec > 0 {
				stats.CategoryTotals[f] = sec
			}
		}

		stats.Categories, err = conn.SMembers(ctx, keyCategories(guild))
		if err != nil {
			return err
		}
		sort.Strings(stats.Categories)

		// Daily average over the recent window, from entry history.
		now := s.now()
		cutoff := float64(now.AddDate(0, 0, -statsWindowDays).Unix())
		keys, err := scanAll(ctx, conn, patternEntries(guild))
		if err != nil {
			return err
		}
		var recent int64
		for _, k := range keys {
			zs, err := conn.ZRangeByScoreWithScores(ctx, k, cutoff, float64(now.Unix()+1))
			if err != nil {
				return err
			}
			for _, z := range zs {
				var entry model.TimeEntry
				if err := s.codec.Decode([]byte(z.Member), &entry); err != nil {
					continue
				}
				recent += entry.Seconds
			}
		}
		stats.DailyAverage = float64(recent) / float64(statsWindowDays)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sessions, err := s.ListActiveSessions(ctx, guild)
	if err != nil {
		return nil, err
	}
	stats.ActiveUsers = int64(len(sessions))
	return stats, nil
}

// ExportGuild collects a full dump of one guild's data for backup or
// migration.
func (s *Store) ExportGuild(ctx context.Context, guild int64) (*model.GuildExport, error) {
	settings, err := s.GetServerSettings(ctx, guild)
	if err != nil {
		return nil, err
	}
	categories, err := s.ListCategories(ctx, guild, true, true)
	if err != nil {
		return nil, err
	}
	sessions, err := s.ListActiveSessions(ctx, guild)
	if err != nil {
		return nil, err
	}

	export := &model.GuildExport{
		GuildID:    guild,
		Settings:   settings,
		Categories: categories,
		Sessions:   sessions,
		Entries:    map[int64][]model.TimeEntry{},
		ExportedAt: s.now().UTC(),
	}

	err = s.read(ctx, "export_guild", func(conn kv.Conn) error {
		userKeys, err := scanAll(ctx, conn, patternEntries(guild))
		if err != nil {
			return err
		}
		for _, k := range userKeys {
			zs, err := conn.ZRangeByScoreWithScores(ctx, k, 0, float64(s.now().Unix()+1))
			if err != nil {
				return err
			}
			for _, z := range zs {
				var entry model.TimeEntry
				if err := s.codec.Decode([]byte(z.Member), &entry); err != nil {
					s.log.Warn().Err(err).Str("key", k).Msg("skipping undecodable entry in export")
					continue
				}
				export.Entries[entry.UserID] = append(export.Entries[entry.UserID], entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	users := map[int64]bool{}
	for u := range export.Entries {
		users[u] = true
	}
	rows, err := s.fetchLeaderboard(ctx, keyLeaderboardTotal(guild))
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		users[r.UserID] = true
	}
	userIDs := make([]int64, 0, len(users))
	for u := range users {
		userIDs = append(userIDs, u)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })
	for _, u := range userIDs {
		rec, err := s.GetUserTimes(ctx, guild, u, false)
		if err != nil {
			return nil, err
		}
		export.Users = append(export.Users, *rec)
	}
	return export, nil
}
