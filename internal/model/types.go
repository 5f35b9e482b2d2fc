// Package model holds the persisted record types and the shared error
// taxonomy of the tracking store. Records carry msgpack tags because they
// travel through the binary codec; timestamps are unix seconds so that a
// decode(encode(x)) round trip is byte-for-byte stable.
package model

import "time"

// Category is the per-guild definition of a trackable activity.
type Category struct {
	GuildID            int64   `msgpack:"g"`
	Name               string  `msgpack:"n"`
	Description        string  `msgpack:"d,omitempty"`
	Color              string  `msgpack:"c,omitempty"`
	ProductivityWeight float64 `msgpack:"w"`
	Active             bool    `msgpack:"a"`
	CreatedBy          int64   `msgpack:"cb,omitempty"`
	CreatedAtUnix      int64   `msgpack:"ca"`
	ArchivedAtUnix     int64   `msgpack:"aa,omitempty"`
	ArchivedBy         int64   `msgpack:"ab,omitempty"`

	// UsageSeconds and UsageUsers are derived from the guild totals and
	// leaderboards at read time, never stored.
	UsageSeconds int64 `msgpack:"-"`
	UsageUsers   int64 `msgpack:"-"`
}

// UserTimeRecord is the accumulated time of one user in one guild.
// TotalSeconds always equals the sum of Categories.
type UserTimeRecord struct {
	GuildID      int64            `msgpack:"g"`
	UserID       int64            `msgpack:"u"`
	TotalSeconds int64            `msgpack:"t"`
	Categories   map[string]int64 `msgpack:"c"`
	Metadata     *UserMetadata    `msgpack:"m,omitempty"`
}

// UserMetadata is optional per-user bookkeeping attached on request.
type UserMetadata struct {
	FirstEntryUnix int64 `msgpack:"f,omitempty"`
	LastEntryUnix  int64 `msgpack:"l,omitempty"`
	TotalSessions  int64 `msgpack:"s,omitempty"`
}

// TimeEntry is one completed session, immutable once appended.
type TimeEntry struct {
	GuildID       int64  `msgpack:"g"`
	UserID        int64  `msgpack:"u"`
	Category      string `msgpack:"c"`
	Seconds       int64  `msgpack:"s"`
	SessionID     string `msgpack:"sid"`
	TimestampUnix int64  `msgpack:"ts"`
}

// ActiveSession is the single clock-in slot of a (guild,user) pair.
// At most one exists per pair; creation goes through a set-if-absent write.
type ActiveSession struct {
	GuildID       int64             `msgpack:"g"`
	UserID        int64             `msgpack:"u"`
	SessionID     string            `msgpack:"sid"`
	Category      string            `msgpack:"c"`
	RoleHint      string            `msgpack:"r,omitempty"`
	StartUnix     int64             `msgpack:"st"`
	Metadata      map[string]string `msgpack:"m,omitempty"`
}

// Duration reports elapsed time since clock-in, floored to whole seconds.
func (s *ActiveSession) Duration(now time.Time) int64 {
	d := now.Unix() - s.StartUnix
	if d < 0 {
		return 0
	}
	return d
}

// ServerSettings is the per-guild configuration record, lazily created on
// first read.
type ServerSettings struct {
	GuildID          int64  `msgpack:"g"`
	Timezone         string `msgpack:"tz"`
	WorkHoursStart   int    `msgpack:"ws"`
	WorkHoursEnd     int    `msgpack:"we"`
	MaxSessionHours  int    `msgpack:"mh"`
	AnalyticsEnabled bool   `msgpack:"ae"`
}

// DefaultServerSettings returns the settings written for a guild seen for the
// first time.
func DefaultServerSettings(guildID int64) ServerSettings {
	return ServerSettings{
		GuildID:          guildID,
		Timezone:         "UTC",
		WorkHoursStart:   9,
		WorkHoursEnd:     17,
		MaxSessionHours:  12,
		AnalyticsEnabled: true,
	}
}

// LeaderboardEntry is one ranked row of a guild leaderboard.
type LeaderboardEntry struct {
	Rank    int    `json:"rank"`
	UserID  int64  `json:"user_id"`
	Seconds int64  `json:"seconds"`

	// Stats is populated only when the caller asked for per-user detail.
	Stats *LeaderboardStats `json:"stats,omitempty"`
}

// LeaderboardStats is optional detail attached to a leaderboard row.
type LeaderboardStats struct {
	CategoryPercent float64 `json:"category_percent,omitempty"`
	LastEntryUnix   int64   `json:"last_entry_unix,omitempty"`
}

// GuildStats is the aggregate view returned by GetServerStats.
type GuildStats struct {
	GuildID        int64            `json:"guild_id"`
	TotalUsers     int64            `json:"total_users"`
	ActiveUsers    int64            `json:"active_users"`
	TotalSeconds   int64            `json:"total_seconds"`
	Categories     []string         `json:"categories"`
	CategoryTotals map[string]int64 `json:"category_totals"`
	DailyAverage   float64          `json:"daily_average"`
}

// GuildExport is a full per-guild dump used by export flows.
type GuildExport struct {
	GuildID    int64                    `json:"guild_id"`
	Settings   ServerSettings           `json:"settings"`
	Categories []Category               `json:"categories"`
	Users      []UserTimeRecord         `json:"users"`
	Entries    map[int64][]TimeEntry    `json:"entries"`
	Sessions   []ActiveSession          `json:"active_sessions"`
	ExportedAt time.Time                `json:"exported_at"`
}
