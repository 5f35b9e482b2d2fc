package store

import (
	"fmt"
	"strconv"
)

// Key layout, per guild g and user u:
//
//	settings:<g>            hash of ServerSettings fields
//	categories:<g>          set of active category names
//	archived:<g>            set of archived category names
//	catmeta:<g>:<name>      encoded Category record
//	usertimes:<g>:<u>       hash category -> seconds, plus "total"
//	entries:<g>:<u>         sorted set of encoded TimeEntry, score = unix ts
//	session:<g>:<u>         encoded ActiveSession (single slot)
//	lb:<g>:total            sorted set user -> total seconds
//	lb:<g>:<category>       sorted set user -> category seconds
//	guildtimes:<g>          hash category -> seconds, plus "total"
const totalField = "total"

func keySettings(guild int64) string   { return fmt.Sprintf("settings:%d", guild) }
func keyCategories(guild int64) string { return fmt.Sprintf("categories:%d", guild) }
func keyArchived(guild int64) string   { return fmt.Sprintf("archived:%d", guild) }

func keyCatMeta(guild int64, name string) string {
	return fmt.Sprintf("catmeta:%d:%s", guild, name)
}

func keyUserTimes(guild, user int64) string {
	return fmt.Sprintf("usertimes:%d:%d", guild, user)
}

func keyEntries(guild, user int64) string {
	return fmt.Sprintf("entries:%d:%d", guild, user)
}

func keySession(guild, user int64) string {
	return fmt.Sprintf("session:%d:%d", guild, user)
}

func keyLeaderboardTotal(guild int64) string { return fmt.Sprintf("lb:%d:total", guild) }

func keyLeaderboard(guild int64, category string) string {
	if category == "" {
		return keyLeaderboardTotal(guild)
	}
	return fmt.Sprintf("lb:%d:%s", guild, category)
}

func keyGuildTimes(guild int64) string { return fmt.Sprintf("guildtimes:%d", guild) }

func patternSessions(guild int64) string { return fmt.Sprintf("session:%d:*", guild) }
func patternEntries(guild int64) string  { return fmt.Sprintf("entries:%d:*", guild) }

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

func parseID(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
