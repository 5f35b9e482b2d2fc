package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/timekeeperhq/trackstore/internal/batch"
	"github.com/timekeeperhq/trackstore/internal/breaker"
	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/model"
)

var categoryNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9 _-]*$`)

// Names that collide with key-layout fields or range selectors.
var reservedCategoryNames = map[string]bool{
	"all":   true,
	"total": true,
	"none":  true,
}

const maxCategoryNameLen = 50

// NormalizeCategoryName lowercases and trims a caller-supplied name.
func NormalizeCategoryName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func validCategoryName(name string) bool {
	if name == "" || len(name) > maxCategoryNameLen {
		return false
	}
	if reservedCategoryNames[name] {
		return false
	}
	return categoryNameRe.MatchString(name)
}

// defaultColor derives a stable color from the category name, so the same
// name renders the same everywhere without storing anything.
func defaultColor(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("#%06X", h.Sum32()&0xFFFFFF)
}

// AddCategoryRequest carries the caller-supplied category fields.
type AddCategoryRequest struct {
	Name        string
	Description string
	Color       string
	Weight      float64
	CreatedBy   int64
}

// CategoryResult reports the outcome of a category mutation. Validation and
// conflict outcomes arrive as ErrorCode, not as Go errors.
type CategoryResult struct {
	Success   bool
	ErrorCode string
	Category  *model.Category
}

// RemoveCategoryResult reports what RemoveCategory did with a category.
type RemoveCategoryResult struct {
	Success      bool
	ErrorCode    string
	Action       string // "removed" or "archived"
	UsageSeconds int64
	UsageUsers   int64
}

// AddCategory creates a category, or reactivates it if a previous archive
// holds the same name.
func (s *Store) AddCategory(ctx context.Context, guild int64, req AddCategoryRequest) (CategoryResult, error) {
	name := NormalizeCategoryName(req.Name)
	if !validCategoryName(name) {
		return CategoryResult{ErrorCode: model.CodeValidation}, nil
	}
	if req.Weight < 0 {
		return CategoryResult{ErrorCode: model.CodeValidation}, nil
	}

	var (
		active   bool
		archived bool
		count    int
	)
	err := s.read(ctx, "category_lookup", func(conn kv.Conn) error {
		var err error
		if active, err = conn.SIsMember(ctx, keyCategories(guild), name); err != nil {
			return err
		}
		if archived, err = conn.SIsMember(ctx, keyArchived(guild), name); err != nil {
			return err
		}
		names, err := conn.SMembers(ctx, keyCategories(guild))
		if err != nil {
			return err
		}
		count = len(names)
		return nil
	})
	if err != nil {
		return CategoryResult{}, err
	}
	if active {
		return CategoryResult{ErrorCode: model.CodeCategoryExists}, nil
	}
	if count >= s.cfg.MaxCategories {
		return CategoryResult{ErrorCode: model.CodeCategoryLimit}, nil
	}

	cat := model.Category{
		GuildID:            guild,
		Name:               name,
		Description:        req.Description,
		Color:              req.Color,
		ProductivityWeight: req.Weight,
		Active:             true,
		CreatedBy:          req.CreatedBy,
		CreatedAtUnix:      s.now().Unix(),
	}
	if cat.Color == "" {
		cat.Color = defaultColor(name)
	}
	if cat.ProductivityWeight == 0 {
		cat.ProductivityWeight = 1.0
	}

	if archived {
		// Reactivation keeps the original record and its recorded usage.
		old, err := s.loadCategoryMeta(ctx, guild, name)
		if err != nil {
			return CategoryResult{}, err
		}
		if old != nil {
			cat = *old
			cat.Active = true
			cat.ArchivedAtUnix = 0
			cat.ArchivedBy = 0
		}
	}

	encoded, err := s.codec.Encode(ctx, &cat)
	if err != nil {
		return CategoryResult{}, err
	}
	fallbacks := []breaker.QueuedWrite{
		queued(KindSAdd, mutation{Key: keyCategories(guild), Members: []string{name}}),
		queued(KindSRem, mutation{Key: keyArchived(guild), Members: []string{name}}),
		queued(KindSet, mutation{Key: keyCatMeta(guild, name), Payload: encoded}),
	}
	err = s.write(ctx, "add_category", fallbacks, func(conn kv.Conn) error {
		pipe := conn.Pipeline()
		pipe.SAdd(keyCategories(guild), name)
		pipe.SRem(keyArchived(guild), name)
		pipe.Set(keyCatMeta(guild, name), encoded, 0)
		return pipe.Exec(ctx)
	})
	if err != nil && !errors.Is(err, breaker.ErrQueued) {
		return CategoryResult{}, err
	}
	s.categoryCache.Remove(keyCategories(guild))
	return CategoryResult{Success: true, Category: &cat}, nil
}

// RemoveCategory archives a category that has recorded usage unless force is
// set; forced removal erases its data everywhere, including per-user
// records, so guild totals stay consistent with the sum over users.
func (s *Store) RemoveCategory(ctx context.Context, guild int64, rawName string, force bool) (RemoveCategoryResult, error) {
	name := NormalizeCategoryName(rawName)
	if name == "" {
		return RemoveCategoryResult{ErrorCode: model.CodeValidation}, nil
	}

	var (
		active   bool
		archived bool
	)
	err := s.read(ctx, "category_lookup", func(conn kv.Conn) error {
		var err error
		if active, err = conn.SIsMember(ctx, keyCategories(guild), name); err != nil {
			return err
		}
		archived, err = conn.SIsMember(ctx, keyArchived(guild), name)
		return err
	})
	if err != nil {
		return RemoveCategoryResult{}, err
	}
	if !active && !archived {
		return RemoveCategoryResult{ErrorCode: model.CodeCategoryNotFound}, nil
	}

	seconds, users, err := s.categoryUsage(ctx, guild, name)
	if err != nil {
		return RemoveCategoryResult{}, err
	}

	if seconds > 0 && !force {
		if !active {
			// Already archived; nothing to do.
			return RemoveCategoryResult{Success: true, Action: "archived", UsageSeconds: seconds, UsageUsers: users}, nil
		}
		if err := s.archiveCategory(ctx, guild, name); err != nil {
			return RemoveCategoryResult{}, err
		}
		return RemoveCategoryResult{Success: true, Action: "archived", UsageSeconds: seconds, UsageUsers: users}, nil
	}

	if err := s.hardDeleteCategory(ctx, guild, name); err != nil {
		return RemoveCategoryResult{}, err
	}
	return RemoveCategoryResult{Success: true, Action: "removed", UsageSeconds: seconds, UsageUsers: users}, nil
}

func (s *Store) archiveCategory(ctx context.Context, guild int64, name string) error {
	cat, err := s.loadCategoryMeta(ctx, guild, name)
	if err != nil {
		return err
	}
	if cat == nil {
		cat = &model.Category{GuildID: guild, Name: name}
	}
	cat.Active = false
	cat.ArchivedAtUnix = s.now().Unix()
	encoded, err := s.codec.Encode(ctx, cat)
	if err != nil {
		return err
	}

	fallbacks := []breaker.QueuedWrite{
		queued(KindSRem, mutation{Key: keyCategories(guild), Members: []string{name}}),
		queued(KindSAdd, mutation{Key: keyArchived(guild), Members: []string{name}}),
		queued(KindSet, mutation{Key: keyCatMeta(guild, name), Payload: encoded}),
	}
	err = s.write(ctx, "archive_category", fallbacks, func(conn kv.Conn) error {
		pipe := conn.Pipeline()
		pipe.SRem(keyCategories(guild), name)
		pipe.SAdd(keyArchived(guild), name)
		pipe.Set(keyCatMeta(guild, name), encoded, 0)
		return pipe.Exec(ctx)
	})
	if err != nil && !errors.Is(err, breaker.ErrQueued) {
		return err
	}
	s.categoryCache.Remove(keyCategories(guild))
	return nil
}

// hardDeleteCategory erases every trace of the category. Per-user seconds
// recorded under it are subtracted from user totals and the total
// leaderboard before the category keys go away.
func (s *Store) hardDeleteCategory(ctx context.Context, guild int64, name string) error {
	type userUsage struct {
		key     string
		userID  string
		seconds int64
	}
	var holders []userUsage
	err := s.read(ctx, "category_usage_scan", func(conn kv.Conn) error {
		keys, err := scanAll(ctx, conn, fmt.Sprintf("usertimes:%d:*", guild))
		if err != nil {
			return err
		}
		for _, k := range keys {
			b, err := conn.HGet(ctx, k, name)
			if err != nil {
				return err
			}
			if len(b) == 0 {
				continue
			}
			sec := parseID(string(b))
			if sec == 0 {
				continue
			}
			holders = append(holders, userUsage{key: k, userID: k[strings.LastIndex(k, ":")+1:], seconds: sec})
		}
		return nil
	})
	if err != nil {
		return err
	}

	var fallbacks []breaker.QueuedWrite
	for _, h := range holders {
		fallbacks = append(fallbacks,
			queued(KindHDel, mutation{Key: h.key, Members: []string{name}}),
			batch.QueuedHIncrBy(h.key, totalField, -h.seconds),
			batch.QueuedZIncrBy(keyLeaderboardTotal(guild), h.userID, float64(-h.seconds)),
		)
	}
	var guildSec int64
	err = s.read(ctx, "guildtimes_lookup", func(conn kv.Conn) error {
		b, err := conn.HGet(ctx, keyGuildTimes(guild), name)
		if err != nil {
			return err
		}
		guildSec = parseID(string(b))
		return nil
	})
	if err != nil {
		return err
	}
	fallbacks = append(fallbacks,
		batch.QueuedHIncrBy(keyGuildTimes(guild), totalField, -guildSec),
		queued(KindHDel, mutation{Key: keyGuildTimes(guild), Members: []string{name}}),
		queued(KindSRem, mutation{Key: keyCategories(guild), Members: []string{name}}),
		queued(KindSRem, mutation{Key: keyArchived(guild), Members: []string{name}}),
		queued(KindDel, mutation{Keys: []string{keyCatMeta(guild, name), keyLeaderboard(guild, name)}}),
	)

	err = s.write(ctx, "remove_category", fallbacks, func(conn kv.Conn) error {
		for _, h := range holders {
			if err := conn.HDel(ctx, h.key, name); err != nil {
				return err
			}
			if _, err := conn.HIncrBy(ctx, h.key, totalField, -h.seconds); err != nil {
				return err
			}
			if _, err := conn.ZIncrBy(ctx, keyLeaderboardTotal(guild), float64(-h.seconds), h.userID); err != nil {
				return err
			}
		}
		if _, err := conn.HIncrBy(ctx, keyGuildTimes(guild), totalField, -guildSec); err != nil {
			return err
		}
		if err := conn.HDel(ctx, keyGuildTimes(guild), name); err != nil {
			return err
		}
		pipe := conn.Pipeline()
		pipe.SRem(keyCategories(guild), name)
		pipe.SRem(keyArchived(guild), name)
		pipe.Del(keyCatMeta(guild, name), keyLeaderboard(guild, name))
		return pipe.Exec(ctx)
	})
	if err != nil && !errors.Is(err, breaker.ErrQueued) {
		return err
	}
	s.categoryCache.Remove(keyCategories(guild))
	s.userCache.Purge()
	s.lbCache.Purge()
	return nil
}

// ListCategories returns a guild's categories sorted by name. Metadata
// decoding and usage counters are attached only when includeMetadata is
// set; plain listings are served from cache when possible.
func (s *Store) ListCategories(ctx context.Context, guild int64, includeArchived, includeMetadata bool) ([]model.Category, error) {
	if !includeArchived && !includeMetadata {
		if cats, ok := s.categoryCache.Get(keyCategories(guild)); ok {
			return cats, nil
		}
	}

	var names, archivedNames []string
	err := s.read(ctx, "list_categories", func(conn kv.Conn) error {
		var err error
		if names, err = conn.SMembers(ctx, keyCategories(guild)); err != nil {
			return err
		}
		if includeArchived {
			archivedNames, err = conn.SMembers(ctx, keyArchived(guild))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.Category, 0, len(names)+len(archivedNames))
	for _, n := range names {
		out = append(out, model.Category{GuildID: guild, Name: n, Active: true})
	}
	for _, n := range archivedNames {
		out = append(out, model.Category{GuildID: guild, Name: n, Active: false})
	}

	if includeMetadata {
		for i := range out {
			cat, err := s.loadCategoryMeta(ctx, guild, out[i].Name)
			if err != nil {
				return nil, err
			}
			if cat != nil {
				active := out[i].Active
				out[i] = *cat
				out[i].Active = active
			}
			sec, users, err := s.categoryUsage(ctx, guild, out[i].Name)
			if err != nil {
				return nil, err
			}
			out[i].UsageSeconds = sec
			out[i].UsageUsers = users
		}
	}

	sortCategories(out)
	if !includeArchived && !includeMetadata {
		s.categoryCache.Add(keyCategories(guild), out)
	}
	return out, nil
}

// ValidateCategory reports whether name is an active category of the guild.
func (s *Store) ValidateCategory(ctx context.Context, guild int64, rawName string) (bool, error) {
	name := NormalizeCategoryName(rawName)
	if name == "" {
		return false, nil
	}
	if cats, ok := s.categoryCache.Get(keyCategories(guild)); ok {
		for _, c := range cats {
			if c.Name == name {
				return true, nil
			}
		}
		return false, nil
	}
	var ok bool
	err := s.read(ctx, "validate_category", func(conn kv.Conn) error {
		var err error
		ok, err = conn.SIsMember(ctx, keyCategories(guild), name)
		return err
	})
	return ok, err
}

func (s *Store) loadCategoryMeta(ctx context.Context, guild int64, name string) (*model.Category, error) {
	var raw []byte
	err := s.read(ctx, "category_meta", func(conn kv.Conn) error {
		var err error
		raw, err = conn.Get(ctx, keyCatMeta(guild, name))
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var cat model.Category
	if err := s.codec.Decode(raw, &cat); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (s *Store) categoryUsage(ctx context.Context, guild int64, name string) (seconds, users int64, err error) {
	err = s.read(ctx, "category_usage", func(conn kv.Conn) error {
		b, err := conn.HGet(ctx, keyGuildTimes(guild), name)
		if err != nil {
			return err
		}
		seconds = parseID(string(b))
		users, err = conn.ZCard(ctx, keyLeaderboard(guild, name))
		return err
	})
	return seconds, users, err
}

func sortCategories(cats []model.Category) {
	sort.Slice(cats, func(i, j int) bool { return cats[i].Name < cats[j].Name })
}

// scanAll walks the keyspace until the cursor completes.
func scanAll(ctx context.Context, conn kv.Conn, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := conn.Scan(ctx, cursor, pattern, 100)
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
