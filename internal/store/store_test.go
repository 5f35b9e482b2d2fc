package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/timekeeperhq/trackstore/internal/batch"
	"github.com/timekeeperhq/trackstore/internal/breaker"
	"github.com/timekeeperhq/trackstore/internal/codec"
	"github.com/timekeeperhq/trackstore/internal/kv/kvtest"
	"github.com/timekeeperhq/trackstore/internal/model"
	"github.com/timekeeperhq/trackstore/internal/pool"
)

func newTestStore(t *testing.T) (*Store, *kvtest.Store) {
	t.Helper()
	return newTestStoreWith(t, Config{})
}

func newTestStoreWith(t *testing.T, cfg Config) (*Store, *kvtest.Store) {
	t.Helper()
	st := kvtest.New()
	p := pool.New(st.Dialer(), pool.Config{Size: 4, AcquireTimeout: time.Second}, zerolog.Nop())
	t.Cleanup(func() { _ = p.Close() })

	q, err := breaker.OpenQueue(":memory:")
	if err != nil {
		t.Fatalf("OpenQueue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	brk := breaker.New(breaker.Config{Threshold: 5, Cooldown: 50 * time.Millisecond, SuccessStreak: 1}, q, zerolog.Nop())
	bw := batch.New(batch.Config{Threshold: 1000, Interval: time.Hour}, p, brk, zerolog.Nop())
	t.Cleanup(func() { _ = bw.Close(context.Background()) })

	storeApply := Applier(p)
	batchApply := batch.Applier(p)
	brk.SetApplier(func(ctx context.Context, w breaker.QueuedWrite) error {
		if handled, err := storeApply(ctx, w); handled {
			return err
		}
		if handled, err := batchApply(ctx, w); handled {
			return err
		}
		return errors.New("unknown kind " + w.Kind)
	})

	s := New(cfg, p, brk, bw, codec.New(), zerolog.Nop())
	return s, st
}

func (s *Store) flush(t *testing.T) {
	t.Helper()
	if err := s.batch.Flush(context.Background()); err != nil {
		t.Fatalf("batch flush: %v", err)
	}
}

func mustAddCategory(t *testing.T, s *Store, guild int64, name string) {
	t.Helper()
	res, err := s.AddCategory(context.Background(), guild, AddCategoryRequest{Name: name})
	if err != nil || !res.Success {
		t.Fatalf("AddCategory(%s): res=%+v err=%v", name, res, err)
	}
}

func TestAddCategoryDefaultsAndDuplicates(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.AddCategory(ctx, 1, AddCategoryRequest{Name: "  Writing  "})
	if err != nil || !res.Success {
		t.Fatalf("AddCategory: res=%+v err=%v", res, err)
	}
	if res.Category.Name != "writing" {
		t.Fatalf("name not normalized: %q", res.Category.Name)
	}
	if res.Category.Color == "" || res.Category.ProductivityWeight != 1.0 {
		t.Fatalf("defaults not applied: %+v", res.Category)
	}
	if res.Category.Color != defaultColor("writing") {
		t.Fatalf("color not deterministic: %q", res.Category.Color)
	}

	res, err = s.AddCategory(ctx, 1, AddCategoryRequest{Name: "writing"})
	if err != nil || res.Success || res.ErrorCode != model.CodeCategoryExists {
		t.Fatalf("duplicate should fail with CATEGORY_EXISTS: %+v err=%v", res, err)
	}

	// Same name in another guild is independent.
	res, err = s.AddCategory(ctx, 2, AddCategoryRequest{Name: "writing"})
	if err != nil || !res.Success {
		t.Fatalf("cross-guild add: %+v err=%v", res, err)
	}
}

func TestAddCategoryValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"", "  ", "total", "all", "none", "bad!name", "-leading"} {
		res, err := s.AddCategory(ctx, 1, AddCategoryRequest{Name: name})
		if err != nil || res.Success || res.ErrorCode != model.CodeValidation {
			t.Fatalf("name %q should fail validation: %+v err=%v", name, res, err)
		}
	}
}

func TestAddCategoryCap(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	s.cfg.MaxCategories = 3
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		mustAddCategory(t, s, 1, name)
	}
	res, err := s.AddCategory(ctx, 1, AddCategoryRequest{Name: "d"})
	if err != nil || res.Success || res.ErrorCode != model.CodeCategoryLimit {
		t.Fatalf("cap should fail with CATEGORY_LIMIT: %+v err=%v", res, err)
	}
}

func TestRemoveCategoryArchivesWhenUsed(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")

	if _, err := s.AddTime(ctx, 1, 7, "writing", 600); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	s.flush(t)

	res, err := s.RemoveCategory(ctx, 1, "writing", false)
	if err != nil || !res.Success || res.Action != "archived" {
		t.Fatalf("used category should archive: %+v err=%v", res, err)
	}
	if res.UsageSeconds != 600 || res.UsageUsers != 1 {
		t.Fatalf("usage info wrong: %+v", res)
	}

	// Archived category no longer validates for new time.
	ok, err := s.ValidateCategory(ctx, 1, "writing")
	if err != nil || ok {
		t.Fatalf("archived category still active: ok=%v err=%v", ok, err)
	}

	// But its data survives.
	rec, err := s.GetUserTimes(ctx, 1, 7, false)
	if err != nil || rec.Categories["writing"] != 600 {
		t.Fatalf("archived data lost: %+v err=%v", rec, err)
	}

	cats, err := s.ListCategories(ctx, 1, true, false)
	if err != nil || len(cats) != 1 || cats[0].Active {
		t.Fatalf("archived listing wrong: %+v err=%v", cats, err)
	}
}

func TestRemoveCategoryUnusedIsRemoved(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "idle")

	res, err := s.RemoveCategory(ctx, 1, "idle", false)
	if err != nil || !res.Success || res.Action != "removed" {
		t.Fatalf("unused category should be removed: %+v err=%v", res, err)
	}
	res, err = s.RemoveCategory(ctx, 1, "idle", false)
	if err != nil || res.Success || res.ErrorCode != model.CodeCategoryNotFound {
		t.Fatalf("second remove should be CATEGORY_NOT_FOUND: %+v err=%v", res, err)
	}
}

func TestForceRemoveKeepsTotalsConsistent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")
	mustAddCategory(t, s, 1, "reading")

	if _, err := s.AddTime(ctx, 1, 7, "writing", 600); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	if _, err := s.AddTime(ctx, 1, 7, "reading", 300); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	if _, err := s.AddTime(ctx, 1, 8, "writing", 100); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	s.flush(t)

	res, err := s.RemoveCategory(ctx, 1, "writing", true)
	if err != nil || !res.Success || res.Action != "removed" {
		t.Fatalf("force remove: %+v err=%v", res, err)
	}
	s.flush(t)

	// User 7 keeps only reading; totals and leaderboard agree.
	rec, err := s.GetUserTimes(ctx, 1, 7, false)
	if err != nil {
		t.Fatalf("GetUserTimes: %v", err)
	}
	if rec.TotalSeconds != 300 || rec.Categories["writing"] != 0 || rec.Categories["reading"] != 300 {
		t.Fatalf("user record after force remove: %+v", rec)
	}

	stats, err := s.GetServerStats(ctx, 1)
	if err != nil {
		t.Fatalf("GetServerStats: %v", err)
	}
	if stats.TotalSeconds != 300 {
		t.Fatalf("guild total after force remove: %+v", stats)
	}

	rows, err := s.GetServerLeaderboard(ctx, 1, LeaderboardOptions{})
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(rows) != 1 || rows[0].UserID != 7 || rows[0].Seconds != 300 {
		t.Fatalf("leaderboard after force remove: %+v", rows)
	}
}

func TestReaddArchivedCategoryReactivates(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")
	if _, err := s.AddTime(ctx, 1, 7, "writing", 60); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	s.flush(t)
	if _, err := s.RemoveCategory(ctx, 1, "writing", false); err != nil {
		t.Fatalf("RemoveCategory: %v", err)
	}

	res, err := s.AddCategory(ctx, 1, AddCategoryRequest{Name: "writing"})
	if err != nil || !res.Success {
		t.Fatalf("re-add: %+v err=%v", res, err)
	}
	ok, err := s.ValidateCategory(ctx, 1, "writing")
	if err != nil || !ok {
		t.Fatalf("reactivated category should validate: ok=%v err=%v", ok, err)
	}
}

func TestAddTimeReturnsNewTotalAndConserves(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")

	total, err := s.AddTime(ctx, 1, 7, "writing", 100)
	if err != nil || total != 100 {
		t.Fatalf("first AddTime: total=%d err=%v", total, err)
	}
	total, err = s.AddTime(ctx, 1, 7, "Writing", 50)
	if err != nil || total != 150 {
		t.Fatalf("second AddTime: total=%d err=%v", total, err)
	}
	s.flush(t)

	rec, err := s.GetUserTimes(ctx, 1, 7, false)
	if err != nil {
		t.Fatalf("GetUserTimes: %v", err)
	}
	if rec.TotalSeconds != 150 || rec.Categories["writing"] != 150 {
		t.Fatalf("record mismatch: %+v", rec)
	}

	stats, err := s.GetServerStats(ctx, 1)
	if err != nil {
		t.Fatalf("GetServerStats: %v", err)
	}
	if stats.TotalSeconds != 150 || stats.CategoryTotals["writing"] != 150 {
		t.Fatalf("guild totals mismatch: %+v", stats)
	}
}

func TestAddTimeValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")

	if _, err := s.AddTime(ctx, 1, 7, "writing", 0); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("zero seconds should fail validation, got %v", err)
	}
	if _, err := s.AddTime(ctx, 1, 7, "writing", -5); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("negative seconds should fail validation, got %v", err)
	}
	if _, err := s.AddTime(ctx, 1, 7, "missing", 60); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("unknown category should fail validation, got %v", err)
	}
}

func TestLeaderboardDeterministicTieBreak(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")

	for _, user := range []int64{42, 7, 99} {
		if _, err := s.AddTime(ctx, 1, user, "writing", 600); err != nil {
			t.Fatalf("AddTime(%d): %v", user, err)
		}
	}
	if _, err := s.AddTime(ctx, 1, 5, "writing", 1200); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	s.flush(t)

	rows, err := s.GetServerLeaderboard(ctx, 1, LeaderboardOptions{})
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	wantOrder := []int64{5, 7, 42, 99}
	if len(rows) != len(wantOrder) {
		t.Fatalf("row count: %+v", rows)
	}
	for i, want := range wantOrder {
		if rows[i].UserID != want || rows[i].Rank != i+1 {
			t.Fatalf("row %d: got user=%d rank=%d, want user=%d", i, rows[i].UserID, rows[i].Rank, want)
		}
	}

	// Ties break ascending by user id, every time.
	again, err := s.GetServerLeaderboard(ctx, 1, LeaderboardOptions{})
	if err != nil {
		t.Fatalf("leaderboard again: %v", err)
	}
	for i := range rows {
		if again[i].UserID != rows[i].UserID {
			t.Fatalf("ranking not stable: %+v vs %+v", rows, again)
		}
	}
}

func TestLeaderboardTimeRange(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")

	now := time.Unix(1700000000, 0)
	s.SetNow(func() time.Time { return now })

	// Old entry outside the week window.
	if _, err := s.RecordEntry(ctx, model.TimeEntry{
		GuildID: 1, UserID: 7, Category: "writing", Seconds: 500,
		SessionID: "old", TimestampUnix: now.AddDate(0, 0, -10).Unix(),
	}); err != nil {
		t.Fatalf("RecordEntry: %v", err)
	}
	if _, err := s.RecordEntry(ctx, model.TimeEntry{
		GuildID: 1, UserID: 7, Category: "writing", Seconds: 200,
		SessionID: "recent", TimestampUnix: now.AddDate(0, 0, -2).Unix(),
	}); err != nil {
		t.Fatalf("RecordEntry: %v", err)
	}
	s.flush(t)

	rows, err := s.GetServerLeaderboard(ctx, 1, LeaderboardOptions{TimeRange: RangeWeek})
	if err != nil {
		t.Fatalf("weekly leaderboard: %v", err)
	}
	if len(rows) != 1 || rows[0].Seconds != 200 {
		t.Fatalf("weekly rows: %+v", rows)
	}

	rows, err = s.GetServerLeaderboard(ctx, 1, LeaderboardOptions{TimeRange: RangeMonth})
	if err != nil {
		t.Fatalf("monthly leaderboard: %v", err)
	}
	if len(rows) != 1 || rows[0].Seconds != 700 {
		t.Fatalf("monthly rows: %+v", rows)
	}

	if _, err := s.GetServerLeaderboard(ctx, 1, LeaderboardOptions{TimeRange: "fortnight"}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("bad range should fail validation, got %v", err)
	}
}

func TestLeaderboardStalenessBoundedByTTL(t *testing.T) {
	t.Parallel()
	s, _ := newTestStoreWith(t, Config{LeaderboardCacheTTL: 50 * time.Millisecond})
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")

	if _, err := s.AddTime(ctx, 1, 42, "writing", 3600); err != nil {
		t.Fatalf("AddTime: %v", err)
	}

	// The sorted-set increment is still sitting in the batch writer, so this
	// read caches a snapshot without the new time.
	rows, err := s.GetServerLeaderboard(ctx, 1, LeaderboardOptions{})
	if err != nil {
		t.Fatalf("pre-flush leaderboard: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("pre-flush rows should be empty: %+v", rows)
	}
	s.flush(t)

	// Nothing invalidates the stale snapshot; only the TTL can retire it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err = s.GetServerLeaderboard(ctx, 1, LeaderboardOptions{})
		if err != nil {
			t.Fatalf("leaderboard: %v", err)
		}
		if len(rows) == 1 && rows[0].UserID == 42 && rows[0].Seconds == 3600 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stale leaderboard never expired: %+v", rows)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSettingsLazyCreateAndUpdate(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetServerSettings(ctx, 1)
	if err != nil {
		t.Fatalf("GetServerSettings: %v", err)
	}
	want := model.DefaultServerSettings(1)
	if cfg != want {
		t.Fatalf("lazy defaults mismatch: got %+v want %+v", cfg, want)
	}

	cfg.Timezone = "America/New_York"
	cfg.MaxSessionHours = 8
	if err := s.UpdateServerSettings(ctx, cfg); err != nil {
		t.Fatalf("UpdateServerSettings: %v", err)
	}
	got, err := s.GetServerSettings(ctx, 1)
	if err != nil || got.Timezone != "America/New_York" || got.MaxSessionHours != 8 {
		t.Fatalf("updated settings: %+v err=%v", got, err)
	}

	bad := got
	bad.Timezone = "Not/AZone"
	if err := s.UpdateServerSettings(ctx, bad); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("bad timezone should fail validation, got %v", err)
	}
	bad = got
	bad.WorkHoursStart = 20
	bad.WorkHoursEnd = 8
	if err := s.UpdateServerSettings(ctx, bad); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("inverted work hours should fail validation, got %v", err)
	}
}

func TestActiveSessionSingleSlot(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess := &model.ActiveSession{GuildID: 1, UserID: 7, SessionID: "s1", Category: "writing", StartUnix: 1700000000}
	if err := s.CreateActiveSession(ctx, sess); err != nil {
		t.Fatalf("CreateActiveSession: %v", err)
	}
	dup := &model.ActiveSession{GuildID: 1, UserID: 7, SessionID: "s2", Category: "reading", StartUnix: 1700000100}
	if err := s.CreateActiveSession(ctx, dup); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("second session should conflict, got %v", err)
	}

	got, err := s.GetActiveSession(ctx, 1, 7)
	if err != nil || got == nil || got.SessionID != "s1" {
		t.Fatalf("winner should keep the slot: %+v err=%v", got, err)
	}

	if err := s.DeleteActiveSession(ctx, 1, 7); err != nil {
		t.Fatalf("DeleteActiveSession: %v", err)
	}
	got, err = s.GetActiveSession(ctx, 1, 7)
	if err != nil || got != nil {
		t.Fatalf("slot should be free: %+v err=%v", got, err)
	}
}

func TestDeleteUserRemovesEverything(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")

	if _, err := s.AddTime(ctx, 1, 7, "writing", 600); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	if _, err := s.AddTime(ctx, 1, 8, "writing", 300); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	s.flush(t)

	existed, err := s.DeleteUser(ctx, 1, 7)
	if err != nil || !existed {
		t.Fatalf("DeleteUser: existed=%v err=%v", existed, err)
	}
	s.flush(t)

	rec, err := s.GetUserTimes(ctx, 1, 7, false)
	if err != nil || rec.TotalSeconds != 0 {
		t.Fatalf("record should be gone: %+v err=%v", rec, err)
	}
	rows, err := s.GetServerLeaderboard(ctx, 1, LeaderboardOptions{})
	if err != nil || len(rows) != 1 || rows[0].UserID != 8 {
		t.Fatalf("leaderboard after delete: %+v err=%v", rows, err)
	}
	stats, err := s.GetServerStats(ctx, 1)
	if err != nil || stats.TotalSeconds != 300 {
		t.Fatalf("guild totals after delete: %+v err=%v", stats, err)
	}

	existed, err = s.DeleteUser(ctx, 1, 7)
	if err != nil || existed {
		t.Fatalf("second delete should report false: existed=%v err=%v", existed, err)
	}
}

func TestSetUserTimeRewritesTotals(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")

	if _, err := s.AddTime(ctx, 1, 7, "writing", 600); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	s.flush(t)

	if err := s.SetUserTime(ctx, 1, 7, "writing", 100); err != nil {
		t.Fatalf("SetUserTime: %v", err)
	}
	s.flush(t)

	rec, err := s.GetUserTimes(ctx, 1, 7, false)
	if err != nil || rec.TotalSeconds != 100 || rec.Categories["writing"] != 100 {
		t.Fatalf("record after override: %+v err=%v", rec, err)
	}
	rows, err := s.GetServerLeaderboard(ctx, 1, LeaderboardOptions{})
	if err != nil || len(rows) != 1 || rows[0].Seconds != 100 {
		t.Fatalf("leaderboard after override: %+v err=%v", rows, err)
	}
	stats, err := s.GetServerStats(ctx, 1)
	if err != nil || stats.TotalSeconds != 100 {
		t.Fatalf("guild totals after override: %+v err=%v", stats, err)
	}
}

func TestPruneEntriesDropsOldHistoryOnly(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")

	now := time.Unix(1700000000, 0)
	s.SetNow(func() time.Time { return now })

	for i, age := range []time.Duration{100 * 24 * time.Hour, 50 * 24 * time.Hour, time.Hour} {
		if _, err := s.RecordEntry(ctx, model.TimeEntry{
			GuildID: 1, UserID: 7, Category: "writing", Seconds: 60,
			SessionID: string(rune('a' + i)), TimestampUnix: now.Add(-age).Unix(),
		}); err != nil {
			t.Fatalf("RecordEntry: %v", err)
		}
	}
	s.flush(t)

	removed, err := s.PruneEntries(ctx, 1, 90*24*time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("prune: removed=%d err=%v", removed, err)
	}

	// Totals are untouched by pruning.
	rec, err := s.GetUserTimes(ctx, 1, 7, false)
	if err != nil || rec.TotalSeconds != 180 {
		t.Fatalf("totals changed by prune: %+v err=%v", rec, err)
	}
	rec, err = s.GetUserTimes(ctx, 1, 7, true)
	if err != nil || rec.Metadata == nil || rec.Metadata.TotalSessions != 2 {
		t.Fatalf("history after prune: %+v err=%v", rec, err)
	}
}

func TestExportGuild(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")

	if _, err := s.AddTime(ctx, 1, 7, "writing", 600); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	sess := &model.ActiveSession{GuildID: 1, UserID: 8, SessionID: "s1", Category: "writing", StartUnix: 1700000000}
	if err := s.CreateActiveSession(ctx, sess); err != nil {
		t.Fatalf("CreateActiveSession: %v", err)
	}
	s.flush(t)

	export, err := s.ExportGuild(ctx, 1)
	if err != nil {
		t.Fatalf("ExportGuild: %v", err)
	}
	if len(export.Categories) != 1 || export.Categories[0].Name != "writing" {
		t.Fatalf("export categories: %+v", export.Categories)
	}
	if len(export.Users) != 1 || export.Users[0].UserID != 7 || export.Users[0].TotalSeconds != 600 {
		t.Fatalf("export users: %+v", export.Users)
	}
	if len(export.Entries[7]) != 1 || export.Entries[7][0].Seconds != 600 {
		t.Fatalf("export entries: %+v", export.Entries)
	}
	if len(export.Sessions) != 1 || export.Sessions[0].UserID != 8 {
		t.Fatalf("export sessions: %+v", export.Sessions)
	}
	if export.Settings.GuildID != 1 {
		t.Fatalf("export settings: %+v", export.Settings)
	}
}

func TestReadsServeFromCacheWhileBreakerOpen(t *testing.T) {
	t.Parallel()
	s, st := newTestStore(t)
	ctx := context.Background()
	mustAddCategory(t, s, 1, "writing")
	if _, err := s.AddTime(ctx, 1, 7, "writing", 600); err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	s.flush(t)

	// Warm the cache, then take the backend down and trip the breaker.
	if _, err := s.GetUserTimes(ctx, 1, 7, false); err != nil {
		t.Fatalf("warm read: %v", err)
	}
	st.SetErr(errors.New("backend down"))
	for i := 0; i < 5; i++ {
		_, _ = s.GetServerStats(ctx, 1)
	}

	rec, err := s.GetUserTimes(ctx, 1, 7, false)
	if err != nil || rec.TotalSeconds != 600 {
		t.Fatalf("cached read during outage: %+v err=%v", rec, err)
	}

	// A cold read has nothing to fall back on.
	var unavailable *model.BackendUnavailableError
	if _, err := s.GetUserTimes(ctx, 1, 99, false); !errors.As(err, &unavailable) {
		t.Fatalf("cold read should be BackendUnavailableError, got %v", err)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	m := s.Metrics(ctx)
	if m.Pool.Size == 0 || len(m.Caches) != 4 {
		t.Fatalf("metrics snapshot incomplete: %+v", m)
	}
	if m.Breaker.State != breaker.StateClosed {
		t.Fatalf("breaker should be closed: %+v", m.Breaker)
	}
}
