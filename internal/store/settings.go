package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/timekeeperhq/trackstore/internal/breaker"
	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/model"
)

// Settings hash fields.
const (
	fldTimezone  = "timezone"
	fldWorkStart = "work_start"
	fldWorkEnd   = "work_end"
	fldMaxHours  = "max_session_hours"
	fldAnalytics = "analytics"
)

// GetServerSettings returns the guild settings, creating the default record
// on first read.
func (s *Store) GetServerSettings(ctx context.Context, guild int64) (model.ServerSettings, error) {
	key := keySettings(guild)
	if cfg, ok := s.settingsCache.Get(key); ok {
		return cfg, nil
	}

	var fields map[string][]byte
	err := s.read(ctx, "get_settings", func(conn kv.Conn) error {
		var err error
		fields, err = conn.HGetAll(ctx, key)
		return err
	})
	if err != nil {
		return model.ServerSettings{}, err
	}

	if len(fields) == 0 {
		cfg := model.DefaultServerSettings(guild)
		if err := s.writeSettings(ctx, cfg); err != nil {
			return model.ServerSettings{}, err
		}
		s.settingsCache.Add(key, cfg)
		return cfg, nil
	}

	cfg := model.ServerSettings{
		GuildID:          guild,
		Timezone:         string(fields[fldTimezone]),
		WorkHoursStart:   int(parseID(string(fields[fldWorkStart]))),
		WorkHoursEnd:     int(parseID(string(fields[fldWorkEnd]))),
		MaxSessionHours:  int(parseID(string(fields[fldMaxHours]))),
		AnalyticsEnabled: string(fields[fldAnalytics]) == "1",
	}
	s.settingsCache.Add(key, cfg)
	return cfg, nil
}

// UpdateServerSettings validates and persists new guild settings.
func (s *Store) UpdateServerSettings(ctx context.Context, cfg model.ServerSettings) error {
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return errors.Wrapf(model.ErrValidation, "bad timezone %q", cfg.Timezone)
	}
	if cfg.WorkHoursStart < 0 || cfg.WorkHoursEnd > 24 || cfg.WorkHoursStart >= cfg.WorkHoursEnd {
		return errors.Wrapf(model.ErrValidation, "bad work hours %d-%d", cfg.WorkHoursStart, cfg.WorkHoursEnd)
	}
	if cfg.MaxSessionHours < 1 || cfg.MaxSessionHours > 24 {
		return errors.Wrapf(model.ErrValidation, "bad max session hours %d", cfg.MaxSessionHours)
	}
	if err := s.writeSettings(ctx, cfg); err != nil {
		return err
	}
	s.settingsCache.Remove(keySettings(cfg.GuildID))
	return nil
}

func (s *Store) writeSettings(ctx context.Context, cfg model.ServerSettings) error {
	key := keySettings(cfg.GuildID)
	analytics := "0"
	if cfg.AnalyticsEnabled {
		analytics = "1"
	}
	fields := map[string][]byte{
		fldTimezone:  []byte(cfg.Timezone),
		fldWorkStart: []byte(formatID(int64(cfg.WorkHoursStart))),
		fldWorkEnd:   []byte(formatID(int64(cfg.WorkHoursEnd))),
		fldMaxHours:  []byte(formatID(int64(cfg.MaxSessionHours))),
		fldAnalytics: []byte(analytics),
	}
	err := s.write(ctx, "write_settings",
		[]breaker.QueuedWrite{queued(KindHSet, mutation{Key: key, Fields: fields})},
		func(conn kv.Conn) error {
			return conn.HSet(ctx, key, fields)
		})
	if err != nil && !errors.Is(err, breaker.ErrQueued) {
		return err
	}
	return nil
}
