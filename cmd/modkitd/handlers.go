package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/modkit-dev/modkit/cache"
	"github.com/modkit-dev/modkit/storage"

	"github.com/labstack/echo/v4"
)

func parseID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(400, fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

// httpError maps core error classes onto status codes: absent rows are 404,
// abandoned loads are 504 (retryable), rolled-back transient failures are
// 503 (retry with backoff).
func httpError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(404, err.Error())
	case errors.Is(err, cache.ErrLoadTimeout):
		return echo.NewHTTPError(504, err.Error())
	case errors.Is(err, storage.ErrTransient):
		return echo.NewHTTPError(503, err.Error())
	default:
		return err
	}
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	if err := s.store.DB().Exec("SELECT 1").Error; err != nil {
		return c.JSON(500, map[string]any{"status": "error", "message": "can't connect to database"})
	}
	return c.JSON(200, map[string]any{"status": "ok"})
}

func (s *Server) handleStats(c echo.Context) error {
	dbStats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(200, map[string]any{
		"database": dbStats,
		"caches":   s.caches.DomainStats(),
		"limiters": map[string]any{
			"ai_actors": s.aiLimiter.Actors(),
		},
	})
}

func (s *Server) handleSnapshot(c echo.Context) error {
	var body struct {
		Path string `json:"path"`
	}
	if err := c.Bind(&body); err != nil || body.Path == "" {
		return echo.NewHTTPError(400, "snapshot path required")
	}
	if err := s.store.Snapshot(c.Request().Context(), body.Path); err != nil {
		return httpError(err)
	}
	s.logger.Info("wrote database snapshot", "path", body.Path)
	return c.JSON(200, map[string]any{"path": body.Path})
}

func (s *Server) loadSettings(ctx context.Context, guildID uint64) (map[string]any, error) {
	key := strconv.FormatUint(guildID, 10)
	v, err := s.caches.GetOrLoad(ctx, domainSettings, key, func(ctx context.Context) (any, error) {
		return s.store.GetGuildSettings(ctx, guildID)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func (s *Server) handleGetSettings(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	settings, err := s.loadSettings(c.Request().Context(), guildID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(200, settings)
}

func (s *Server) handlePutSettings(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	var settings map[string]any
	if err := c.Bind(&settings); err != nil {
		return echo.NewHTTPError(400, "settings body must be a JSON object")
	}
	if err := s.store.PutGuildSettings(c.Request().Context(), guildID, settings); err != nil {
		return httpError(err)
	}
	// bust both the raw settings and anything derived from them
	key := strconv.FormatUint(guildID, 10)
	s.caches.Invalidate(domainSettings, key)
	s.caches.InvalidateAll(domainRoutes)
	return c.JSON(200, settings)
}

// handleGetRoute resolves a channel/route binding of the given type (e.g.
// "modlog", "reports") from the guild's settings, cached independently of
// the full settings blob.
func (s *Server) handleGetRoute(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	routeType := c.Param("type")

	key := fmt.Sprintf("%d/%s", guildID, routeType)
	v, err := s.caches.GetOrLoad(c.Request().Context(), domainRoutes, key, func(ctx context.Context) (any, error) {
		settings, err := s.store.GetGuildSettings(ctx, guildID)
		if err != nil {
			return nil, err
		}
		channels, _ := settings["channels"].(map[string]any)
		return channels[routeType], nil
	})
	if err != nil {
		return httpError(err)
	}
	if v == nil {
		return echo.NewHTTPError(404, fmt.Sprintf("no %s route configured", routeType))
	}
	return c.JSON(200, map[string]any{"type": routeType, "channel": v})
}

func (s *Server) handleCreateCase(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	var mc storage.ModCase
	if err := c.Bind(&mc); err != nil {
		return echo.NewHTTPError(400, "invalid case body")
	}
	if mc.UserID == 0 || mc.Action == "" {
		return echo.NewHTTPError(400, "case requires user_id and action")
	}
	mc.GuildID = guildID
	if err := s.store.CreateCase(c.Request().Context(), &mc); err != nil {
		return httpError(err)
	}
	s.caches.Invalidate(domainLookups, userCasesKey(guildID, mc.UserID))
	return c.JSON(201, mc)
}

func (s *Server) handleGetCase(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	number, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(400, "invalid case number")
	}
	mc, err := s.store.GetCase(c.Request().Context(), guildID, number)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(200, mc)
}

func (s *Server) handleCloseCase(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	number, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(400, "invalid case number")
	}
	if err := s.store.CloseCase(c.Request().Context(), guildID, number); err != nil {
		return httpError(err)
	}
	s.caches.InvalidateAll(domainLookups)
	return c.NoContent(204)
}

func userCasesKey(guildID, userID uint64) string {
	return fmt.Sprintf("cases/%d/%d", guildID, userID)
}

func (s *Server) handleListUserCases(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	userID, err := parseID(c, "user")
	if err != nil {
		return err
	}
	v, err := s.caches.GetOrLoad(c.Request().Context(), domainLookups, userCasesKey(guildID, userID), func(ctx context.Context) (any, error) {
		return s.store.ListUserCases(ctx, guildID, userID)
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(200, v)
}

func (s *Server) handleAddWarning(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	userID, err := parseID(c, "user")
	if err != nil {
		return err
	}
	var w storage.Warning
	if err := c.Bind(&w); err != nil {
		return echo.NewHTTPError(400, "invalid warning body")
	}
	w.GuildID = guildID
	w.UserID = userID
	if err := s.store.AddWarning(c.Request().Context(), &w); err != nil {
		return httpError(err)
	}
	return c.JSON(201, w)
}

func (s *Server) handleListWarnings(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	userID, err := parseID(c, "user")
	if err != nil {
		return err
	}
	warnings, err := s.store.ListWarnings(c.Request().Context(), guildID, userID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(200, warnings)
}

func (s *Server) handleClearWarnings(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	userID, err := parseID(c, "user")
	if err != nil {
		return err
	}
	cleared, err := s.store.ClearWarnings(c.Request().Context(), guildID, userID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(200, map[string]any{"cleared": cleared})
}

func (s *Server) handleAddModNote(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	userID, err := parseID(c, "user")
	if err != nil {
		return err
	}
	var n storage.ModNote
	if err := c.Bind(&n); err != nil {
		return echo.NewHTTPError(400, "invalid note body")
	}
	if n.Note == "" {
		return echo.NewHTTPError(400, "note text required")
	}
	n.GuildID = guildID
	n.UserID = userID
	if err := s.store.AddModNote(c.Request().Context(), &n); err != nil {
		return httpError(err)
	}
	return c.JSON(201, n)
}

func (s *Server) handleListModNotes(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	userID, err := parseID(c, "user")
	if err != nil {
		return err
	}
	notes, err := s.store.ListModNotes(c.Request().Context(), guildID, userID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(200, notes)
}

func blacklistKey(userID uint64) string {
	return fmt.Sprintf("blacklist/%d", userID)
}

// isBlacklisted answers membership from the lookups cache, falling back to
// the database for users not seeded at startup or evicted since.
func (s *Server) isBlacklisted(ctx context.Context, userID uint64) (bool, error) {
	v, err := s.caches.GetOrLoad(ctx, domainLookups, blacklistKey(userID), func(ctx context.Context) (any, error) {
		return s.store.IsBlacklisted(ctx, userID)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Server) handleListBlacklist(c echo.Context) error {
	entries, err := s.store.ListBlacklist(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(200, entries)
}

func (s *Server) handleAddBlacklist(c echo.Context) error {
	var e storage.BlacklistEntry
	if err := c.Bind(&e); err != nil || e.UserID == 0 {
		return echo.NewHTTPError(400, "blacklist entry requires user_id")
	}
	if err := s.store.AddToBlacklist(c.Request().Context(), &e); err != nil {
		return httpError(err)
	}
	s.caches.Put(domainLookups, blacklistKey(e.UserID), true)
	s.logger.Info("user blacklisted", "userID", e.UserID, "addedBy", e.AddedBy)
	return c.JSON(201, e)
}

func (s *Server) handleRemoveBlacklist(c echo.Context) error {
	userID, err := parseID(c, "user")
	if err != nil {
		return err
	}
	if err := s.store.RemoveFromBlacklist(c.Request().Context(), userID); err != nil {
		return httpError(err)
	}
	s.caches.Invalidate(domainLookups, blacklistKey(userID))
	return c.NoContent(204)
}

// handleAIAdmission decides whether an AI-feature invocation may proceed:
// blacklist membership first, then the user's sliding window, and only then
// the process-wide daily budget, so blocked or throttled users never consume
// a budget slot. Denial is a normal outcome (HTTP 403/429), never a 5xx.
func (s *Server) handleAIAdmission(c echo.Context) error {
	guildID, err := parseID(c, "guild")
	if err != nil {
		return err
	}
	var body struct {
		UserID uint64 `json:"user_id"`
	}
	if err := c.Bind(&body); err != nil || body.UserID == 0 {
		return echo.NewHTTPError(400, "user_id required")
	}

	blocked, err := s.isBlacklisted(c.Request().Context(), body.UserID)
	if err != nil {
		return httpError(err)
	}
	if blocked {
		return c.JSON(403, map[string]any{
			"allowed": false,
			"reason":  "user is blacklisted",
		})
	}

	actor := fmt.Sprintf("%d/%d", guildID, body.UserID)
	if !s.aiLimiter.Allow(actor) {
		return c.JSON(429, map[string]any{
			"allowed":        false,
			"reason":         "actor rate limit",
			"retry_after_ms": s.aiLimiter.RetryAfter(actor) / time.Millisecond,
		})
	}
	if !s.aiBudget.Allow() {
		return c.JSON(429, map[string]any{
			"allowed": false,
			"reason":  "daily budget exhausted",
		})
	}
	return c.JSON(200, map[string]any{
		"allowed":   true,
		"remaining": s.aiLimiter.Remaining(actor),
	})
}
