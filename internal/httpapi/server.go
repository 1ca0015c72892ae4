package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"feedcrawler/internal/config"
	"feedcrawler/internal/engine"
	"feedcrawler/internal/logbus"
	"feedcrawler/internal/model"
	"feedcrawler/internal/notify"
	"feedcrawler/internal/store/sqlite"
	"feedcrawler/internal/ws"
)

const defaultCookieDomain = ".x.com"

type Options struct {
	Cfg    config.Config
	Bus    *logbus.Bus
	Store  *sqlite.Store
	Engine *engine.Engine
}

type Server struct {
	cfg    config.Config
	bus    *logbus.Bus
	store  *sqlite.Store
	engine *engine.Engine
	ws     *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:    opts.Cfg,
		bus:    opts.Bus,
		store:  opts.Store,
		engine: opts.Engine,
		ws:     ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/accounts", s.handleAccounts)
	api.HandleFunc("/api/v1/sessions", s.handleSessions)
	api.HandleFunc("/api/v1/sessions/sync", s.handleSessionSync)
	api.HandleFunc("/api/v1/sessions/invalidate", s.handleSessionInvalidate)
	api.HandleFunc("/api/v1/targets", s.handleTargets)
	api.HandleFunc("/api/v1/targets/enabled", s.handleTargetEnabled)
	api.HandleFunc("/api/v1/targets/items", s.handleTargetItems)
	api.HandleFunc("/api/v1/targets/outcomes", s.handleTargetOutcomes)
	api.HandleFunc("/api/v1/tasks", s.handleTasks)
	api.HandleFunc("/api/v1/plan", s.handlePlan)
	api.HandleFunc("/api/v1/engine/start", s.handleEngineStart)
	api.HandleFunc("/api/v1/engine/stop", s.handleEngineStop)
	api.HandleFunc("/api/v1/engine/state", s.handleEngineState)
	api.HandleFunc("/api/v1/settings/email", s.handleEmailSettings)
	api.HandleFunc("/api/v1/settings/email/test", s.handleEmailTest)
	api.HandleFunc("/api/v1/settings/limits", s.handleLimitsSettings)
	api.HandleFunc("/api/v1/settings/notify", s.handleNotifySettings)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		owner := ownerOf(r)
		if owner == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "ownerId is required"})
			return
		}
		accounts, err := s.store.ListAccounts(r.Context(), owner)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": accounts})
	case http.MethodPost:
		var body struct {
			ID        string `json:"id,omitempty"`
			OwnerID   string `json:"ownerId"`
			Handle    string `json:"handle"`
			Proxy     string `json:"proxy,omitempty"`
			UserAgent string `json:"userAgent,omitempty"`
			Enabled   *bool  `json:"enabled,omitempty"`
		}
		if err := readJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		next := model.Account{
			ID:        strings.TrimSpace(body.ID),
			OwnerID:   strings.TrimSpace(body.OwnerID),
			Handle:    strings.TrimSpace(body.Handle),
			Proxy:     strings.TrimSpace(body.Proxy),
			UserAgent: strings.TrimSpace(body.UserAgent),
			Enabled:   true,
		}
		if body.Enabled != nil {
			next.Enabled = *body.Enabled
		}
		acc, err := s.store.UpsertAccount(r.Context(), next)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": acc})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
			return
		}
		if err := s.store.DeleteAccount(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	owner := ownerOf(r)
	if owner == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "ownerId is required"})
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for i := range sessions {
		sessions[i].Cookies = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": sessions})
}

type sessionSyncPayload struct {
	AccountID    string         `json:"accountId"`
	Cookies      []model.Cookie `json:"cookies,omitempty"`
	CookieHeader string         `json:"cookieHeader,omitempty"`
	Domain       string         `json:"domain,omitempty"`
	ExpiresAtMs  int64          `json:"expiresAtMs,omitempty"`
}

func (s *Server) handleSessionSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body sessionSyncPayload
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cookies := body.Cookies
	if len(cookies) == 0 && strings.TrimSpace(body.CookieHeader) != "" {
		domain := strings.TrimSpace(body.Domain)
		if domain == "" {
			domain = defaultCookieDomain
		}
		cookies = model.ParseCookieHeader(body.CookieHeader, domain)
	}
	if strings.TrimSpace(body.AccountID) == "" || len(cookies) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "accountId and cookies are required"})
		return
	}
	var expiresAt time.Time
	if body.ExpiresAtMs > 0 {
		expiresAt = time.UnixMilli(body.ExpiresAtMs)
	}

	sess, err := s.store.SyncSession(r.Context(), strings.TrimSpace(body.AccountID), cookies, expiresAt)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, sqlite.ErrNotFound) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	s.bus.Log("info", "会话已同步", map[string]any{"accountId": sess.AccountID, "version": sess.Version})
	sess.Cookies = nil
	writeJSON(w, http.StatusOK, map[string]any{"data": sess})
}

func (s *Server) handleSessionInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ID     string `json:"id"`
		Reason string `json:"reason,omitempty"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := strings.TrimSpace(body.ID)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "invalidated by user"
	}
	if err := s.store.InvalidateSession(r.Context(), id, reason); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, sqlite.ErrNotFound) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	s.engine.ForgetSession(id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		owner := ownerOf(r)
		if owner == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "ownerId is required"})
			return
		}
		targets, err := s.store.ListTargets(r.Context(), owner)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": targets})
	case http.MethodPost:
		var body struct {
			ID             string           `json:"id,omitempty"`
			OwnerID        string           `json:"ownerId"`
			Kind           model.TargetKind `json:"kind"`
			Value          string           `json:"value"`
			Enabled        bool             `json:"enabled"`
			Priority       int              `json:"priority"`
			MaxPostsPerRun int              `json:"maxPostsPerRun"`
		}
		if err := readJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		t, err := s.store.UpsertTarget(r.Context(), model.Target{
			ID:             strings.TrimSpace(body.ID),
			OwnerID:        body.OwnerID,
			Kind:           model.TargetKind(strings.ToUpper(string(body.Kind))),
			Value:          body.Value,
			Enabled:        body.Enabled,
			Priority:       body.Priority,
			MaxPostsPerRun: body.MaxPostsPerRun,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.autoRun()
		writeJSON(w, http.StatusOK, map[string]any{"data": t})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
			return
		}
		if err := s.store.DeleteTarget(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.autoRun()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTargetEnabled(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SetTargetEnabled(r.Context(), body.ID, body.Enabled); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, sqlite.ErrNotFound) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	s.autoRun()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTargetItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := parseInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := s.store.ListItems(r.Context(), r.URL.Query().Get("targetId"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items})
}

func (s *Server) handleTargetOutcomes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := parseInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.store.ListRunOutcomes(r.Context(), r.URL.Query().Get("targetId"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, err := parseInt(r.URL.Query().Get("limit"), 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tasks, err := s.store.ListTasks(r.Context(), ownerOf(r), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": tasks})
	case http.MethodPost:
		var body engine.EnqueueRequest
		if err := readJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		body.Kind = model.TaskKind(strings.ToUpper(string(body.Kind)))
		task, err := s.engine.Enqueue(r.Context(), body)
		if errors.Is(err, sqlite.ErrTargetBusy) {
			writeError(w, http.StatusConflict, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": task})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	owner := ownerOf(r)
	if owner == "" {
		n, err := s.engine.PlanAll(r.Context(), time.Now())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"tasks": n}})
		return
	}
	batch, err := s.engine.PlanOwner(r.Context(), owner, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": batch})
}

func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.engine.StartAll(ctx); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := s.engine.StopAll(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEngineState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.engine.State()})
}

// autoRun starts or stops the engine to match the enabled targets.
func (s *Server) autoRun() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.engine.AutoRunByStore(ctx); err != nil {
		s.bus.Log("warn", "自动启停引擎失败", map[string]any{"error": err.Error()})
	}
}

type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Email    *string `json:"email,omitempty"`
	AuthCode *string `json:"authCode,omitempty"`
	SMTPHost *string `json:"smtpHost,omitempty"`
	SMTPPort *int    `json:"smtpPort,omitempty"`
}

func (s *Server) handleEmailSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		val, ok, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"data": model.EmailSettings{}})
			return
		}
		if val.AuthCode != "" {
			val.AuthCode = "******"
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": val})
	case http.MethodPost:
		var body emailSettingsPayload
		if err := readJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		current, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		next := current
		if body.Enabled != nil {
			next.Enabled = *body.Enabled
		}
		if body.Email != nil {
			next.Email = strings.TrimSpace(*body.Email)
		}
		if body.AuthCode != nil {
			ac := strings.TrimSpace(*body.AuthCode)
			if ac != "******" {
				next.AuthCode = ac
			}
		}
		if body.SMTPHost != nil {
			next.SMTPHost = strings.TrimSpace(*body.SMTPHost)
		}
		if body.SMTPPort != nil {
			next.SMTPPort = *body.SMTPPort
		}

		saved, err := s.store.UpsertEmailSettings(r.Context(), next)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if saved.AuthCode != "" {
			saved.AuthCode = "******"
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": saved})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	val, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	if err := notify.SendDigestEmail(ctx, val, []notify.Event{{
		Kind:   notify.KindNewContent,
		At:     time.Now().UnixMilli(),
		Target: "邮件测试",
		Count:  1,
	}}); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLimitsSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"data": s.engine.Limits()})
	case http.MethodPost:
		var body struct {
			MaxInFlight *int     `json:"maxInFlight,omitempty"`
			SessionQPS  *float64 `json:"sessionQPS,omitempty"`
		}
		if err := readJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		next := s.engine.Limits()
		if body.MaxInFlight != nil {
			next.MaxInFlight = *body.MaxInFlight
		}
		if body.SessionQPS != nil {
			next.SessionQPS = *body.SessionQPS
		}
		if next.MaxInFlight > 64 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "maxInFlight is too large"})
			return
		}
		next = s.engine.SetLimits(next)
		saved, err := s.store.UpsertLimitsSettings(r.Context(), next)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": saved})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleNotifySettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"data": s.engine.NotifySettings()})
	case http.MethodPost:
		var body model.NotifySettings
		if err := readJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		next := s.engine.SetNotifySettings(body)
		saved, err := s.store.UpsertNotifySettings(r.Context(), next)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": saved})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
