package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sekretar/internal/initdata"
	"sekretar/internal/ratelimit"
	"sekretar/internal/util"
	"sekretar/pkg/domain"
	"sekretar/pkg/store"
)

// GroupSyncer refreshes a group's title and forum flag from the bot API.
type GroupSyncer interface {
	ChatInfo(chatID int64) (title string, isForum bool, err error)
}

// Config wires required dependencies for the WebApp API.
type Config struct {
	Store              store.Store
	InitData           *initdata.Verifier
	Tokens             *initdata.TokenIssuer
	Syncer             GroupSyncer
	RedisAddr          string
	RedisPassword      string
	RateLimitPerMinute int
}

// Server exposes the WebApp HTTP API. Every data endpoint is scoped to the
// caller's own group.
type Server struct {
	store    store.Store
	initData *initdata.Verifier
	tokens   *initdata.TokenIssuer
	syncer   GroupSyncer
	limiter  *ratelimit.FixedWindowLimiter
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server requires a store")
	}
	if cfg.InitData == nil || cfg.Tokens == nil {
		return nil, errors.New("server requires init data verification and a token issuer")
	}
	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" {
		limit := cfg.RateLimitPerMinute
		if limit <= 0 {
			limit = 60
		}
		var err error
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "sekretar:webapp:ratelimit", limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init rate limiter: %w", err)
		}
	}
	s := &Server{
		store:    cfg.Store,
		initData: cfg.InitData,
		tokens:   cfg.Tokens,
		syncer:   cfg.Syncer,
		limiter:  limiter,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the handler wrapped in the middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("bot", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/v1/auth/token", s.rateLimited(s.handleAuthToken))
	s.mux.Handle("/api/v1/group", s.authenticated(s.handleGroup))
	s.mux.Handle("/api/v1/topics", s.authenticated(s.handleTopics))
	s.mux.Handle("/api/v1/topics/", s.authenticated(s.handleTopicByID))
	s.mux.Handle("/api/v1/settings/ai", s.authenticated(s.handleAISettings))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(util.ClientIP(r, nil)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next userHandler) http.Handler {
	return s.rateLimited(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// authorize accepts either "tma <initData>" (raw WebApp launch payload) or
// "Bearer <jwt>" (session token from /api/v1/auth/token). A launch payload
// may create the user row; a session token only ever refers to an existing
// one, since the row was created when the token was issued.
func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, credential, found := strings.Cut(header, " ")
	if !found {
		return domain.User{}, false
	}
	credential = strings.TrimSpace(credential)

	switch strings.ToLower(scheme) {
	case "tma":
		data, err := s.initData.Verify(credential, time.Now().UTC())
		if err != nil {
			return domain.User{}, false
		}
		user, err := s.store.GetOrCreateUser(data.User.ID)
		if err != nil {
			return domain.User{}, false
		}
		return user, true
	case "bearer":
		id, err := s.tokens.VerifySubject(credential)
		if err != nil {
			return domain.User{}, false
		}
		user, ok, err := s.store.GetUserByTelegramID(id)
		if err != nil || !ok {
			return domain.User{}, false
		}
		return user, true
	default:
		return domain.User{}, false
	}
}

type tokenRequest struct {
	InitData string `json:"initData"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	now := time.Now().UTC()
	data, err := s.initData.Verify(strings.TrimSpace(req.InitData), now)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "init data rejected")
		return
	}
	if _, err := s.store.GetOrCreateUser(data.User.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "user lookup failed")
		return
	}
	token, err := s.tokens.Issue(data.User.ID, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	group, ok, err := s.store.GetGroupByOwner(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "group lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no group yet — add the bot to a forum group first")
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	group, ok, err := s.store.GetGroupByOwner(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "group lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no group yet")
		return
	}
	topics, err := s.store.ListTopics(group.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "topic list failed")
		return
	}
	writeJSON(w, http.StatusOK, topics)
}

type topicPatch struct {
	Description  *string `json:"description"`
	FormatPolicy *string `json:"formatPolicy"`
	Active       *bool   `json:"active"`
}

func (s *Server) handleTopicByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/topics/")
	if rest == "sync" {
		s.handleTopicsSync(w, r, user)
		return
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "topic not found")
		return
	}
	group, ok, err := s.store.GetGroupByOwner(user.ID)
	if err != nil || !ok {
		writeError(w, http.StatusNotFound, "no group yet")
		return
	}
	topic, found, err := s.store.GetTopicByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "topic lookup failed")
		return
	}
	if !found || topic.GroupID != group.ID {
		writeError(w, http.StatusNotFound, "topic not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, topic)
	case http.MethodPatch:
		var patch topicPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := s.store.UpdateTopic(topic.ID, store.TopicUpdate{
			Description:  patch.Description,
			FormatPolicy: patch.FormatPolicy,
			Active:       patch.Active,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "topic update failed")
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTopicsSync refreshes the group row from the live chat: title changes
// and the forum flag are not pushed by Telegram, so the WebApp pulls them.
func (s *Server) handleTopicsSync(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync not available")
		return
	}
	group, ok, err := s.store.GetGroupByOwner(user.ID)
	if err != nil || !ok {
		writeError(w, http.StatusNotFound, "no group yet")
		return
	}
	title, isForum, err := s.syncer.ChatInfo(group.TelegramChatID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "telegram lookup failed")
		return
	}
	if err := s.store.UpdateGroupInfo(group.ID, title, isForum); err != nil {
		writeError(w, http.StatusInternalServerError, "group update failed")
		return
	}
	group.Title = title
	group.TopicsEnabled = isForum
	writeJSON(w, http.StatusOK, group)
}

type aiSettingsPatch struct {
	Provider     *string `json:"provider"`
	Model        *string `json:"model"`
	BrevityLevel *int    `json:"brevityLevel"`
}

func (s *Server) handleAISettings(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.store.GetAISettings(user.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "settings lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPatch:
		var patch aiSettingsPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		settings, err := s.store.GetAISettings(user.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "settings lookup failed")
			return
		}
		if patch.Provider != nil {
			provider := strings.ToLower(strings.TrimSpace(*patch.Provider))
			if provider != domain.ProviderGemini && provider != domain.ProviderOpenAI {
				writeError(w, http.StatusBadRequest, "provider must be gemini or openai")
				return
			}
			settings.Provider = provider
		}
		if patch.Model != nil {
			model := strings.TrimSpace(*patch.Model)
			if model == "" {
				writeError(w, http.StatusBadRequest, "model must not be empty")
				return
			}
			settings.Model = model
		}
		if patch.BrevityLevel != nil {
			if *patch.BrevityLevel < 1 || *patch.BrevityLevel > 5 {
				writeError(w, http.StatusBadRequest, "brevityLevel must be between 1 and 5")
				return
			}
			settings.BrevityLevel = *patch.BrevityLevel
		}
		settings.UserID = user.ID
		if err := s.store.SaveAISettings(settings); err != nil {
			writeError(w, http.StatusInternalServerError, "settings save failed")
			return
		}
		writeJSON(w, http.StatusOK, settings)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}
