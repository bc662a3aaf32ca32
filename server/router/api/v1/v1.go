// Package v1 is the REST surface of the chat service.
package v1

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/kayano/streamchat/ai/llm"
	"github.com/kayano/streamchat/ai/streams"
	"github.com/kayano/streamchat/chat"
	"github.com/kayano/streamchat/internal/profile"
	"github.com/kayano/streamchat/server/auth"
	"github.com/kayano/streamchat/store"
)

type APIV1Service struct {
	Profile *profile.Profile
	Store   *store.Store

	Sessions     *chat.SessionManager
	Orchestrator *chat.Orchestrator
	Resumer      *chat.Resumer

	authenticator *auth.Authenticator
	limiters      *userLimiters
}

func NewAPIV1Service(profile *profile.Profile, st *store.Store, llmService llm.Service, registry *streams.Registry) *APIV1Service {
	sessions := chat.NewSessionManager(st, profile.HistoryTokenBudget)
	orchestrator := chat.NewOrchestrator(st, llmService, registry, chat.OrchestratorConfig{})
	return &APIV1Service{
		Profile:       profile,
		Store:         st,
		Sessions:      sessions,
		Orchestrator:  orchestrator,
		Resumer:       chat.NewResumer(sessions, registry, orchestrator),
		authenticator: auth.NewAuthenticator(profile.Secret),
		limiters:      newUserLimiters(profile.RateLimitPerMin),
	}
}

// RegisterRoutes attaches the API routes to the echo instance.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/auth/token", s.IssueToken)

	api := e.Group("/api", s.authMiddleware)
	api.POST("/chat", s.Chat, s.rateLimitMiddleware)
	api.POST("/chat/:chatId/resume", s.ResumeChat)
	api.GET("/chats", s.ListChats)
	api.GET("/chats/:chatId", s.GetChat)
	api.PATCH("/chats/:chatId", s.UpdateChat)
	api.DELETE("/chats/:chatId", s.DeleteChat)
}

// authMiddleware resolves the bearer token to a user id and stores it on the
// request context.
func (s *APIV1Service) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := s.authenticator.Authenticate(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return s.errorResponse(c, err)
		}
		c.Set(auth.ClaimsContextKey, userID)
		return next(c)
	}
}

func (s *APIV1Service) rateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.limiters.allow(currentUserID(c)) {
			return c.JSON(http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		}
		return next(c)
	}
}

func currentUserID(c echo.Context) string {
	userID, _ := c.Get(auth.ClaimsContextKey).(string)
	return userID
}

// errorResponse maps pipeline errors to HTTP statuses. Details are included
// only outside prod mode.
func (s *APIV1Service) errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	message := "internal server error"
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		status, message = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, chat.ErrInvalidInput):
		status, message = http.StatusBadRequest, "invalid request"
	case errors.Is(err, chat.ErrNotFound):
		status, message = http.StatusNotFound, "chat not found"
	case errors.Is(err, chat.ErrNoResumableState):
		status, message = http.StatusBadRequest, "no resumable state"
	case errors.Is(err, chat.ErrBusy):
		status, message = http.StatusTooManyRequests, "too many concurrent generations"
	case errors.Is(err, chat.ErrUpstream):
		status, message = http.StatusInternalServerError, "upstream provider error"
	}

	body := map[string]any{"error": message}
	if s.Profile.IsDev() {
		body["details"] = err.Error()
	}
	return c.JSON(status, body)
}

// IssueToken exchanges a user id for a signed bearer token. There is no user
// registry; any non-empty id is a valid principal. Disabled in prod, where
// tokens are provisioned out of band.
func (s *APIV1Service) IssueToken(c echo.Context) error {
	if !s.Profile.IsDev() {
		return c.JSON(http.StatusNotFound, map[string]any{"error": "not found"})
	}
	var body struct {
		UserID string `json:"userId"`
	}
	if err := c.Bind(&body); err != nil || body.UserID == "" {
		return s.errorResponse(c, errors.Wrap(chat.ErrInvalidInput, "userId required"))
	}
	token, err := s.authenticator.IssueToken(body.UserID, auth.DefaultTokenTTL)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int64(auth.DefaultTokenTTL / time.Second),
	})
}

// userLimiters keeps one token bucket per user.
type userLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newUserLimiters(perMinute int) *userLimiters {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &userLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
}

func (l *userLimiters) allow(userID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
