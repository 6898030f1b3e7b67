package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/metrics"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/realtime"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/views"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sessionUserContextKey    = "kerbtrack_user"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingCredentials   = errors.New("credential verifier dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingViews         = errors.New("view provider dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// CredentialVerifier checks a username and password against the login table.
type CredentialVerifier interface {
	Verify(username, password string) error
}

// SessionTokenManager issues and validates dashboard session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, username string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// ViewProvider renders the read-side views.
type ViewProvider interface {
	Table(query string) views.Table
	Markers() []views.Marker
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Credentials       CredentialVerifier
	TokenManager      SessionTokenManager
	Views             ViewProvider
	Realtime          *realtime.Dispatcher
	Metrics           *metrics.Metrics
	LoginLimiter      *rate.Limiter
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the dashboard API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Credentials == nil {
		return nil, errMissingCredentials
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Views == nil {
		return nil, errMissingViews
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := deps.LoginLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(time.Second), 5)
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		credentials: deps.Credentials,
		tokens:      deps.TokenManager,
		views:       deps.Views,
		realtime:    deps.Realtime,
		limiter:     limiter,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{})))
	}
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/records", handler.handleRecords)
	protected.GET("/markers", handler.handleMarkers)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	credentials CredentialVerifier
	tokens      SessionTokenManager
	views       ViewProvider
	realtime    *realtime.Dispatcher
	limiter     *rate.Limiter
	heartbeat   time.Duration
	logger      *zap.Logger
}

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type markersResponsePayload struct {
	Markers []views.Marker `json:"markers"`
}

type streamEventPayload struct {
	Count     int    `json:"count"`
	Trigger   string `json:"trigger,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	if !h.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.credentials.Verify(request.Username, request.Password); err != nil {
		h.logger.Info("login rejected", zap.String("username", request.Username), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), strings.TrimSpace(request.Username))
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleRecords(c *gin.Context) {
	c.JSON(http.StatusOK, h.views.Table(c.Query("q")))
}

func (h *httpHandler) handleMarkers(c *gin.Context) {
	c.JSON(http.StatusOK, markersResponsePayload{Markers: h.views.Markers()})
}

func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.SSEvent(realtime.EventHeartbeat, streamEventPayload{Timestamp: time.Now().UTC().Format(time.RFC3339)})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, streamEventPayload{
				Count:     message.Count,
				Trigger:   message.Trigger,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339),
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtime.EventHeartbeat, streamEventPayload{Timestamp: tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionUserContextKey, subject)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to the access_token query
// parameter for EventSource clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query(accessTokenQueryParam))
}
