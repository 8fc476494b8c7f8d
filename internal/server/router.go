package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/JullianMQ/lifeline/internal/apperrors"
	"github.com/JullianMQ/lifeline/internal/auth"
	"github.com/JullianMQ/lifeline/internal/identity"
	"github.com/JullianMQ/lifeline/internal/locations"
	"github.com/JullianMQ/lifeline/internal/rooms"
	"github.com/JullianMQ/lifeline/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	identityContextKey = "lifeline_identity"
	defaultSendBuffer  = 64
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingHub              = errors.New("room hub dependency required")
	errMissingLedger           = errors.New("location ledger dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserDirectory records callers and exposes their emergency contacts.
type UserDirectory interface {
	Touch(ctx context.Context, ident identity.Identity) (users.Identity, error)
	ContactPhones(ctx context.Context, ownerUserID string) ([]string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserDirectory
	Hub              *rooms.Hub
	Ledger           *locations.Ledger
	AllowedOrigins   []string
	SendBuffer       int
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin engine serving REST and the websocket.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sendBuffer := deps.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	origins := normalizeOrigins(deps.AllowedOrigins)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		users:      deps.Users,
		hub:        deps.Hub,
		ledger:     deps.Ledger,
		sendBuffer: sendBuffer,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/location", handler.handlePostLocation)
	protected.POST("/sos", handler.handlePostSOS)
	protected.GET("/locations", handler.handleHistory)
	protected.GET("/locations/contacts", handler.handleContactHistory)
	protected.PATCH("/locations/:id/acknowledge", handler.handleAcknowledge)
	protected.GET("/ws", handler.handleWebsocket)

	return router, nil
}

type httpHandler struct {
	sessions   SessionValidator
	users      UserDirectory
	hub        *rooms.Hub
	ledger     *locations.Ledger
	sendBuffer int
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: !allowsAnyOrigin(origins),
		MaxAge:           12 * time.Hour,
	})
}

func normalizeOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func allowsAnyOrigin(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func originChecker(origins []string) func(r *http.Request) bool {
	if allowsAnyOrigin(origins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Unauthorized"})
		return
	}
	caller := claims.Identity()
	if h.users != nil {
		if _, err := h.users.Touch(c.Request.Context(), caller); err != nil {
			h.logger.Warn("identity touch failed", zap.String("user_id", caller.UserID), zap.Error(err))
		}
	}
	c.Set(identityContextKey, caller)
	c.Next()
}

func callerIdentity(c *gin.Context) identity.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return identity.Identity{}
	}
	caller, _ := value.(identity.Identity)
	return caller
}

type locationRequest struct {
	Latitude          *float64  `json:"latitude"`
	Longitude         *float64  `json:"longitude"`
	Accuracy          *float64  `json:"accuracy"`
	Timestamp         time.Time `json:"timestamp"`
	FormattedLocation string    `json:"formattedLocation"`
	RoomID            string    `json:"roomId"`
	SOS               bool      `json:"sos"`
}

type locationResponse struct {
	Success    bool      `json:"success"`
	LocationID string    `json:"locationId"`
	Timestamp  time.Time `json:"timestamp"`
	Rooms      []string  `json:"rooms"`
}

func (h *httpHandler) handlePostLocation(c *gin.Context) {
	h.postLocation(c, false)
}

func (h *httpHandler) handlePostSOS(c *gin.Context) {
	h.postLocation(c, true)
}

func (h *httpHandler) postLocation(c *gin.Context, forceSOS bool) {
	var request locationRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Latitude == nil || request.Longitude == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(apperrors.KindValidation), "message": "invalid request"})
		return
	}
	result, err := h.ledger.PostLocation(c.Request.Context(), callerIdentity(c), locations.Update{
		Latitude:          *request.Latitude,
		Longitude:         *request.Longitude,
		Accuracy:          request.Accuracy,
		Timestamp:         request.Timestamp,
		FormattedLocation: request.FormattedLocation,
		RoomID:            request.RoomID,
		SOS:               request.SOS || forceSOS,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, locationResponse{
		Success:    true,
		LocationID: result.Record.ID,
		Timestamp:  result.Record.RecordedAt,
		Rooms:      result.Rooms,
	})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	records, err := h.ledger.History(c.Request.Context(), callerIdentity(c).UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": records})
}

func (h *httpHandler) handleContactHistory(c *gin.Context) {
	histories, err := h.ledger.ContactHistory(c.Request.Context(), callerIdentity(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": histories})
}

func (h *httpHandler) handleAcknowledge(c *gin.Context) {
	record, err := h.ledger.Acknowledge(c.Request.Context(), callerIdentity(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"location": record})
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	status := apperrors.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": string(kind), "message": apperrors.MessageOf(err)})
}
