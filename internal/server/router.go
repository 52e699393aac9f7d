package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/accounts"
	"github.com/MarcoPoloResearchLab/prcalc/internal/auth"
	"github.com/MarcoPoloResearchLab/prcalc/internal/lifts"
	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	principalContextKey  = "prcalc_principal"
	adminContextKey      = "prcalc_admin"
	defaultTouchBudget   = 250 * time.Millisecond
	defaultHeartbeatTick = 30 * time.Second
	bearerPrefix         = "Bearer "
)

var (
	errMissingDeviceRegistry = errors.New("device registry dependency required")
	errMissingSyncStore      = errors.New("sync store dependency required")
	errMissingAdminValidator = errors.New("admin validator required when an exporter is configured")
)

// DeviceRegistry registers and authenticates devices.
type DeviceRegistry interface {
	Bootstrap(ctx context.Context, request accounts.BootstrapRequest) (accounts.BootstrapResult, error)
	Authenticate(ctx context.Context, deviceID, token string) (accounts.Principal, error)
	Touch(ctx context.Context, deviceID string) error
}

// SyncStore applies pushes and answers pulls for one account.
type SyncStore interface {
	Push(ctx context.Context, accountID lifts.AccountID, request wire.PushRequest) (lifts.PushResult, error)
	Pull(ctx context.Context, accountID lifts.AccountID, sinceMs int64) (lifts.PullResult, error)
}

// DeviceExporter produces support dumps.
type DeviceExporter interface {
	ExportByDevice(ctx context.Context, deviceID string, options lifts.ExportOptions) (lifts.ExportBundle, error)
}

// AdminAuthorizer validates operator credentials on a request.
type AdminAuthorizer interface {
	ValidateRequest(r *http.Request) (auth.AdminClaims, error)
}

// Dependencies wires the HTTP surface. Realtime, Exporter and Admin are optional.
type Dependencies struct {
	Devices     DeviceRegistry
	Sync        SyncStore
	Exporter    DeviceExporter
	Admin       AdminAuthorizer
	Realtime    *RealtimeDispatcher
	TouchBudget time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Devices == nil {
		return nil, errMissingDeviceRegistry
	}
	if deps.Sync == nil {
		return nil, errMissingSyncStore
	}
	if deps.Exporter != nil && deps.Admin == nil {
		return nil, errMissingAdminValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	touchBudget := deps.TouchBudget
	if touchBudget <= 0 {
		touchBudget = defaultTouchBudget
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		devices:       deps.Devices,
		sync:          deps.Sync,
		exporter:      deps.Exporter,
		admin:         deps.Admin,
		realtime:      deps.Realtime,
		touchBudget:   touchBudget,
		heartbeatTick: defaultHeartbeatTick,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/v1/bootstrap", handler.handleBootstrap)

	protected := router.Group("/v1/sync")
	protected.Use(handler.authorizeDevice)
	protected.POST("/push", handler.handleSyncPush)
	protected.GET("/pull", handler.handleSyncPull)
	if deps.Realtime != nil {
		protected.GET("/stream", handler.handleSyncStream)
	}

	if deps.Exporter != nil {
		admin := router.Group("/v1/admin")
		admin.Use(handler.authorizeAdmin)
		admin.GET("/devices/:deviceId/export", handler.handleDeviceExport)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", wire.HeaderDeviceID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	devices       DeviceRegistry
	sync          SyncStore
	exporter      DeviceExporter
	admin         AdminAuthorizer
	realtime      *RealtimeDispatcher
	touchBudget   time.Duration
	heartbeatTick time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleBootstrap(c *gin.Context) {
	var request wire.BootstrapRequest
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.DeviceID) == "" ||
		strings.TrimSpace(request.DeviceToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.devices.Bootstrap(c.Request.Context(), accounts.BootstrapRequest{
		DeviceID:    request.DeviceID,
		DeviceToken: request.DeviceToken,
		AppVersion:  request.AppVersion,
	})
	switch {
	case errors.Is(err, accounts.ErrTokenMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_token_mismatch"})
		return
	case errors.Is(err, accounts.ErrMissingCredentials), errors.Is(err, accounts.ErrInvalidDeviceID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	case err != nil:
		h.respondInternal(c, "device bootstrap failed", "bootstrap_failed", err)
		return
	}

	c.JSON(http.StatusOK, wire.BootstrapResponse{
		AccountID:    result.AccountID,
		DeviceID:     result.DeviceID,
		ServerTimeMs: result.ServerTime.UnixMilli(),
	})
}

func (h *httpHandler) handleSyncPush(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request wire.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !envelopesValid(request.Movements) || !envelopesValid(request.PrEntries) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_envelope"})
		return
	}

	result, err := h.sync.Push(c.Request.Context(), lifts.AccountID(principal.AccountID), request)
	if err != nil {
		h.respondInternal(c, "sync push failed", "sync_failed", err)
		return
	}

	if result.Accepted > 0 && h.realtime != nil {
		h.realtime.Publish(RealtimeMessage{
			AccountID:      principal.AccountID,
			OriginDeviceID: principal.DeviceID,
			EventType:      wire.StreamEventSyncChanged,
			Timestamp:      result.ServerTime,
		})
	}

	c.JSON(http.StatusOK, result.Response())
}

func (h *httpHandler) handleSyncPull(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	result, err := h.sync.Pull(c.Request.Context(), lifts.AccountID(principal.AccountID), parseSince(c.Query("sinceMs")))
	if err != nil {
		h.respondInternal(c, "sync pull failed", "sync_failed", err)
		return
	}
	c.JSON(http.StatusOK, result.Response())
}

func (h *httpHandler) handleDeviceExport(c *gin.Context) {
	options := lifts.ExportOptions{IncludeDeleted: parseFlag(c.Query("includeDeleted"))}
	bundle, err := h.exporter.ExportByDevice(c.Request.Context(), c.Param("deviceId"), options)
	var unknown *lifts.UnknownDeviceError
	switch {
	case errors.As(err, &unknown):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_device", "recentDevices": unknown.Recent})
		return
	case err != nil:
		h.respondInternal(c, "device export failed", "export_failed", err)
		return
	}

	h.logger.Info("device export served",
		zap.String("device_id", bundle.Summary.DeviceID),
		zap.String("operator", c.GetString(adminContextKey)),
	)
	c.JSON(http.StatusOK, bundle)
}

// authorizeDevice resolves the principal from X-Device-Id and the bearer
// token. Last-seen bookkeeping is best effort and bounded by touchBudget.
func (h *httpHandler) authorizeDevice(c *gin.Context) {
	deviceID := strings.TrimSpace(c.GetHeader(wire.HeaderDeviceID))
	token := bearerToken(c.GetHeader("Authorization"))

	principal, err := h.devices.Authenticate(c.Request.Context(), deviceID, token)
	if err != nil {
		if isCredentialFailure(err) {
			h.logger.Info("device authentication failed", zap.String("device_id", deviceID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("device authentication unavailable", zap.String("device_id", deviceID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth_unavailable", "code": errorCode(err)})
		return
	}

	h.touchDevice(c.Request.Context(), principal.DeviceID)
	c.Set(principalContextKey, principal)
	c.Next()
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.admin.ValidateRequest(c.Request)
	if err != nil {
		level := h.logger.Warn
		if errors.Is(err, auth.ErrExpiredAdminToken) || errors.Is(err, auth.ErrMissingAdminToken) {
			level = h.logger.Info
		}
		level("admin token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) touchDevice(parent context.Context, deviceID string) {
	ctx, cancel := context.WithTimeout(parent, h.touchBudget)
	defer cancel()
	if err := h.devices.Touch(ctx, deviceID); err != nil {
		h.logger.Warn("device touch failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func (h *httpHandler) respondInternal(c *gin.Context, message, publicError string, err error) {
	code := errorCode(err)
	h.logger.Error(message, zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": publicError, "code": code})
}

func principalFrom(c *gin.Context) (accounts.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return accounts.Principal{}, false
	}
	principal, ok := value.(accounts.Principal)
	if !ok || principal.AccountID == "" {
		return accounts.Principal{}, false
	}
	return principal, true
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
}

func isCredentialFailure(err error) bool {
	return errors.Is(err, accounts.ErrMissingCredentials) ||
		errors.Is(err, accounts.ErrInvalidDeviceID) ||
		errors.Is(err, accounts.ErrUnknownDevice) ||
		errors.Is(err, accounts.ErrTokenMismatch)
}

func errorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "unknown"
}

func envelopesValid(envelopes []wire.PayloadEnvelope) bool {
	for _, envelope := range envelopes {
		if envelope.Validate() != nil {
			return false
		}
	}
	return true
}

// Missing, malformed or negative cursors mean "from the beginning".
func parseSince(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func parseFlag(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
