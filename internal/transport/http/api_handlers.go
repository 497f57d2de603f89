package http

import (
	"errors"
	"io"
	stdhttp "net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/quartzvm/quartz/internal/auth"
	"github.com/quartzvm/quartz/internal/config"
	"github.com/quartzvm/quartz/internal/upload"
)

// APIHandlers provides the REST endpoints next to the WebSocket
// surface: token login, account registration, room discovery, and the
// upload receiver.
type APIHandlers struct {
	auth    *auth.Manager
	local   *auth.LocalStrategy
	uploads *upload.Sink
	rooms   map[string]config.RoomConfig
	maxPost int64
	log     *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance. local may be nil
// when local accounts are disabled.
func NewAPIHandlers(authority *auth.Manager, local *auth.LocalStrategy, uploads *upload.Sink, rooms map[string]config.RoomConfig, maxPost int64, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		auth:    authority,
		local:   local,
		uploads: uploads,
		rooms:   rooms,
		maxPost: maxPost,
		log:     logger,
	}
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=32"`
	Password string `json:"password" binding:"required,min=6"`
}

// AuthResponse represents the authentication response body.
type AuthResponse struct {
	Token string `json:"token"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RoomInfo is one publicly listable room.
type RoomInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Login exchanges local credentials for a session token.
// POST /api/login
func (h *APIHandlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid login request")
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	_, token, err := h.auth.Identify(c.Request.Context(), "local", req.Username+":"+req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUnknownStrategy) {
			c.JSON(stdhttp.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
			return
		}
		h.log.Error().Err(err).Msg("login failed")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	c.JSON(stdhttp.StatusOK, AuthResponse{Token: token})
}

// Register creates a local account.
// POST /api/register
func (h *APIHandlers) Register(c *gin.Context) {
	if h.local == nil {
		c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "registration disabled"})
		return
	}

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid register request")
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if _, err := h.local.Register(c.Request.Context(), req.Username, req.Password, auth.CapVisibleUser); err != nil {
		h.log.Debug().Err(err).Str("username", req.Username).Msg("registration failed")
		c.JSON(stdhttp.StatusConflict, ErrorResponse{Error: "username unavailable"})
		return
	}

	_, token, err := h.auth.Identify(c.Request.Context(), "local", req.Username+":"+req.Password)
	if err != nil {
		h.log.Error().Err(err).Str("username", req.Username).Msg("post-registration login failed")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	c.JSON(stdhttp.StatusCreated, AuthResponse{Token: token})
}

// Rooms lists rooms visible without any capability.
// GET /api/rooms
func (h *APIHandlers) Rooms(c *gin.Context) {
	out := make([]RoomInfo, 0, len(h.rooms))
	for id, room := range h.rooms {
		if room.Protected || room.Internal {
			continue
		}
		out = append(out, RoomInfo{ID: id, Name: room.DisplayName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(stdhttp.StatusOK, out)
}

// Upload receives the bytes for a previously minted upload token.
// POST /upload?token=...
func (h *APIHandlers) Upload(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.String(stdhttp.StatusBadRequest, "missing token")
		return
	}

	body := stdhttp.MaxBytesReader(c.Writer, c.Request.Body, h.maxPost)
	data, err := io.ReadAll(body)
	if err != nil {
		c.String(stdhttp.StatusRequestEntityTooLarge, "too large")
		return
	}

	if err := h.uploads.Consume(token, data); err != nil {
		c.String(stdhttp.StatusForbidden, "bad token")
		return
	}
	c.String(stdhttp.StatusAccepted, "ok")
}
