package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/quartzvm/quartz/internal/config"
	"github.com/quartzvm/quartz/internal/gateway"
)

// NewServer builds the HTTP server: the WebSocket endpoint, the upload
// receiver, and the small REST surface.
func NewServer(gw *gateway.Gateway, api *APIHandlers, cfg config.ServerConfig, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	router.GET("/ws", gin.WrapH(NewWSHandler(gw, logger)))
	router.POST("/upload", api.Upload)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/login", api.Login)
		apiGroup.POST("/register", api.Register)
		apiGroup.GET("/rooms", api.Rooms)
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// LoggerMiddleware logs every HTTP request after it completes.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}
