package head

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"chunkfs/internal/chunker"
	"chunkfs/internal/cluster"
	"chunkfs/internal/directory"
)

// Router returns the head's HTTP API.
func (h *Head) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/status", h.handleStatus)
	router.GET("/servers", h.handleServers)
	router.GET("/files", h.handleListFiles)
	router.GET("/files/:name", h.handleStat)
	router.PUT("/files/:name", h.handleWrite)
	router.GET("/files/:name/data", h.handleRead)
	router.DELETE("/files/:name", h.handleDelete)
	router.POST("/register", h.handleRegister)
	router.POST("/heartbeat", h.handleHeartbeat)
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("head: request")
	}
}

func (h *Head) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Status())
}

func (h *Head) handleServers(c *gin.Context) {
	c.JSON(http.StatusOK, h.Servers())
}

func (h *Head) handleListFiles(c *gin.Context) {
	c.JSON(http.StatusOK, h.ListFiles())
}

func (h *Head) handleStat(c *gin.Context) {
	entry, err := h.Stat(c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": entry.Name, "size": entry.Size(), "chunks": entry.Chunks})
}

func (h *Head) handleWrite(c *gin.Context) {
	entry, err := h.WriteFile(c.Request.Context(), c.Param("name"), c.Request.Body)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": entry.Name, "size": entry.Size(), "chunks": entry.Chunks})
}

func (h *Head) handleRead(c *gin.Context) {
	name := c.Param("name")
	c.Header("Content-Type", "application/octet-stream")
	// ReadFile writes nothing until every chunk verified, so errors can
	// still become a JSON response.
	if err := h.ReadFile(c.Request.Context(), name, c.Writer); err != nil {
		if c.Writer.Written() {
			log.Error().Err(err).Str("file", name).Msg("head: read failed mid-stream")
			return
		}
		c.Header("Content-Type", "")
		abortWithError(c, err)
	}
}

func (h *Head) handleDelete(c *gin.Context) {
	if err := h.DeleteFile(c.Param("name")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Head) handleRegister(c *gin.Context) {
	var req cluster.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.Register(req.Addr)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Head) handleHeartbeat(c *gin.Context) {
	var req cluster.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Report(req); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var (
		order *directory.OutOfOrderChunkError
		integ *chunker.IntegrityError
		gap   *chunker.SequenceGapError
	)
	switch {
	case errors.Is(err, directory.ErrNotFound), errors.Is(err, cluster.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, ErrFileExists), errors.Is(err, ErrServerDead), errors.As(err, &order):
		return http.StatusConflict
	case errors.Is(err, ErrReadOnly), insufficient(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &integ), errors.As(err, &gap), errors.Is(err, ErrChunkUnavailable), errors.Is(err, ErrNoSource):
		return http.StatusBadGateway
	case errors.Is(err, chunker.ErrEmptyInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
