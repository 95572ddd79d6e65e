// Package httpapi exposes the loaded models over HTTP and websocket.
package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"VinoDetServer/engine"
	iface "VinoDetServer/interface"
	"VinoDetServer/monitor"
	"VinoDetServer/store"
	"VinoDetServer/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// History is satisfied by *store.Store.
type History interface {
	Recent(ctx context.Context, model string, limit int) ([]store.Entry, error)
}

type Reloader interface {
	Reload(path string) error
	SwitchDevice(device string) error
}

type Router struct {
	Registry *engine.Registry
	Pool     *worker.Pool
	History  History
	Log      *zap.Logger
	ModelDir string
	// MaxImageBytes bounds request bodies and websocket frames.
	MaxImageBytes int64
	IdleTimeout   time.Duration

	sessions *sessions
}

type detectResponse struct {
	ID      string              `json:"id"`
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Results []iface.BoundingBox `json:"results"`
}

type engineResponse struct {
	Name         string            `json:"name"`
	Architecture string            `json:"architecture"`
	ModelPath    string            `json:"model_path"`
	Device       string            `json:"device"`
	Labels       []string          `json:"labels"`
	Affinity     map[string]string `json:"affinity,omitempty"`
	State        string            `json:"state"`
}

func engineJSON(cfg iface.EngineConfig) engineResponse {
	return engineResponse{
		Name:         cfg.Name,
		Architecture: cfg.Architecture,
		ModelPath:    cfg.ModelPath,
		Device:       cfg.Device,
		Labels:       cfg.Labels,
		Affinity:     cfg.Affinity,
		State:        engine.StateName(cfg.State),
	}
}

// Engine builds the gin engine serving every route.
func (rt *Router) Engine() *gin.Engine {
	if rt.Log == nil {
		rt.Log = zap.NewNop()
	}
	if rt.MaxImageBytes <= 0 {
		rt.MaxImageBytes = 20 * 1024 * 1024
	}
	if rt.IdleTimeout <= 0 {
		rt.IdleTimeout = 30 * time.Second
	}
	rt.sessions = newSessions(rt.IdleTimeout)

	r := gin.New()
	r.Use(gin.Recovery(), rt.accessLog())
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/models", rt.listModels)
	r.GET("/api/models/:name", rt.checkModel)
	r.POST("/api/models/:name/detect", rt.detect)
	r.POST("/api/models/:name/reload", rt.reload)
	r.POST("/api/models/upload", rt.upload)
	r.GET("/api/history", rt.history)
	r.POST("/api/sessions/:name", rt.allocSession)
	r.DELETE("/api/sessions/:sessionID", rt.releaseSession)
	r.GET("/ws/:sessionID", rt.stream)
	return r
}

func (rt *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		rt.Log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (rt *Router) listModels(c *gin.Context) {
	names := rt.Registry.Names()
	out := make([]engineResponse, 0, len(names))
	for _, name := range names {
		if b, ok := rt.Registry.Get(name); ok {
			out = append(out, engineJSON(b.CheckConfig()))
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (rt *Router) checkModel(c *gin.Context) {
	b, ok := rt.Registry.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Model not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": engineJSON(b.CheckConfig())})
}

type detectRequest struct {
	Image string `json:"image" binding:"required"`
}

// DecodeBase64 accepts plain base64 or a data URL.
func DecodeBase64(s string) ([]byte, error) {
	// 去掉可能的 data URL 前缀
	if i := strings.Index(s, ","); i != -1 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

func (rt *Router) readImage(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, rt.MaxImageBytes)
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req detectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, err
		}
		return DecodeBase64(req.Image)
	}
	return io.ReadAll(c.Request.Body)
}

func (rt *Router) submit(ctx context.Context, name, transport string, img []byte) (detectResponse, int, error) {
	b, ok := rt.Registry.Get(name)
	if !ok {
		return detectResponse{}, http.StatusNotFound, errors.New("Model not found")
	}
	res, err := rt.Pool.Submit(ctx, worker.Job{Model: name, Transport: transport, Backend: b, Image: img})
	if err != nil {
		if errors.Is(err, worker.ErrClosed) {
			return detectResponse{}, http.StatusServiceUnavailable, err
		}
		return detectResponse{}, http.StatusGatewayTimeout, err
	}
	return detectResponse{
		ID:      res.ID,
		Success: res.Data.Success,
		Message: res.Data.Message,
		Results: res.Data.Data,
	}, http.StatusOK, nil
}

func (rt *Router) detect(c *gin.Context) {
	monitor.CountRequest("http")
	name := c.Param("name")
	img, err := rt.readImage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image: " + err.Error()})
		return
	}
	resp, code, err := rt.submit(c.Request.Context(), name, "http", img)
	if err != nil {
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	if !resp.Success {
		rt.Log.Error("detector returned failure", zap.String("model", name), zap.String("message", resp.Message))
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type reloadRequest struct {
	Model  string `json:"model"`
	Device string `json:"device"`
}

func (rt *Router) reload(c *gin.Context) {
	name := c.Param("name")
	b, ok := rt.Registry.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Model not found"})
		return
	}
	r, ok := b.(Reloader)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Model cannot be reloaded"})
		return
	}
	var req reloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var modelPath string
	if req.Model != "" {
		var err error
		if modelPath, err = engine.ModelFile(rt.ModelDir, req.Model); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Device != "" {
		if err := r.SwitchDevice(req.Device); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
	}
	if modelPath != "" {
		if err := r.Reload(modelPath); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
	}
	rt.Log.Info("engine reloaded", zap.String("model", name), zap.String("path", modelPath), zap.String("device", req.Device))
	c.JSON(http.StatusOK, gin.H{"data": engineJSON(b.CheckConfig())})
}

func (rt *Router) upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	name := filepath.Base(file.Filename)
	if name == "." || name == string(filepath.Separator) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file name cannot be empty"})
		return
	}
	if err := os.MkdirAll(rt.ModelDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	modelPath := filepath.Join(rt.ModelDir, name)
	if err := c.SaveUploadedFile(file, modelPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": modelPath})
}

func (rt *Router) history(c *gin.Context) {
	if rt.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	entries, err := rt.History.Recent(c.Request.Context(), c.Query("model"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}
