// Package server exposes the inference pipeline and the run registry over HTTP.
package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/config"
	"github.com/tsawler/go-cxr/errdefs"
	"github.com/tsawler/go-cxr/inference"
	"github.com/tsawler/go-cxr/registry"
)

var errUploadTooLarge = errors.New("upload too large")

// RunStore is the read side of the run registry.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]registry.Run, error)
	GetRun(ctx context.Context, id string) (*registry.Run, error)
	Epochs(ctx context.Context, runID string) ([]registry.Epoch, error)
}

// Server serves predictions from one deployed predictor.
type Server struct {
	pipeline  *inference.ImagePipeline
	manifest  *checkpoints.Manifest
	runs      RunStore
	addr      string
	maxUpload int64
	logger    *zap.Logger
}

// New creates a server. runs may be nil when no registry is configured.
func New(pipeline *inference.ImagePipeline, manifest *checkpoints.Manifest, runs RunStore, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUpload := int64(cfg.MaxUploadMB) << 20
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &Server{
		pipeline:  pipeline,
		manifest:  manifest,
		runs:      runs,
		addr:      cfg.Addr,
		maxUpload: maxUpload,
		logger:    logger.With(zap.String("component", "server")),
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	v1 := r.Group("/v1")
	{
		v1.GET("/health", s.health)
		v1.GET("/model", s.model)
		v1.POST("/predict", s.predict)

		runs := v1.Group("/runs")
		{
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
			runs.GET("/:id/epochs", s.runEpochs)
		}
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-errc; err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "serve")
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) model(c *gin.Context) {
	p := s.pipeline.Predictor()
	c.JSON(http.StatusOK, gin.H{
		"variant":       p.Variant(),
		"classes":       p.Classes(),
		"preprocessing": p.Transform(),
		"manifest":      s.manifest,
	})
}

func (s *Server) predict(c *gin.Context) {
	raw, err := s.readImage(c)
	if err != nil {
		s.writeHTTPError(c, err)
		return
	}
	result, err := s.pipeline.PredictImage(c.Request.Context(), raw)
	if err != nil {
		s.writeHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// readImage takes the "image" field of a multipart form, or the raw body.
func (s *Server) readImage(c *gin.Context) ([]byte, error) {
	var r io.Reader = c.Request.Body
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload+1<<20)
		fh, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, errors.Wrap(errUploadTooLarge, err.Error())
			}
			return nil, errdefs.Input(err, "multipart field \"image\"")
		}
		if fh.Size > s.maxUpload {
			return nil, errUploadTooLarge
		}
		f, err := fh.Open()
		if err != nil {
			return nil, errors.Wrap(err, "open upload")
		}
		defer f.Close()
		r = f
	}
	raw, err := io.ReadAll(io.LimitReader(r, s.maxUpload+1))
	if err != nil {
		return nil, errors.Wrap(err, "read upload")
	}
	if int64(len(raw)) > s.maxUpload {
		return nil, errUploadTooLarge
	}
	return raw, nil
}

func (s *Server) listRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run registry not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	runs, err := s.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.writeHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run registry not configured"})
		return
	}
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) runEpochs(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run registry not configured"})
		return
	}
	epochs, err := s.runs.Epochs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"epochs": epochs})
}

func (s *Server) writeHTTPError(c *gin.Context, err error) {
	logger := s.logger.With(zap.String("method", c.Request.Method), zap.String("path", c.FullPath()))
	switch {
	case errdefs.IsInput(err), errors.Is(err, registry.ErrInvalidID):
		logger.Warn("request failed", zap.Int("status", http.StatusBadRequest), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errUploadTooLarge):
		logger.Warn("request failed", zap.Int("status", http.StatusRequestEntityTooLarge), zap.Error(err))
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrRunNotFound):
		logger.Warn("request failed", zap.Int("status", http.StatusNotFound), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logger.Error("request failed", zap.Int("status", http.StatusInternalServerError), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
