package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/handler"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/service"
	"github.com/parley-ai/parley/pkg/utils"
	"gorm.io/gorm"
)

type Server struct {
	ginEngine *gin.Engine
	logger    *slog.Logger
	cfg       *config.AppConfig
	port      int
	done      chan error

	memoryService *service.MemoryService
}

func NewServer(cfg *config.AppConfig, database *gorm.DB) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	server := &Server{
		ginEngine: ginEngine,
		logger:    utils.GetLogger(),
		cfg:       cfg,
	}

	server.SetupRoutes(database)

	return server
}

func (s *Server) Start(ctx context.Context) error {
	// PARLEY_PORT overrides the configured port
	port := s.cfg.Port()
	if v := os.Getenv("PARLEY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 65535 {
			port = p
		} else {
			s.logger.Warn("Invalid PARLEY_PORT value, falling back to config", "value", v)
		}
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host(), port)
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	// Listen first so a busy port fails immediately
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	} else {
		s.port = port
	}

	s.memoryService.Start()

	s.done = make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.done <- err
		}
	}()

	go func() {
		<-ctx.Done()
		s.memoryService.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown incomplete", "error", err)
		}
		s.done <- nil
	}()

	s.logger.Info("server listening", "addr", addr)

	// A port already in use or a bad address surfaces here instead of
	// failing silently in the goroutine.
	select {
	case err := <-s.done:
		return err
	default:
	}
	return nil
}

// Wait blocks until the server stops. It returns nil after a graceful
// shutdown has finished and the serve error otherwise.
func (s *Server) Wait() error {
	return <-s.done
}

func (s *Server) SetupRoutes(database *gorm.DB) {
	estimator := service.NewTokenEstimator()

	// Vector scoring needs an embedding endpoint; keyword overlap is the
	// default and works offline.
	scorer := service.NewKeywordScorer()
	s.memoryService = service.NewMemoryService(database, scorer, scorer, nil)

	modelService := service.NewModelService(&s.cfg.Model)
	promptService := service.NewPromptService(database)
	builder := service.NewContextBuilder(database, estimator)

	defaults := s.contextDefaults()
	summarizer := service.NewSummarizer(database, modelService.Lazy(), estimator, s.memoryService)

	engine := service.NewConversationEngine(database, service.EngineOptions{
		Builder:    builder,
		Summarizer: summarizer,
		Memories:   s.memoryService,
		Prompts:    promptService,
		Models:     modelService,
		Estimator:  estimator,
		Defaults:   &defaults,
	})

	chatHandler := handler.NewChatHandler(engine)
	memoryHandler := handler.NewMemoryHandler(s.memoryService)
	promptHandler := handler.NewPromptHandler(promptService)

	apiGroup := s.ginEngine.Group("/api/v1")

	apiGroup.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	chatHandler.RegisterRoutes(apiGroup)
	memoryHandler.RegisterRoutes(apiGroup)
	promptHandler.RegisterRoutes(apiGroup)
}

func (s *Server) contextDefaults() models.ContextConfig {
	return models.ContextConfig{
		MaxTokens:          s.cfg.MaxTokens(),
		MaxMessages:        s.cfg.MaxMessages(),
		AutoSummarize:      s.cfg.AutoSummarize(),
		SummarizeThreshold: s.cfg.SummarizeThreshold(),
		KeepLastMessages:   s.cfg.KeepLastMessages(),
	}
}
