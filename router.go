package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/quillchat/quillchat/pkg/config"
	"github.com/quillchat/quillchat/pkg/event"
	"github.com/quillchat/quillchat/pkg/handler"
	"github.com/quillchat/quillchat/pkg/models"
	"github.com/quillchat/quillchat/pkg/service"
	"github.com/quillchat/quillchat/pkg/utils"
)

type Server struct {
	ginEngine *gin.Engine
	logger    *slog.Logger
	cfg       *config.AppConfig
	port      int

	orch    *service.ChatOrchestrator
	tracker *service.BackgroundJobTracker
	httpSrv *http.Server
}

func NewServer(cfg *config.AppConfig, gdb *gorm.DB) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS middleware: allow common localhost dev origins. Without
	// credentials there is no need for Allow-Credentials.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// If there's no Origin header, it's not a browser CORS request.
		if origin != "" {
			allowed := strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1")

			if allowed {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
			} else {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	attachStatic(ginEngine)

	server := &Server{
		ginEngine: ginEngine,
		logger:    utils.GetLogger(),
		cfg:       cfg,
	}

	if err := server.SetupRoutes(gdb); err != nil {
		return nil, err
	}
	return server, nil
}

// Port returns the port the server actually bound to.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host(), s.cfg.Port())
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}
	s.httpSrv = srv

	// Attempt to listen first; if the port is occupied return immediately.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	} else {
		s.port = s.cfg.Port()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Non-blocking: report immediate startup failures, otherwise let main
	// continue.
	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	return nil
}

// Close tears down background workers.
func (s *Server) Close() {
	s.tracker.Close()
	s.orch.Close()
}

func (s *Server) SetupRoutes(gdb *gorm.DB) error {
	keystore, err := service.OpenKeyStore(service.DefaultKeyStorePath())
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}

	modelService := service.NewModelService(keystore)
	backend := service.NewBackendClient(s.cfg.RemoteURL())

	mode := models.ChatMode(s.cfg.Mode())
	orch := service.NewChatOrchestrator(gdb, modelService, backend, mode, s.cfg.PhaseDebounce())
	orch.Store().StartJanitor(time.Minute)
	s.orch = orch

	conversationService := service.NewConversationService(gdb, orch)

	localJobs := service.NewLocalJobService(gdb, 2)
	var jobBackend service.JobBackend = localJobs
	if mode == models.ModeServer {
		jobBackend = backend
	}
	tracker := service.NewBackgroundJobTracker(jobBackend, s.cfg.JobPollInterval())
	tracker.Start()
	s.tracker = tracker

	// Jobs follow the chat mode: a mode switch repoints the tracker at the
	// matching backend.
	event.On(event.ChatModeChanged, func(ev event.Event) {
		if e, ok := ev.(event.ChatModeChangedEvent); ok {
			if models.ChatMode(e.Mode) == models.ModeServer {
				tracker.SetBackend(backend)
			} else {
				tracker.SetBackend(localJobs)
			}
		}
	})

	chatHandler := handler.NewChatHandler(orch)
	conversationHandler := handler.NewConversationHandler(conversationService)
	jobHandler := handler.NewJobHandler(tracker, localJobs)
	wsHandler := event.NewWSHandler()

	// API group
	// /api
	apiGroup := s.ginEngine.Group("/api")

	apiGroup.GET("/runtime", func(c *gin.Context) {
		host := s.cfg.Host()
		port := s.port
		if port == 0 {
			port = s.cfg.Port()
		}
		c.JSON(http.StatusOK, gin.H{
			"http_base_url": fmt.Sprintf("http://%s:%d", host, port),
			"ws_base_url":   fmt.Sprintf("ws://%s:%d", host, port),
			"port":          port,
			"mode":          orch.Mode(),
		})
	})

	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	// Event push for the UI
	apiGroup.GET("/events/ws", wsHandler.Handle)

	chatHandler.RegisterRoutes(apiGroup)
	conversationHandler.RegisterRoutes(apiGroup)
	jobHandler.RegisterRoutes(apiGroup)

	// Model management API routes
	// /api/models
	apiGroup.GET("/models", modelService.GetModelList)
	apiGroup.POST("/models", modelService.AddModel)
	apiGroup.PUT("/models/:id", modelService.EditModel)
	apiGroup.DELETE("/models/:id", modelService.DeleteModel)
	apiGroup.POST("/models/test", modelService.TestModelConnection)

	// Credential management API routes
	// /api/credentials
	apiGroup.GET("/credentials", modelService.ListCredentials)
	apiGroup.POST("/credentials", modelService.AddCredential)
	apiGroup.DELETE("/credentials/:id", modelService.DeleteCredential)

	return nil
}
