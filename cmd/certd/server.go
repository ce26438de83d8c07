package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/freessl/internal/handler"
	"github.com/jmerrifield20/freessl/internal/payment"
	"github.com/jmerrifield20/freessl/internal/scheduler"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	grpcServiceName      = "freessl.certd"
	grpcSchedulerService = "freessl.scheduler"
)

type routes struct {
	certificates *handler.CertificateHandler
	payments     *payment.Handler
	admin        *handler.AdminHandler
}

func buildRouter(ctx context.Context, r routes, logger *zap.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(handler.SecurityHeaders())
	router.Use(handler.BodyLimit(1 << 20))
	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2))
	}
	router.Use(handler.RequestLogger(logger))
	router.Use(handler.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	r.certificates.Register(v1)
	r.payments.Register(v1)
	r.admin.Register(v1)
	return router
}

type httpServers struct {
	plain *http.Server
	tls   *http.Server // nil unless server.autocert_domain is set
}

func (s *httpServers) shutdown(ctx context.Context, logger *zap.Logger) {
	if err := s.plain.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if s.tls != nil {
		if err := s.tls.Shutdown(ctx); err != nil {
			logger.Error("TLS shutdown error", zap.Error(err))
		}
	}
}

// startHTTP serves router on server.port. With server.autocert_domain set,
// the API is also served over HTTPS on :443 using a Let's Encrypt
// certificate and the plain listener answers HTTP-01 challenges.
func startHTTP(router *gin.Engine, logger *zap.Logger) (*httpServers, error) {
	port := viper.GetInt("server.port")
	servers := &httpServers{}
	var plainHandler http.Handler = router

	if domain := viper.GetString("server.autocert_domain"); domain != "" {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(viper.GetString("server.autocert_cache_dir")),
			HostPolicy: autocert.HostWhitelist(domain),
			Email:      viper.GetString("issuer.acme.email"),
		}
		plainHandler = m.HTTPHandler(router)
		servers.tls = &http.Server{
			Addr:              ":443",
			Handler:           router,
			TLSConfig:         &tls.Config{GetCertificate: m.GetCertificate, MinVersion: tls.VersionTLS12},
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("certd HTTPS listening", zap.String("domain", domain))
			if err := servers.tls.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("TLS listen error", zap.Error(err))
			}
		}()
	}

	servers.plain = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           plainHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("certd HTTP listening", zap.Int("port", port))
		if err := servers.plain.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()
	return servers, nil
}

// startGRPC serves the standard health service and reflection on
// server.grpc_port. Health follows database reachability.
func startGRPC(ctx context.Context, st *storage, sched *scheduler.Scheduler, logger *zap.Logger) (*grpc.Server, error) {
	port := viper.GetInt("server.grpc_port")
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("gRPC listen on :%d: %w", port, err)
	}

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthSvc)
	reflection.Register(srv)

	healthSvc.SetServingStatus(grpcServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	healthSvc.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthSvc.SetServingStatus(grpcSchedulerService, grpc_health_v1.HealthCheckResponse_SERVING)
	go watchHealth(ctx, st, sched, healthSvc, logger)

	go func() {
		logger.Info("certd gRPC health listening", zap.Int("port", port))
		if err := srv.Serve(lis); err != nil {
			logger.Error("gRPC serve error", zap.Error(err))
		}
	}()
	return srv, nil
}

func watchHealth(ctx context.Context, st *storage, sched *scheduler.Scheduler, hs *health.Server, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
		}

		dbStatus := grpc_health_v1.HealthCheckResponse_SERVING
		if st.db != nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := st.db.Ping(pingCtx); err != nil {
				logger.Warn("health: database unreachable", zap.Error(err))
				dbStatus = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			}
			cancel()
		}
		hs.SetServingStatus(grpcServiceName, dbStatus)
		hs.SetServingStatus("", dbStatus)

		// A sweep whose last run failed marks the scheduler service degraded
		// until its next successful run.
		schedStatus := grpc_health_v1.HealthCheckResponse_SERVING
		for _, j := range sched.Status() {
			if j.LastError != "" {
				schedStatus = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			}
		}
		hs.SetServingStatus(grpcSchedulerService, schedStatus)
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, h grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := h(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.Bool("ok", err == nil),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
