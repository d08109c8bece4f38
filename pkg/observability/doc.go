// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Structured Logging
//
// Create logger:
//
//	logger, err := observability.NewLogger("info", "json", os.Stdout)
//	logger.WithField("port", 8080).Info("server started")
//
// Request-scoped logging picks up request id, actor and trace ids:
//
//	observability.LoggerFromContext(ctx, logger).Warn("decision record spooled")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	metrics.DecisionsTotal.WithLabelValues("deny", "no_matching_permission").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddDatabase("postgres", db)
//	checker.AddRedis("redis", redisClient)
//	observability.RegisterHealthRoutes(serveMux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "gatekeeper",
//	}, logger)
//	defer providers.Shutdown(ctx)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/middleware: Request id and actor middleware
package observability
