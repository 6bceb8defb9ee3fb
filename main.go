package main

import (
	"log"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"sitepulse/internal/config"
	"sitepulse/internal/db"
	"sitepulse/internal/geo"
	"sitepulse/internal/http/handlers"
	appmw "sitepulse/internal/http/middleware"
	ui "sitepulse/web"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	db.StartRetentionWorker(sqlDB, cfg.RetentionDays)

	resolver := geo.NewResolver(sqlDB, cfg)

	handlers.InitPrometheusMetrics()

	r := router.New()

	handler := handlers.RequestLogger(r.Handler)

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	r.POST("/collect", handlers.CollectHandler(sqlDB, resolver, cfg))
	r.GET("/summary", appmw.DashboardAuth(cfg)(handlers.SummaryHandler(sqlDB)))
	r.GET("/metrics", handlers.PrometheusHandler())

	r.ServeFS("/dashboard/{filepath:*}", ui.StaticFS())

	log.Printf("sitepulse listening on %s", cfg.ListenAddr)
	if err := fasthttp.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
