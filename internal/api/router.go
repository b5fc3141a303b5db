package api

import (
	"merch-rank/internal/api/handler"
	"merch-rank/internal/metrics"
	"merch-rank/pkg/router"

	_ "merch-rank/docs"

	httpSwagger "github.com/swaggo/http-swagger"
)

func RegisterRoutes(r *router.Router, h *handler.RunHandler, m *metrics.Registry) {
	r.POST("/api/v1/runs", h.CreateRun)
	r.GET("/api/v1/runs", h.ListRuns)
	// More specific routes first
	r.GET("/api/v1/runs/*/errors", h.GetRunErrors)
	r.GET("/api/v1/runs/*/stages", h.GetRunStages)
	r.GET("/api/v1/runs/*/files", h.GetRunFiles)
	// Generic run route last
	r.GET("/api/v1/runs/*", h.GetRun)
	r.GET("/api/v1/download/*/*", h.DownloadFile)
	r.GET("/health", h.Health)

	r.Mount("/swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	if m != nil {
		r.Mount("/metrics", m.Handler())
	}
}
