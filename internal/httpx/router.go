package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jcmexdev/payment-reconciler/internal/httpx/middlewares"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachRequestMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "X-Signature", "X-Timestamp"},
	}))

	r.Post("/reconciliations", handler.StartReconciliation)
	r.Delete("/reconciliations/{token}", handler.StopReconciliation)
	r.Post("/reconciliations/{token}/retry", handler.RetryReconciliation)
	r.Get("/reconciliations/{token}", handler.GetReconciliationStats)
	r.Post("/webhooks/payment", handler.IngestWebhook)
	return r
}
