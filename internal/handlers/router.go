package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/maneesh/sourcenet/internal/metrics"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handlers groups the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Write    *WriteHandler
	Read     *ReadHandler
	DataPods *DataPodHandler
	Purchase *PurchaseHandler
	Escrow   *EscrowHandler

	OperatorToken string
	Health        map[string]HealthCheck
}

// NewRouter mounts every route with tracing and request metrics.
func NewRouter(h Handlers) *mux.Router {
	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	// Health and metrics endpoints (no tracing needed)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	traced := func(path, method string, handler http.Handler) {
		router.Handle(path, otelhttp.NewHandler(handler, method+" "+path)).Methods(method)
	}

	v1 := "/v1"
	traced(v1+"/datapods", http.MethodPost, h.Write)
	traced(v1+"/datapods", http.MethodGet, http.HandlerFunc(h.DataPods.List))
	traced(v1+"/datapods/{id}", http.MethodGet, http.HandlerFunc(h.DataPods.Get))
	traced(v1+"/datapods/{id}/publish", http.MethodPost, http.HandlerFunc(h.DataPods.Publish))
	traced(v1+"/datapods/{id}/archive", http.MethodPost, http.HandlerFunc(h.DataPods.Archive))
	traced(v1+"/sellers/{id}/rating", http.MethodGet, http.HandlerFunc(h.DataPods.SellerRating))

	traced(v1+"/purchases", http.MethodPost, http.HandlerFunc(h.Purchase.Create))
	traced(v1+"/purchases/{id}", http.MethodGet, http.HandlerFunc(h.Purchase.Get))
	traced(v1+"/purchases/{id}/grant", http.MethodPost, http.HandlerFunc(h.Purchase.Grant))
	traced(v1+"/purchases/{id}/refund", http.MethodPost, operatorOnly(h.OperatorToken, http.HandlerFunc(h.Purchase.Refund)))
	traced(v1+"/purchases/{id}/reviews", http.MethodPost, http.HandlerFunc(h.Purchase.Review))

	traced(v1+"/downloads/{token}", http.MethodGet, h.Read)
	traced(v1+"/escrow/events", http.MethodPost, operatorOnly(h.OperatorToken, h.Escrow))

	return router
}

func (h Handlers) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	healthy := true
	for name, check := range h.Health {
		if err := check(r.Context()); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
