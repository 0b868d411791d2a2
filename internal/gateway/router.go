package gateway

import (
	"net/http"

	"github.com/gorilla/mux"

	"hawk-auth-gateway/pkg/api"
	"hawk-auth-gateway/pkg/metrics"
)

// RouterConfig carries the middleware shared by all routes.
type RouterConfig struct {
	Middleware *api.Middleware
	Limiter    *api.FailureLimiter // nil disables failure throttling
	Metrics    *metrics.Recorder   // nil hides /metrics
	Ready      []api.Pinger        // dependencies checked by /ready
}

// NewRouter mounts the public probes and the Hawk protected /v1 resources.
func NewRouter(svc *Service, rc RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(rc.Middleware.RequestLogging)
	router.Use(rc.Middleware.SizeLimit)
	router.Use(rc.Middleware.CORS)

	router.HandleFunc("/health", api.HealthCheck).Methods("GET")
	router.HandleFunc("/ready", api.ReadinessCheck(rc.Ready...)).Methods("GET")
	if rc.Metrics != nil {
		router.Handle("/metrics", rc.Metrics.Handler()).Methods("GET")
	}

	protected := router.PathPrefix("/v1").Subrouter()
	protected.Use(rc.Limiter.Middleware)
	protected.Use(rc.Middleware.HawkAuth)
	protected.HandleFunc("/whoami", svc.WhoAmI).Methods("GET", "OPTIONS")
	protected.HandleFunc("/echo", svc.Echo).Methods("POST", "PUT", "OPTIONS")
	protected.HandleFunc("/verify", svc.HandleVerify).Methods("POST", "OPTIONS")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})
	return router
}
