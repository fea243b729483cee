package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/auth"
	"github.com/jogardn/golocal-storefront/internal/cart"
	"github.com/jogardn/golocal-storefront/internal/catalog"
	"github.com/jogardn/golocal-storefront/internal/checkout"
	"github.com/jogardn/golocal-storefront/internal/circuitbreaker"
	"github.com/jogardn/golocal-storefront/internal/idempotency"
	"github.com/jogardn/golocal-storefront/internal/orders"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the storefront HTTP surface.
type Deps struct {
	Catalog      catalog.Source
	Carts        *cart.Registry
	Checkouts    *checkout.Registry
	Orders       *orders.Service
	Auth         *auth.Authenticator
	Breakers     *circuitbreaker.Manager
	Idempotency  idempotency.Store
	Database     Pinger
	DeliveryETA  time.Duration
	Logger       *logrus.Logger
	ServiceName  string
	CheckoutOpts []checkout.Option
}

type Server struct {
	Deps
}

func NewServer(deps Deps) *Server {
	if deps.Checkouts == nil {
		deps.Checkouts = checkout.NewRegistry()
	}
	if deps.Idempotency == nil {
		deps.Idempotency = idempotency.NewMemoryStore()
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "storefront"
	}
	deps.CheckoutOpts = append([]checkout.Option{
		checkout.WithLogger(deps.Logger),
		checkout.WithDeliveryETA(deps.DeliveryETA),
	}, deps.CheckoutOpts...)

	s := &Server{Deps: deps}
	s.Auth.OnSignOut(s.Carts.Drop)
	s.Auth.OnSignOut(s.Checkouts.Drop)
	return s
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(LoggingMiddleware(s.Logger))
	router.Use(s.Auth.Middleware)

	idempotent := idempotency.Middleware(s.Idempotency, idempotency.DefaultTTL, s.Logger)

	router.HandleFunc("/health", s.healthCheck).Methods("GET")
	router.HandleFunc("/products", s.listProducts).Methods("GET")

	router.HandleFunc("/cart", s.getCart).Methods("GET")
	router.HandleFunc("/cart", s.clearCart).Methods("DELETE")
	router.HandleFunc("/cart/items", s.addCartItem).Methods("POST")
	router.HandleFunc("/cart/items/{id}", s.updateCartItem).Methods("PUT")
	router.HandleFunc("/cart/items/{id}", s.deleteCartItem).Methods("DELETE")
	router.HandleFunc("/cart/items/{id}/decrement", s.decrementCartItem).Methods("POST")

	router.HandleFunc("/checkout", s.startCheckout).Methods("POST")
	router.HandleFunc("/checkout", s.getCheckout).Methods("GET")
	router.HandleFunc("/checkout/address", s.submitAddress).Methods("PUT")
	router.HandleFunc("/checkout/address/change", s.changeAddress).Methods("POST")
	router.HandleFunc("/checkout/payment-method", s.selectPaymentMethod).Methods("PUT")
	router.Handle("/checkout/place", idempotent(http.HandlerFunc(s.placeOrder))).Methods("POST")

	router.HandleFunc("/orders", s.listOrders).Methods("GET")
	router.Handle("/orders", idempotent(http.HandlerFunc(s.createOrder))).Methods("POST")
	router.HandleFunc("/orders/{id}", s.getOrder).Methods("GET")
	router.HandleFunc("/orders/{id}/tracking", s.getTracking).Methods("GET")
	router.HandleFunc("/orders/{id}/status", s.updateOrderStatus).Methods("PUT")

	router.HandleFunc("/auth/logout", s.logout).Methods("POST")

	return router
}

// Handler is the router behind CORS handling, so preflight requests are
// answered before route matching.
func (s *Server) Handler() http.Handler {
	return corsMiddleware()(s.Router())
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status":  "healthy",
		"service": s.ServiceName,
	}

	if s.Database != nil {
		if err := s.Database.Ping(r.Context()); err != nil {
			s.Logger.WithError(err).Warn("Health check database ping failed")
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["error"] = "database connection failed"
		}
	}
	if s.Breakers != nil {
		body["circuit_breakers"] = s.Breakers.Stats()
		if status == http.StatusOK && !s.Breakers.Healthy() {
			body["status"] = "degraded"
		}
	}

	respondWithJSON(w, status, body)
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.Catalog.List(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		s.respondWithError(w, r, apperr.Persistence("list products", err), "Failed to load products")
		return
	}
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: products})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	user, err := auth.CurrentUser(r.Context())
	if err != nil {
		s.respondWithError(w, r, err, "")
		return
	}
	s.Auth.SignOut(user.ID)
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Message: "Signed out", Redirect: "/auth"})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("Invalid request body")
	}
	return nil
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError maps err onto the response envelope. fallback is the
// message shown for server-side failures.
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	s.respondWithErrorData(w, r, err, fallback, nil)
}

func (s *Server) respondWithErrorData(w http.ResponseWriter, r *http.Request, err error, fallback string, data interface{}) {
	code := apperr.HTTPStatus(err)
	resp := models.Response{Success: false, Data: data}

	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		resp.Message = verr.Title
		if data == nil && len(verr.Fields) > 0 {
			resp.Data = map[string][]string{"fields": verr.Fields}
		}
	case errors.Is(err, apperr.ErrUnauthenticated):
		resp.Message = "Please sign in to continue"
		resp.Redirect = "/auth"
	case errors.Is(err, checkout.ErrEmptyCart):
		resp.Message = "Your cart is empty"
		resp.Redirect = "/"
	case errors.Is(err, apperr.ErrForbidden):
		resp.Message = "You do not have access to this resource"
	case errors.Is(err, apperr.ErrNotFound):
		resp.Message = "Not found"
	case errors.Is(err, apperr.ErrConflict):
		resp.Message = err.Error()
	default:
		resp.Message = fallback
		if resp.Message == "" {
			resp.Message = "Something went wrong. Please try again."
		}
	}

	if code >= http.StatusInternalServerError {
		s.Logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error(resp.Message)
	}
	respondWithJSON(w, code, resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// LoggingMiddleware logs every request on receipt and on completion.
func LoggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			}).Info("Request received")

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}

func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+idempotency.HeaderKey)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
