package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jogardn/golocal-storefront/internal/auth"
	"github.com/jogardn/golocal-storefront/internal/orders"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

// listOrders answers anonymous callers with an empty list rather than an error.
func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	list, err := s.Orders.FetchOrders(r.Context(), user.ID)
	if err != nil {
		s.respondWithError(w, r, err, "Failed to fetch orders")
		return
	}
	respondWithJSON(w, http.StatusOK, models.Response{
		Success: true,
		Data:    models.OrderList{Orders: list, Count: len(list)},
	})
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	user, err := auth.CurrentUser(r.Context())
	if err != nil {
		s.respondWithError(w, r, err, "")
		return
	}

	var req orders.CreateOrderRequest
	if err := decode(r, &req); err != nil {
		s.respondWithError(w, r, err, "")
		return
	}

	order, err := s.Orders.CreateOrder(r.Context(), user.ID, req)
	if err != nil {
		s.respondWithError(w, r, err, "Failed to place order. Please try again.")
		return
	}

	// The order transaction purged the persisted cart; drop the local copy too.
	if syncer, err := s.Carts.Get(r.Context(), user.ID); err == nil {
		syncer.Forget()
	} else {
		s.Logger.WithError(err).WithField("user_id", user.ID).Warn("Failed to reset cart after order")
	}

	respondWithJSON(w, http.StatusCreated, models.Response{
		Success: true,
		Message: "Order Placed Successfully!",
		Data:    order,
	})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	user, err := auth.CurrentUser(r.Context())
	if err != nil {
		s.respondWithError(w, r, err, "")
		return
	}

	order, err := s.Orders.GetOrder(r.Context(), user.ID, mux.Vars(r)["id"])
	if err != nil {
		s.respondWithError(w, r, err, "Failed to fetch order")
		return
	}
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: order})
}

func (s *Server) getTracking(w http.ResponseWriter, r *http.Request) {
	user, err := auth.CurrentUser(r.Context())
	if err != nil {
		s.respondWithError(w, r, err, "")
		return
	}

	view, err := s.Orders.Tracking(r.Context(), user.ID, mux.Vars(r)["id"])
	if err != nil {
		s.respondWithError(w, r, err, "Failed to fetch tracking")
		return
	}
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: view})
}

func (s *Server) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	seller, err := auth.RequireRole(r.Context(), auth.RoleSeller)
	if err != nil {
		s.respondWithError(w, r, err, "")
		return
	}

	var update orders.StatusUpdate
	if err := decode(r, &update); err != nil {
		s.respondWithError(w, r, err, "")
		return
	}

	order, err := s.Orders.UpdateStatus(r.Context(), mux.Vars(r)["id"], update)
	if err != nil {
		s.respondWithError(w, r, err, "Failed to update order status")
		return
	}

	s.Logger.WithFields(logrus.Fields{
		"order_id":  order.ID,
		"status":    order.Status,
		"seller_id": seller.ID,
	}).Info("Seller updated order")
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: order})
}
