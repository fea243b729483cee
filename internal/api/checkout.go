package api

import (
	"fmt"
	"net/http"

	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/auth"
	"github.com/jogardn/golocal-storefront/internal/checkout"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

type paymentMethodRequest struct {
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

// currentFlow returns the user's checkout. A flow whose cart emptied is
// abandoned and reported as ErrEmptyCart so the client goes back home.
func (s *Server) currentFlow(r *http.Request) (*checkout.Flow, error) {
	user, err := auth.CurrentUser(r.Context())
	if err != nil {
		return nil, err
	}
	flow, ok := s.Checkouts.Get(user.ID)
	if !ok {
		return nil, fmt.Errorf("no checkout in progress: %w", apperr.ErrNotFound)
	}
	if err := flow.Guard(); err != nil {
		s.Checkouts.Drop(user.ID)
		return nil, err
	}
	return flow, nil
}

func (s *Server) startCheckout(w http.ResponseWriter, r *http.Request) {
	user, syncer, err := s.userCart(r)
	if err != nil {
		s.respondWithError(w, r, err, "Failed to load cart")
		return
	}

	flow, err := s.Checkouts.Start(user.ID, syncer, s.Orders, s.CheckoutOpts...)
	if err != nil {
		s.respondWithError(w, r, err, "Failed to start checkout")
		return
	}
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: flow.State()})
}

func (s *Server) getCheckout(w http.ResponseWriter, r *http.Request) {
	flow, err := s.currentFlow(r)
	if err != nil {
		s.respondWithError(w, r, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: flow.State()})
}

func (s *Server) submitAddress(w http.ResponseWriter, r *http.Request) {
	flow, err := s.currentFlow(r)
	if err != nil {
		s.respondWithError(w, r, err, "")
		return
	}

	var addr models.Address
	if err := decode(r, &addr); err != nil {
		s.respondWithError(w, r, err, "")
		return
	}
	if err := flow.SubmitAddress(addr); err != nil {
		s.respondWithError(w, r, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: flow.State()})
}

func (s *Server) changeAddress(w http.ResponseWriter, r *http.Request) {
	flow, err := s.currentFlow(r)
	if err != nil {
		s.respondWithError(w, r, err, "")
		return
	}
	if err := flow.ChangeAddress(); err != nil {
		s.respondWithError(w, r, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: flow.State()})
}

func (s *Server) selectPaymentMethod(w http.ResponseWriter, r *http.Request) {
	flow, err := s.currentFlow(r)
	if err != nil {
		s.respondWithError(w, r, err, "")
		return
	}

	var req paymentMethodRequest
	if err := decode(r, &req); err != nil {
		s.respondWithError(w, r, err, "")
		return
	}
	if err := flow.SelectPaymentMethod(req.PaymentMethod); err != nil {
		s.respondWithError(w, r, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: flow.State()})
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	flow, err := s.currentFlow(r)
	if err != nil {
		s.respondWithError(w, r, err, "")
		return
	}

	confirmation, err := flow.PlaceOrder(r.Context())
	if err != nil {
		// The flow stays on Payment with its inputs, so the customer can retry.
		s.respondWithErrorData(w, r, err, "Failed to place order. Please try again.", flow.State())
		return
	}

	s.Logger.WithFields(logrus.Fields{
		"order_id":  confirmation.OrderID,
		"reference": confirmation.Reference,
	}).Info("Checkout completed")

	respondWithJSON(w, http.StatusCreated, models.Response{
		Success: true,
		Message: "Order Placed Successfully!",
		Data:    confirmation,
	})
}
