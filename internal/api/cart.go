package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/auth"
	"github.com/jogardn/golocal-storefront/internal/cart"
	"github.com/jogardn/golocal-storefront/internal/pricing"
	"github.com/jogardn/golocal-storefront/internal/validate"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

type cartDisplay struct {
	TotalPrice  string `json:"total_price"`
	DeliveryFee string `json:"delivery_fee"`
	Total       string `json:"total"`
}

type cartView struct {
	Items       []cart.Item  `json:"items"`
	TotalItems  int          `json:"total_items"`
	TotalPrice  int64        `json:"total_price"`
	DeliveryFee int64        `json:"delivery_fee"`
	Total       int64        `json:"total"`
	Display     cartDisplay  `json:"display"`
	Version     uint64       `json:"version"`
	Sync        []cart.Entry `json:"sync"`
}

func viewOf(syncer *cart.Syncer) cartView {
	snap := syncer.Snapshot()
	fee := int64(0)
	if !snap.IsEmpty() {
		fee = pricing.DeliveryFee(snap.TotalPrice)
	}
	items := snap.Items
	if items == nil {
		items = []cart.Item{}
	}
	return cartView{
		Items:       items,
		TotalItems:  snap.TotalItems,
		TotalPrice:  snap.TotalPrice,
		DeliveryFee: fee,
		Total:       snap.TotalPrice + fee,
		Display: cartDisplay{
			TotalPrice:  pricing.Format(snap.TotalPrice),
			DeliveryFee: pricing.FormatFee(fee),
			Total:       pricing.Format(snap.TotalPrice + fee),
		},
		Version: snap.Version,
		Sync:    syncer.Entries(),
	}
}

// Quantity bounds match cart.MaxQuantity. A zero add quantity means one unit;
// a non-positive update removes the line.
type addItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=0,lte=99"`
}

type quantityRequest struct {
	Quantity *int `json:"quantity" validate:"required,lte=99"`
}

func (s *Server) userCart(r *http.Request) (auth.User, *cart.Syncer, error) {
	user, err := auth.CurrentUser(r.Context())
	if err != nil {
		return auth.User{}, nil, err
	}
	syncer, err := s.Carts.Get(r.Context(), user.ID)
	if err != nil {
		return auth.User{}, nil, apperr.Persistence("load cart", err)
	}
	return user, syncer, nil
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	_, syncer, err := s.userCart(r)
	if err != nil {
		s.respondWithError(w, r, err, "Failed to load cart")
		return
	}
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: viewOf(syncer)})
}

// cartMutated answers a cart mutation. A failed sync has already been rolled
// back, so the error response carries the last known good cart.
func (s *Server) cartMutated(w http.ResponseWriter, r *http.Request, user auth.User, syncer *cart.Syncer, err error) {
	if err != nil {
		if apperr.IsPersistence(err) {
			s.Logger.WithError(err).WithField("user_id", user.ID).Warn("Cart sync failed, change rolled back")
		}
		s.respondWithErrorData(w, r, err, "Could not save your cart. Please try again.", viewOf(syncer))
		return
	}
	respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: viewOf(syncer)})
}

func (s *Server) addCartItem(w http.ResponseWriter, r *http.Request) {
	user, syncer, err := s.userCart(r)
	if err != nil {
		s.respondWithError(w, r, err, "Failed to load cart")
		return
	}

	var req addItemRequest
	if err := decode(r, &req); err != nil {
		s.respondWithError(w, r, err, "")
		return
	}
	if err := validate.Struct("Invalid Cart Item", req); err != nil {
		s.respondWithError(w, r, err, "")
		return
	}

	product, err := s.Catalog.Get(r.Context(), req.ProductID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			err = apperr.Persistence("get product", err)
		}
		s.respondWithError(w, r, err, "Failed to load product")
		return
	}
	if !product.IsActive {
		s.respondWithError(w, r, apperr.ErrNotFound, "")
		return
	}

	_, err = syncer.Add(r.Context(), *product, req.Quantity)
	if err == nil {
		s.Logger.WithFields(logrus.Fields{
			"user_id":    user.ID,
			"product_id": product.ID,
		}).Debug("Cart item added")
	}
	s.cartMutated(w, r, user, syncer, err)
}

func (s *Server) updateCartItem(w http.ResponseWriter, r *http.Request) {
	user, syncer, err := s.userCart(r)
	if err != nil {
		s.respondWithError(w, r, err, "Failed to load cart")
		return
	}

	var req quantityRequest
	if err := decode(r, &req); err != nil {
		s.respondWithError(w, r, err, "")
		return
	}
	if req.Quantity == nil {
		s.respondWithError(w, r, apperr.Validation("Invalid Cart Item", "quantity"), "")
		return
	}
	if err := validate.Struct("Invalid Cart Item", req); err != nil {
		s.respondWithError(w, r, err, "")
		return
	}

	_, err = syncer.UpdateQuantity(r.Context(), mux.Vars(r)["id"], *req.Quantity)
	s.cartMutated(w, r, user, syncer, err)
}

func (s *Server) decrementCartItem(w http.ResponseWriter, r *http.Request) {
	user, syncer, err := s.userCart(r)
	if err != nil {
		s.respondWithError(w, r, err, "Failed to load cart")
		return
	}
	_, err = syncer.DecrementItem(r.Context(), mux.Vars(r)["id"])
	s.cartMutated(w, r, user, syncer, err)
}

func (s *Server) deleteCartItem(w http.ResponseWriter, r *http.Request) {
	user, syncer, err := s.userCart(r)
	if err != nil {
		s.respondWithError(w, r, err, "Failed to load cart")
		return
	}
	err = syncer.DeleteItem(r.Context(), mux.Vars(r)["id"])
	s.cartMutated(w, r, user, syncer, err)
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request) {
	user, syncer, err := s.userCart(r)
	if err != nil {
		s.respondWithError(w, r, err, "Failed to load cart")
		return
	}
	if err := syncer.Clear(r.Context()); err != nil {
		s.cartMutated(w, r, user, syncer, apperr.Persistence("clear cart", err))
		return
	}
	s.cartMutated(w, r, user, syncer, nil)
}
