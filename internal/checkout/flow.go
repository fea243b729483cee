package checkout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/cart"
	"github.com/jogardn/golocal-storefront/internal/orders"
	"github.com/jogardn/golocal-storefront/internal/pricing"
	"github.com/jogardn/golocal-storefront/internal/validate"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrEmptyCart            = fmt.Errorf("cart is empty: %w", apperr.ErrConflict)
	ErrInvalidTransition    = fmt.Errorf("invalid checkout transition: %w", apperr.ErrConflict)
	ErrSubmissionInProgress = fmt.Errorf("order submission in progress: %w", apperr.ErrConflict)
)

type Step int

const (
	StepAddress Step = iota
	StepPayment
	StepConfirmation
)

func (s Step) String() string {
	switch s {
	case StepAddress:
		return "address"
	case StepPayment:
		return "payment"
	case StepConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(text []byte) error {
	switch string(text) {
	case "address":
		*s = StepAddress
	case "payment":
		*s = StepPayment
	case "confirmation":
		*s = StepConfirmation
	default:
		return fmt.Errorf("unknown checkout step %q", text)
	}
	return nil
}

// Cart is what the flow needs from the user's cart. Forget empties it after
// the order transaction has purged the persisted copy.
type Cart interface {
	Snapshot() cart.Snapshot
	Forget()
}

// Placer creates the order. orders.Service satisfies it.
type Placer interface {
	CreateOrder(ctx context.Context, userID string, req orders.CreateOrderRequest) (*models.Order, error)
}

type Line struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Unit      string `json:"unit"`
	Image     string `json:"image"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Subtotal  int64  `json:"subtotal"`
}

// Summary is the order summary shown on the Payment step. It is captured
// when the step is entered and not recomputed while the step is shown.
type Summary struct {
	Lines       []Line    `json:"lines"`
	TotalItems  int       `json:"total_items"`
	Subtotal    int64     `json:"subtotal"`
	DeliveryFee int64     `json:"delivery_fee"`
	Total       int64     `json:"total"`
	Display     Display   `json:"display"`
	CapturedAt  time.Time `json:"captured_at"`
}

type Display struct {
	Subtotal    string `json:"subtotal"`
	DeliveryFee string `json:"delivery_fee"`
	Total       string `json:"total"`
}

func summarize(snap cart.Snapshot, now time.Time) Summary {
	s := Summary{
		Lines:      make([]Line, 0, len(snap.Items)),
		TotalItems: snap.TotalItems,
		CapturedAt: now,
	}
	for _, item := range snap.Items {
		s.Lines = append(s.Lines, Line{
			ProductID: item.ID,
			Name:      item.Name,
			Unit:      item.Unit,
			Image:     item.Image,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
			Subtotal:  item.Subtotal(),
		})
		s.Subtotal += item.Subtotal()
	}
	s.DeliveryFee = pricing.DeliveryFee(s.Subtotal)
	s.Total = s.Subtotal + s.DeliveryFee
	s.Display = Display{
		Subtotal:    pricing.Format(s.Subtotal),
		DeliveryFee: pricing.FormatFee(s.DeliveryFee),
		Total:       pricing.Format(s.Total),
	}
	return s
}

type Exit string

const (
	ExitContinueShopping Exit = "continue_shopping"
	ExitTrackOrder       Exit = "track_order"
)

type Confirmation struct {
	Reference         string               `json:"reference"`
	OrderID           string               `json:"order_id"`
	Total             int64                `json:"total"`
	PaymentMethod     models.PaymentMethod `json:"payment_method"`
	EstimatedDelivery time.Time            `json:"estimated_delivery"`
	Exits             []Exit               `json:"exits"`
}

// State is a read-only copy of a flow for rendering.
type State struct {
	Step           Step                   `json:"step"`
	Address        *models.Address        `json:"address,omitempty"`
	PaymentMethod  models.PaymentMethod   `json:"payment_method"`
	PaymentMethods []models.PaymentMethod `json:"payment_methods"`
	Summary        *Summary               `json:"summary,omitempty"`
	Confirmation   *Confirmation          `json:"confirmation,omitempty"`
	Submitting     bool                   `json:"submitting"`
}

var paymentMethods = []models.PaymentMethod{
	models.PaymentMethodCOD,
	models.PaymentMethodUPI,
	models.PaymentMethodCard,
}

// Flow is one user's walk through Address -> Payment -> Confirmation.
type Flow struct {
	mutex sync.Mutex

	user   string
	cart   Cart
	placer Placer
	logger *logrus.Logger
	now    func() time.Time
	eta    time.Duration

	step         Step
	address      *models.Address
	method       models.PaymentMethod
	summary      *Summary
	confirmation *Confirmation
	submitting   bool
}

type Option func(*Flow)

func WithLogger(logger *logrus.Logger) Option {
	return func(f *Flow) { f.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

func WithDeliveryETA(eta time.Duration) Option {
	return func(f *Flow) {
		if eta > 0 {
			f.eta = eta
		}
	}
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// New starts a checkout at the Address step. It fails with
// apperr.ErrUnauthenticated without a user and ErrEmptyCart for an empty cart.
func New(user string, c Cart, placer Placer, opts ...Option) (*Flow, error) {
	if user == "" {
		return nil, apperr.ErrUnauthenticated
	}

	f := &Flow{
		user:   user,
		cart:   c,
		placer: placer,
		logger: discardLogger(),
		now:    time.Now,
		eta:    orders.DefaultDeliveryETA,
		step:   StepAddress,
		method: models.PaymentMethodCOD,
	}
	for _, opt := range opts {
		opt(f)
	}

	if c.Snapshot().IsEmpty() {
		return nil, ErrEmptyCart
	}
	return f, nil
}

// Guard reports ErrEmptyCart when the cart emptied under an unfinished checkout.
func (f *Flow) Guard() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.guardLocked()
}

func (f *Flow) guardLocked() error {
	if f.step == StepConfirmation {
		return nil
	}
	if f.cart.Snapshot().IsEmpty() {
		return ErrEmptyCart
	}
	return nil
}

// SubmitAddress validates the address and enters Payment with a fresh summary.
// An incomplete address leaves the flow on Address and stores nothing.
func (f *Flow) SubmitAddress(addr models.Address) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.step != StepAddress {
		return fmt.Errorf("submit address from %s: %w", f.step, ErrInvalidTransition)
	}
	if err := f.guardLocked(); err != nil {
		return err
	}

	addr = addr.Trimmed()
	if err := validate.Struct("Incomplete Address", addr); err != nil {
		f.logger.WithFields(logrus.Fields{
			"user_id": f.user,
			"step":    f.step.String(),
		}).Debug("Address rejected")
		return err
	}

	snap := f.cart.Snapshot()
	if snap.IsEmpty() {
		return ErrEmptyCart
	}
	summary := summarize(snap, f.now())

	f.address = &addr
	f.summary = &summary
	f.step = StepPayment

	f.logger.WithFields(logrus.Fields{
		"user_id": f.user,
		"step":    f.step.String(),
		"total":   summary.Total,
	}).Info("Checkout entered payment")
	return nil
}

// ChangeAddress returns from Payment to Address, keeping the entered address.
func (f *Flow) ChangeAddress() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.step != StepPayment {
		return fmt.Errorf("change address from %s: %w", f.step, ErrInvalidTransition)
	}
	if f.submitting {
		return ErrSubmissionInProgress
	}
	f.step = StepAddress
	f.summary = nil
	return nil
}

// SelectPaymentMethod picks one of cod, upi or card. An empty method selects cod.
func (f *Flow) SelectPaymentMethod(method models.PaymentMethod) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.step != StepPayment {
		return fmt.Errorf("select payment method on %s: %w", f.step, ErrInvalidTransition)
	}
	if f.submitting {
		return ErrSubmissionInProgress
	}
	if method == "" {
		method = models.PaymentMethodCOD
	}
	if !method.Valid() {
		return apperr.Validation("Invalid Payment Method", "payment_method")
	}
	f.method = method
	return nil
}

// PlaceOrder submits the captured summary. Only one submission may be in
// flight. On success the cart is emptied and the flow moves to Confirmation in
// one step; on failure the flow stays on Payment and the cart is kept.
func (f *Flow) PlaceOrder(ctx context.Context) (*Confirmation, error) {
	f.mutex.Lock()
	if f.step != StepPayment {
		step := f.step
		f.mutex.Unlock()
		return nil, fmt.Errorf("place order from %s: %w", step, ErrInvalidTransition)
	}
	if f.submitting {
		f.mutex.Unlock()
		return nil, ErrSubmissionInProgress
	}
	if err := f.guardLocked(); err != nil {
		f.mutex.Unlock()
		return nil, err
	}
	f.submitting = true
	req := f.requestLocked()
	method := f.method
	f.mutex.Unlock()

	order, err := f.placer.CreateOrder(ctx, f.user, req)

	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.submitting = false

	if err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": f.user,
			"step":    f.step.String(),
		}).Warn("Order placement failed")
		return nil, err
	}
	if order == nil {
		return nil, errors.New("order placement returned no order")
	}

	eta := f.now().Add(f.eta)
	if order.EstimatedDelivery != nil {
		eta = *order.EstimatedDelivery
	}

	f.cart.Forget()
	f.step = StepConfirmation
	f.confirmation = &Confirmation{
		Reference:         fmt.Sprintf("QM%d", f.now().UnixMilli()),
		OrderID:           order.ID,
		Total:             order.TotalAmount,
		PaymentMethod:     method,
		EstimatedDelivery: eta,
		Exits:             []Exit{ExitContinueShopping, ExitTrackOrder},
	}

	f.logger.WithFields(logrus.Fields{
		"user_id":   f.user,
		"order_id":  order.ID,
		"reference": f.confirmation.Reference,
	}).Info("Checkout confirmed")

	c := *f.confirmation
	return &c, nil
}

func (f *Flow) requestLocked() orders.CreateOrderRequest {
	req := orders.CreateOrderRequest{
		TotalAmount:     f.summary.Total,
		DeliveryAddress: f.address.Flatten(),
		PaymentMethod:   f.method,
		Items:           make([]orders.ItemRequest, 0, len(f.summary.Lines)),
	}
	for _, line := range f.summary.Lines {
		req.Items = append(req.Items, orders.ItemRequest{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return req
}

func (f *Flow) Step() Step {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.step
}

func (f *Flow) Address() (models.Address, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.address == nil {
		return models.Address{}, false
	}
	return *f.address, true
}

func (f *Flow) PaymentMethod() models.PaymentMethod {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.method
}

func (f *Flow) Summary() (Summary, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.summary == nil {
		return Summary{}, false
	}
	return *f.summary, true
}

func (f *Flow) Confirmation() (Confirmation, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.confirmation == nil {
		return Confirmation{}, false
	}
	return *f.confirmation, true
}

func (f *Flow) State() State {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	state := State{
		Step:           f.step,
		PaymentMethod:  f.method,
		PaymentMethods: append([]models.PaymentMethod(nil), paymentMethods...),
		Submitting:     f.submitting,
	}
	if f.address != nil {
		addr := *f.address
		state.Address = &addr
	}
	if f.summary != nil {
		summary := *f.summary
		state.Summary = &summary
	}
	if f.confirmation != nil {
		c := *f.confirmation
		state.Confirmation = &c
	}
	return state
}
