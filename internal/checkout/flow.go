// Package checkout drives the shipping, payment and review steps that turn the
// live cart into exactly one placed order.
package checkout

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/toko-cart/internal/address"
	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/events"
	"github.com/noah-isme/toko-cart/internal/identity"
	"github.com/noah-isme/toko-cart/internal/obs"
	"github.com/noah-isme/toko-cart/internal/order"
	"github.com/noah-isme/toko-cart/internal/pricing"
)

// Path is the checkout view; authorization errors send the shopper back here
// after login.
const Path = "/checkout"

// Step is a checkout stage.
type Step string

const (
	StepShipping Step = "SHIPPING"
	StepPayment  Step = "PAYMENT"
	StepReview   Step = "REVIEW"
	StepPlaced   Step = "PLACED"
	// StepCartEmpty is entered from any active step when the cart empties.
	StepCartEmpty Step = "CART_EMPTY"
)

// Terminal reports whether no further transition is possible.
func (s Step) Terminal() bool { return s == StepPlaced || s == StepCartEmpty }

// PaymentMethod is recorded with the order; no payment is taken.
type PaymentMethod string

const (
	COD PaymentMethod = "COD"
	UPI PaymentMethod = "UPI"
)

// ParsePaymentMethod accepts cod/upi in any case.
func ParsePaymentMethod(v string) (PaymentMethod, error) {
	switch PaymentMethod(strings.ToUpper(strings.TrimSpace(v))) {
	case COD:
		return COD, nil
	case UPI:
		return UPI, nil
	default:
		return "", common.Validation("Please choose Cash on Delivery or UPI.")
	}
}

var (
	// ErrCartEmpty means checkout cannot start or continue with an empty cart.
	ErrCartEmpty = errors.New("checkout: cart is empty")
	// ErrInvalidTransition is returned for a move the current step does not allow.
	ErrInvalidTransition = errors.New("checkout: invalid transition")
	// ErrClosed is returned once the flow has been closed.
	ErrClosed = errors.New("checkout: flow closed")
)

func cartEmptyError() error {
	return &common.AppError{Code: common.CodeValidation, Message: "Your cart is empty!", HTTPStatus: http.StatusUnprocessableEntity, Err: ErrCartEmpty}
}

func invalidTransition(from Step, action string) error {
	return &common.AppError{
		Code:       common.CodeValidation,
		Message:    "You can't " + action + " from this step.",
		HTTPStatus: http.StatusConflict,
		Err:        ErrInvalidTransition,
		Details:    map[string]string{"step": string(from)},
	}
}

// State is a copy of the flow's state. The flow keeps only ids into the cart
// and address book, never a copy of the cart.
type State struct {
	Step              Step
	Addresses         []address.Address
	SelectedAddressID int64
	NewAddress        bool
	Draft             address.Draft
	PaymentMethod     PaymentMethod
	OrderID           common.ID
}

// Cart is the part of the cart store the flow uses.
type Cart interface {
	Snapshot() cart.Snapshot
	Subscribe(func(cart.Snapshot)) func()
	Clear(ctx context.Context) error
}

// AddressBook is the part of the address book the flow uses.
type AddressBook interface {
	List(ctx context.Context) ([]address.Address, error)
	Create(ctx context.Context, d address.Draft) (address.Address, error)
	Validate(d address.Draft) error
}

// Orders places the order.
type Orders interface {
	Place(ctx context.Context, items []cart.Item, total pricing.Money, shipTo address.Address) (order.Placed, error)
}

// Config wires a Flow.
type Config struct {
	Cart      Cart
	Addresses AddressBook
	Orders    Orders
	Logger    zerolog.Logger
}

// Flow is one checkout attempt, owned by the view that started it.
type Flow struct {
	cart   Cart
	book   AddressBook
	orders Orders
	logger zerolog.Logger

	// transition serializes Next/Back/Place; mu guards state.
	transition sync.Mutex
	mu         sync.Mutex
	state      State
	closed     bool

	unsubscribe func()
	placing     singleflight.Group
	feed        events.Feed[State]
}

// Start opens a checkout. The cart must be non-empty. With no saved addresses
// the flow starts in new-address entry; otherwise the first address is selected.
func Start(ctx context.Context, cfg Config) (*Flow, error) {
	ctx, span := obs.Tracer().Start(ctx, "checkout.start")
	defer span.End()

	if cfg.Cart.Snapshot().Empty() {
		obs.CountCheckoutTransition("", string(StepShipping), "cart_empty")
		return nil, cartEmptyError()
	}
	addrs, err := cfg.Addresses.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, identity.RequireLogin(err, Path)
	}

	f := &Flow{
		cart:   cfg.Cart,
		book:   cfg.Addresses,
		orders: cfg.Orders,
		logger: cfg.Logger,
		state: State{
			Step:          StepShipping,
			Addresses:     addrs,
			PaymentMethod: COD,
		},
	}
	if len(addrs) == 0 {
		f.state.NewAddress = true
	} else {
		f.state.SelectedAddressID = addrs[0].ID
	}
	f.unsubscribe = cfg.Cart.Subscribe(f.onCart)
	// The cart may have emptied between the check above and subscribing.
	f.onCart(cfg.Cart.Snapshot())

	obs.CountCheckoutTransition("", string(StepShipping), "ok")
	span.SetAttributes(attribute.Int("checkout.saved_addresses", len(addrs)))
	f.logger.Debug().Int("saved_addresses", len(addrs)).Msg("checkout_started")
	return f, nil
}

// Subscribe registers fn for every state change.
func (f *Flow) Subscribe(fn func(State)) func() { return f.feed.Subscribe(fn) }

// State returns a copy of the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copyLocked()
}

func (f *Flow) copyLocked() State {
	out := f.state
	out.Addresses = append([]address.Address(nil), f.state.Addresses...)
	return out
}

// Totals prices the live cart. It is never cached.
func (f *Flow) Totals() pricing.Summary {
	return f.cart.Snapshot().Summary()
}

// ShippingAddress resolves the selected address.
func (f *Flow) ShippingAddress() (address.Address, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.SelectedAddressID == 0 {
		return address.Address{}, false
	}
	return address.Find(f.state.Addresses, f.state.SelectedAddressID)
}

func (f *Flow) onCart(snap cart.Snapshot) {
	if !snap.Loaded || !snap.Empty() {
		return
	}
	f.mu.Lock()
	if f.closed || f.state.Step.Terminal() {
		f.mu.Unlock()
		return
	}
	from := f.state.Step
	f.state.Step = StepCartEmpty
	st := f.copyLocked()
	f.mu.Unlock()

	obs.CountCheckoutTransition(string(from), string(StepCartEmpty), "aborted")
	f.logger.Info().Str("from", string(from)).Msg("checkout_aborted_cart_empty")
	f.feed.Publish(st)
}

// edit applies fn to the state when the flow is in one of the allowed steps.
func (f *Flow) edit(action string, allowed []Step, fn func(*State) error) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if err := f.checkStepLocked(action, allowed); err != nil {
		f.mu.Unlock()
		return err
	}
	if err := fn(&f.state); err != nil {
		f.mu.Unlock()
		return err
	}
	st := f.copyLocked()
	f.mu.Unlock()
	f.feed.Publish(st)
	return nil
}

func (f *Flow) checkStepLocked(action string, allowed []Step) error {
	if f.state.Step == StepCartEmpty {
		return cartEmptyError()
	}
	for _, s := range allowed {
		if f.state.Step == s {
			return nil
		}
	}
	return invalidTransition(f.state.Step, action)
}

// SelectAddress picks a saved address on the shipping step.
func (f *Flow) SelectAddress(id int64) error {
	return f.edit("select an address", []Step{StepShipping}, func(s *State) error {
		if _, ok := address.Find(s.Addresses, id); !ok {
			return common.NotFound("That address is no longer available.")
		}
		s.SelectedAddressID = id
		s.NewAddress = false
		s.Draft = address.Draft{}
		return nil
	})
}

// UseNewAddress switches the shipping step to new-address entry.
func (f *Flow) UseNewAddress() error {
	return f.edit("add an address", []Step{StepShipping}, func(s *State) error {
		s.SelectedAddressID = 0
		s.NewAddress = true
		s.Draft = address.Draft{}
		return nil
	})
}

// UpdateDraft replaces the new-address draft.
func (f *Flow) UpdateDraft(d address.Draft) error {
	return f.edit("edit the address", []Step{StepShipping}, func(s *State) error {
		if !s.NewAddress {
			return common.Validation("Choose to add a new address first.")
		}
		s.Draft = d
		return nil
	})
}

// SetPaymentMethod records the payment choice.
func (f *Flow) SetPaymentMethod(m PaymentMethod) error {
	m, err := ParsePaymentMethod(string(m))
	if err != nil {
		return err
	}
	return f.edit("change the payment method", []Step{StepShipping, StepPayment, StepReview}, func(s *State) error {
		s.PaymentMethod = m
		return nil
	})
}

// Next advances SHIPPING to PAYMENT or PAYMENT to REVIEW. Leaving SHIPPING
// requires a resolved saved address; a draft is persisted first and becomes
// the selection. On any failure the step is unchanged.
func (f *Flow) Next(ctx context.Context) error {
	f.transition.Lock()
	defer f.transition.Unlock()

	ctx, span := obs.Tracer().Start(ctx, "checkout.next")
	defer span.End()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if err := f.checkStepLocked("continue", []Step{StepShipping, StepPayment}); err != nil {
		f.mu.Unlock()
		return err
	}
	st := f.copyLocked()
	f.mu.Unlock()
	span.SetAttributes(attribute.String("checkout.from", string(st.Step)))

	switch st.Step {
	case StepShipping:
		return f.leaveShipping(ctx, st)
	default:
		return f.commit(st.Step, StepPayment, StepReview, func(s *State) {})
	}
}

func (f *Flow) leaveShipping(ctx context.Context, st State) error {
	if !st.NewAddress {
		if _, ok := address.Find(st.Addresses, st.SelectedAddressID); !ok || st.SelectedAddressID == 0 {
			obs.CountCheckoutTransition(string(StepShipping), string(StepPayment), "rejected")
			return common.Validation("Please select or add a shipping address.")
		}
		return f.commit(StepShipping, StepShipping, StepPayment, func(s *State) {})
	}

	if err := f.book.Validate(st.Draft); err != nil {
		obs.CountCheckoutTransition(string(StepShipping), string(StepPayment), "rejected")
		return err
	}
	created, err := f.book.Create(ctx, st.Draft)
	if err != nil {
		obs.CountCheckoutTransition(string(StepShipping), string(StepPayment), "failed")
		f.logger.Info().Err(err).Msg("checkout_address_create_failed")
		return identity.RequireLogin(err, Path)
	}
	addrs, err := f.book.List(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("checkout_address_refresh_failed")
		addrs = append(st.Addresses, created)
	}
	if _, ok := address.Find(addrs, created.ID); !ok {
		addrs = append(addrs, created)
	}
	return f.commit(StepShipping, StepShipping, StepPayment, func(s *State) {
		s.Addresses = addrs
		s.SelectedAddressID = created.ID
		s.NewAddress = false
		s.Draft = address.Draft{}
	})
}

// commit moves expect to next if the step has not changed meanwhile.
func (f *Flow) commit(from, expect, next Step, mutate func(*State)) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.state.Step != expect {
		err := f.checkStepLocked("continue", []Step{expect})
		f.mu.Unlock()
		return err
	}
	mutate(&f.state)
	f.state.Step = next
	st := f.copyLocked()
	f.mu.Unlock()

	obs.CountCheckoutTransition(string(from), string(next), "ok")
	f.logger.Debug().Str("from", string(from)).Str("to", string(next)).Msg("checkout_transition")
	f.feed.Publish(st)
	return nil
}

// Back returns PAYMENT to SHIPPING or REVIEW to PAYMENT with no other effect.
func (f *Flow) Back() error {
	f.transition.Lock()
	defer f.transition.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if err := f.checkStepLocked("go back", []Step{StepPayment, StepReview}); err != nil {
		f.mu.Unlock()
		return err
	}
	from := f.state.Step
	f.mu.Unlock()

	to := StepShipping
	if from == StepReview {
		to = StepPayment
	}
	return f.commit(from, from, to, func(*State) {})
}

// Place submits the order from REVIEW. The total is recomputed from the live
// cart at this moment. Concurrent confirmations share one submission, and a
// confirmation after success returns the same order id. On success the flow is
// PLACED before the cart is cleared. The submission is not cancelled when ctx
// is, so leaving the view does not abort an order already on its way.
func (f *Flow) Place(ctx context.Context) (common.ID, error) {
	v, err, _ := f.placing.Do("place", func() (any, error) {
		return f.place(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", identity.RequireLogin(err, Path)
	}
	return v.(common.ID), nil
}

func (f *Flow) place(ctx context.Context) (common.ID, error) {
	f.transition.Lock()
	defer f.transition.Unlock()

	ctx, span := obs.Tracer().Start(ctx, "checkout.place")
	defer span.End()

	f.mu.Lock()
	if f.state.Step == StepPlaced {
		id := f.state.OrderID
		f.mu.Unlock()
		return id, nil
	}
	if f.closed {
		f.mu.Unlock()
		return "", ErrClosed
	}
	if err := f.checkStepLocked("place the order", []Step{StepReview}); err != nil {
		f.mu.Unlock()
		return "", err
	}
	selected := f.state.SelectedAddressID
	shipTo, ok := address.Find(f.state.Addresses, selected)
	method := f.state.PaymentMethod
	f.mu.Unlock()

	if !ok || selected == 0 {
		obs.CountCheckoutTransition(string(StepReview), string(StepPlaced), "rejected")
		return "", common.Validation("No shipping address selected.")
	}
	snap := f.cart.Snapshot()
	if snap.Empty() {
		f.onCart(snap)
		return "", cartEmptyError()
	}
	total := snap.Summary().Total
	span.SetAttributes(
		attribute.String("checkout.payment_method", string(method)),
		attribute.String("checkout.total", total.String()),
	)

	placed, err := f.orders.Place(ctx, snap.Items, total, shipTo)
	if err != nil {
		obs.CountCheckoutTransition(string(StepReview), string(StepPlaced), "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	f.mu.Lock()
	f.state.Step = StepPlaced
	f.state.OrderID = placed.OrderID
	st := f.copyLocked()
	f.mu.Unlock()
	obs.CountCheckoutTransition(string(StepReview), string(StepPlaced), "ok")
	f.logger.Info().Str("order_id", placed.OrderID.String()).Str("payment_method", string(method)).Msg("checkout_placed")
	f.feed.Publish(st)

	if err := f.cart.Clear(ctx); err != nil {
		f.logger.Warn().Err(err).Str("order_id", placed.OrderID.String()).Msg("checkout_cart_clear_failed")
	}
	return placed.OrderID, nil
}

// Close detaches the flow from the cart. An in-flight Place still completes.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	unsubscribe := f.unsubscribe
	f.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
