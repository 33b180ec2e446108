// Package order places orders and reads the shopper's order history.
package order

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/toko-cart/internal/address"
	"github.com/noah-isme/toko-cart/internal/api"
	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/identity"
	"github.com/noah-isme/toko-cart/internal/obs"
	"github.com/noah-isme/toko-cart/internal/pricing"
	"github.com/noah-isme/toko-cart/internal/resilience"
)

// IdempotencyHeader carries the per-submission key on POST /orders.
const IdempotencyHeader = "Idempotency-Key"

// MsgNotFound is surfaced when a placed order cannot be resolved.
const MsgNotFound = "Order not found or you do not have permission to view it."

// ConfirmationPath is the confirmation view of one order.
func ConfirmationPath(orderID common.ID) string {
	return "/order-confirmation/" + url.PathEscape(orderID.String())
}

// Item is an order line as recorded at placement.
type Item struct {
	ProductID common.ID     `json:"product_id"`
	Name      string        `json:"product_name"`
	Quantity  int           `json:"quantity"`
	UnitPrice pricing.Money `json:"item_price"`
}

// Order is a placed order. It is read-only on the client.
type Order struct {
	OrderID         common.ID        `json:"order_id"`
	CreatedAt       time.Time        `json:"order_date"`
	Status          string           `json:"status"`
	TotalAmount     pricing.Money    `json:"total_amount"`
	ShippingAddress *address.Address `json:"shipping_address,omitempty"`
	Items           []Item           `json:"items"`
}

// Placed is the result of a successful submission.
type Placed struct {
	OrderID        common.ID
	IdempotencyKey string
}

type placeRequest struct {
	Items           []cart.Item     `json:"items"`
	TotalAmount     pricing.Money   `json:"totalAmount"`
	ShippingAddress address.Address `json:"shippingAddress"`
}

type placeResponse struct {
	Message string    `json:"message"`
	OrderID common.ID `json:"orderId"`
}

// Doer is the transport used by the submitter; *api.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req api.Request, out any) error
}

// Config wires a Submitter.
type Config struct {
	API            Doer
	LookupAttempts int
	LookupBackoff  time.Duration
	Logger         zerolog.Logger
}

// Submitter performs order placement and lookups.
type Submitter struct {
	api      Doer
	attempts int
	backoff  time.Duration
	logger   zerolog.Logger
	newKey   func() string
}

// NewSubmitter constructs a Submitter.
func NewSubmitter(cfg Config) *Submitter {
	attempts := cfg.LookupAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Submitter{
		api:      cfg.API,
		attempts: attempts,
		backoff:  cfg.LookupBackoff,
		logger:   cfg.Logger,
		newKey:   uuid.NewString,
	}
}

// Place submits one order with a single request. It is never retried here; a
// new attempt needs a new call, which carries a new idempotency key.
func (s *Submitter) Place(ctx context.Context, items []cart.Item, totalAmount pricing.Money, shipTo address.Address) (Placed, error) {
	ctx, span := obs.Tracer().Start(ctx, "order.place")
	defer span.End()

	if len(items) == 0 {
		obs.CountOrderPlacement("rejected")
		return Placed{}, common.Validation("Your cart is empty!")
	}
	if shipTo.ID == 0 {
		obs.CountOrderPlacement("rejected")
		return Placed{}, common.Validation("No shipping address selected.")
	}
	if want := cart.Summarize(items).Total; !totalAmount.Equal(want) {
		obs.CountOrderPlacement("rejected")
		s.logger.Warn().Str("total", totalAmount.String()).Str("expected", want.String()).Msg("order_total_mismatch")
		return Placed{}, common.Validation("Your order total changed. Please review your order again.")
	}

	key := s.newKey()
	span.SetAttributes(
		attribute.Int("order.lines", len(items)),
		attribute.String("order.total", totalAmount.String()),
		attribute.String("order.idempotency_key", key),
	)

	var resp placeResponse
	err := s.api.Do(ctx, api.Request{
		Method: http.MethodPost,
		Route:  "/orders",
		Path:   "/orders",
		Body:   placeRequest{Items: items, TotalAmount: totalAmount, ShippingAddress: shipTo},
		Header: http.Header{IdempotencyHeader: []string{key}},
		Auth:   true,
	}, &resp)
	if err != nil {
		obs.CountOrderPlacement("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn().Err(err).Str("idempotency_key", key).Msg("order_place_failed")
		return Placed{}, err
	}
	if resp.OrderID.Empty() {
		obs.CountOrderPlacement("failed")
		err := common.Transient("Failed to place order.", errors.New("order: response without orderId"))
		span.SetStatus(codes.Error, err.Error())
		return Placed{}, err
	}

	obs.CountOrderPlacement("placed")
	span.SetAttributes(attribute.String("order.id", resp.OrderID.String()))
	s.logger.Info().Str("order_id", resp.OrderID.String()).Str("total", totalAmount.String()).Msg("order_placed")
	return Placed{OrderID: resp.OrderID, IdempotencyKey: key}, nil
}

// MyOrders returns every order of the current shopper.
func (s *Submitter) MyOrders(ctx context.Context) ([]Order, error) {
	var out []Order
	err := s.api.Do(ctx, api.Request{Method: http.MethodGet, Route: "/orders/my", Path: "/orders/my", Auth: true}, &out)
	if err != nil {
		return nil, identity.RequireLogin(err, identity.AccountPath)
	}
	return out, nil
}

// Find resolves one order by scanning MyOrders. A freshly placed order may not
// be listed yet, so a miss is retried with backoff up to the configured
// attempts before NotFound is returned. Ids are matched by their text, so a
// numeric and a string rendering of the same id are equal.
func (s *Submitter) Find(ctx context.Context, orderID common.ID) (Order, error) {
	orderID = common.ID(strings.TrimSpace(orderID.String()))
	if orderID.Empty() {
		return Order{}, common.Validation("No order ID provided.")
	}
	ctx, span := obs.Tracer().Start(ctx, "order.find")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID.String()))

	for attempt := 1; ; attempt++ {
		orders, err := s.MyOrders(ctx)
		if err != nil {
			span.RecordError(err)
			return Order{}, identity.RequireLogin(err, ConfirmationPath(orderID))
		}
		for _, o := range orders {
			if strings.TrimSpace(o.OrderID.String()) == orderID.String() {
				obs.ObserveOrderLookup(attempt)
				span.SetAttributes(attribute.Int("order.lookup_attempts", attempt))
				return o, nil
			}
		}
		if attempt >= s.attempts {
			s.logger.Info().Str("order_id", orderID.String()).Int("attempts", attempt).Msg("order_lookup_missed")
			return Order{}, common.NotFound(MsgNotFound)
		}
		if err := resilience.Sleep(ctx, resilience.Backoff(s.backoff, attempt, 0.2)); err != nil {
			return Order{}, err
		}
	}
}
