// Package cart mirrors the shopper's server-side cart. Every mutation is sent
// to the backend and followed by a full reload; local state is only ever
// replaced by what the server reports.
package cart

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-cart/internal/api"
	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/events"
	"github.com/noah-isme/toko-cart/internal/identity"
	"github.com/noah-isme/toko-cart/internal/lock"
	"github.com/noah-isme/toko-cart/internal/obs"
)

// Path is the cart view; authorization errors send the shopper back here after
// login.
const Path = "/cart"

// Doer is the transport used by the store; *api.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req api.Request, out any) error
}

// Identity is the part of the session the store reads.
type Identity interface {
	IsAuthenticated() bool
	User() (identity.Profile, bool)
}

// Config wires a Store.
type Config struct {
	API     Doer
	Session Identity
	// Lock, when set, extends pipeline serialization to other processes
	// driving the same account.
	Lock   *lock.Locker
	Logger zerolog.Logger
}

// Store owns the live cart. It is the only writer of cart state.
type Store struct {
	api     Doer
	session Identity
	locker  *lock.Locker
	logger  zerolog.Logger

	// pipe admits one mutation+reload pair at a time; waiters queue in order.
	pipe chan struct{}
	gen  atomic.Uint64

	mu    sync.RWMutex
	state Snapshot

	feed     events.Feed[Snapshot]
	inflight sync.WaitGroup
}

// NewStore constructs an empty, not yet loaded store.
func NewStore(cfg Config) *Store {
	return &Store{
		api:     cfg.API,
		session: cfg.Session,
		locker:  cfg.Lock,
		logger:  cfg.Logger,
		pipe:    make(chan struct{}, 1),
	}
}

// Subscribe registers fn for every applied snapshot.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	return s.feed.Subscribe(fn)
}

// Snapshot returns the current cart.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.state
	out.Items = append([]Item(nil), s.state.Items...)
	return out
}

// Items returns a copy of the current lines.
func (s *Store) Items() []Item { return s.Snapshot().Items }

// Bind reloads the cart on every identity transition. Generations are taken
// synchronously inside the transition so reload order follows transition order;
// the fetch itself runs in the background.
func (s *Store) Bind(session interface {
	Subscribe(func(identity.Transition)) func()
}) func() {
	return session.Subscribe(func(tr identity.Transition) {
		gen := s.gen.Add(1)
		s.logger.Debug().Str("transition", tr.Kind.String()).Uint64("generation", gen).Msg("cart_reload_scheduled")
		if !tr.Authenticated {
			s.apply(gen, nil, "local")
			return
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if err := s.fetch(context.Background(), gen); err != nil {
				s.logger.Warn().Err(err).Uint64("generation", gen).Msg("cart_reload_failed")
			}
		}()
	})
}

// Wait blocks until reloads started by identity transitions have finished.
func (s *Store) Wait() { s.inflight.Wait() }

// Load replaces local state with the server cart. Without an authenticated
// identity the cart is emptied locally and no request is sent. A response that
// is no longer the latest requested generation is discarded.
func (s *Store) Load(ctx context.Context) error {
	gen := s.gen.Add(1)
	if s.session == nil || !s.session.IsAuthenticated() {
		s.apply(gen, nil, "local")
		return nil
	}
	return identity.RequireLogin(s.fetch(ctx, gen), Path)
}

func (s *Store) fetch(ctx context.Context, gen uint64) error {
	var items []Item
	err := s.api.Do(ctx, api.Request{Method: http.MethodGet, Route: "/cart", Path: "/cart", Auth: true}, &items)
	if err != nil && errors.Is(err, common.ErrNotFound) {
		items, err = nil, nil
	}
	if err != nil {
		if gen != s.gen.Load() {
			obs.CountCartLoad("discarded")
			s.logger.Debug().Err(err).Uint64("generation", gen).Msg("cart_load_discarded")
			return nil
		}
		obs.CountCartLoad("failed")
		return err
	}
	s.apply(gen, items, "applied")
	return nil
}

// apply installs items if gen is still the latest requested generation.
func (s *Store) apply(gen uint64, items []Item, result string) bool {
	s.mu.Lock()
	if gen != s.gen.Load() {
		s.mu.Unlock()
		obs.CountCartLoad("discarded")
		s.logger.Debug().Uint64("generation", gen).Msg("cart_load_discarded")
		return false
	}
	s.state = Snapshot{Items: append([]Item(nil), items...), Generation: gen, Loaded: true}
	snap := s.state
	snap.Items = append([]Item(nil), s.state.Items...)
	s.mu.Unlock()

	obs.CountCartLoad(result)
	s.logger.Debug().Uint64("generation", gen).Int("lines", len(items)).Msg("cart_synced")
	s.feed.Publish(snap)
	return true
}

// Add puts quantity units of productID in the cart. When the product is
// already present the combined quantity must stay within stock.
func (s *Store) Add(ctx context.Context, productID common.ID, quantity int) error {
	if quantity < 1 {
		obs.CountCartMutation("add", "rejected")
		return errQuantity()
	}
	if s.session != nil && !s.session.IsAuthenticated() {
		obs.CountCartMutation("add", "rejected")
		return identity.RequireLogin(common.Unauthorized("Please log in to add items to your cart.", nil), Path)
	}
	if productID.Empty() {
		obs.CountCartMutation("add", "rejected")
		return common.Validation("Please choose a product.")
	}
	return s.pipeline(ctx, "add", func(ctx context.Context, current Snapshot) error {
		if line, ok := current.FindProduct(productID); ok && line.Quantity+quantity > line.StockQuantity {
			return stockError(line.StockQuantity)
		}
		return s.api.Do(ctx, api.Request{
			Method: http.MethodPost,
			Route:  "/cart",
			Path:   "/cart",
			Body:   map[string]any{"productId": productID, "quantity": quantity},
			Auth:   true,
		}, nil)
	})
}

// UpdateQuantity sets the quantity of a line. Values outside [1, stock] are
// rejected without a request.
func (s *Store) UpdateQuantity(ctx context.Context, cartItemID int64, quantity int) error {
	if quantity < 1 {
		obs.CountCartMutation("update", "rejected")
		return errQuantity()
	}
	return s.pipeline(ctx, "update", func(ctx context.Context, current Snapshot) error {
		line, ok := current.Find(cartItemID)
		if !ok {
			return common.NotFound("That item is no longer in your cart.")
		}
		if quantity > line.StockQuantity {
			return stockError(line.StockQuantity)
		}
		if quantity == line.Quantity {
			return errUnchanged
		}
		path := "/cart/" + strconv.FormatInt(cartItemID, 10)
		return s.api.Do(ctx, api.Request{
			Method: http.MethodPut,
			Route:  "/cart/{cartItemId}",
			Path:   path,
			Body:   map[string]int{"quantity": quantity},
			Auth:   true,
		}, nil)
	})
}

// Remove deletes a line.
func (s *Store) Remove(ctx context.Context, cartItemID int64) error {
	return s.pipeline(ctx, "remove", func(ctx context.Context, current Snapshot) error {
		if _, ok := current.Find(cartItemID); !ok {
			return common.NotFound("That item is no longer in your cart.")
		}
		return s.api.Do(ctx, api.Request{
			Method: http.MethodDelete,
			Route:  "/cart/{cartItemId}",
			Path:   "/cart/" + strconv.FormatInt(cartItemID, 10),
			Auth:   true,
		}, nil)
	})
}

// Clear empties the cart on the server.
func (s *Store) Clear(ctx context.Context) error {
	return s.pipeline(ctx, "clear", func(ctx context.Context, _ Snapshot) error {
		return s.api.Do(ctx, api.Request{
			Method: http.MethodDelete,
			Route:  "/cart/clear",
			Path:   "/cart/clear",
			Auth:   true,
		}, nil)
	})
}

var errUnchanged = errors.New("cart: unchanged")

func errQuantity() error { return common.Validation("Quantity must be at least 1.") }

func stockError(stock int) error {
	if stock <= 0 {
		return common.Validation("This item is out of stock.")
	}
	return common.Validation(fmt.Sprintf("Only %d left in stock.", stock))
}

// pipeline runs one mutation followed by a reload while holding the pipe.
// A failed mutation leaves local state untouched and skips the reload.
// Authorization errors carry the login location for the cart view.
func (s *Store) pipeline(ctx context.Context, op string, mutate func(context.Context, Snapshot) error) error {
	return identity.RequireLogin(s.runPipeline(ctx, op, mutate), Path)
}

func (s *Store) runPipeline(ctx context.Context, op string, mutate func(context.Context, Snapshot) error) error {
	if s.api == nil {
		return errors.New("cart: store not configured")
	}
	if s.session == nil || !s.session.IsAuthenticated() {
		obs.CountCartMutation(op, "rejected")
		return common.Unauthorized("Please log in to continue.", nil)
	}
	select {
	case s.pipe <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.pipe }()

	run := func(ctx context.Context) error {
		current := s.Snapshot()
		if !current.Loaded {
			if err := s.Load(ctx); err != nil {
				obs.CountCartMutation(op, "failed")
				return err
			}
			current = s.Snapshot()
		}
		err := mutate(ctx, current)
		switch {
		case errors.Is(err, errUnchanged):
			obs.CountCartMutation(op, "noop")
			return nil
		case err != nil:
			result := "failed"
			if errors.Is(err, common.ErrValidation) || errors.Is(err, common.ErrNotFound) {
				result = "rejected"
			}
			obs.CountCartMutation(op, result)
			s.logger.Info().Err(err).Str("op", op).Msg("cart_mutation_failed")
			return err
		}
		obs.CountCartMutation(op, "ok")
		return s.Load(ctx)
	}

	if s.locker == nil || s.locker.R == nil {
		return run(ctx)
	}
	owner := ""
	if s.session != nil {
		if user, ok := s.session.User(); ok {
			owner = user.ID
		}
	}
	err := s.locker.WithLock(ctx, s.locker.CartKey(owner), run)
	if errors.Is(err, lock.ErrNotAcquired) {
		obs.CountCartMutation(op, "failed")
		s.logger.Warn().Err(err).Str("op", op).Msg("cart_lock_failed")
		return common.Transient("Your cart is busy in another window. Please try again.", err)
	}
	return err
}
