package cart_test

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/api"
	"github.com/noah-isme/toko-cart/internal/apitest"
	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/identity"
	"github.com/noah-isme/toko-cart/internal/lock"
)

const (
	routeCart     = "/cart"
	routeCartItem = "/cart/{cartItemId}"
)

type fixture struct {
	srv     *apitest.Server
	session *identity.Session
	store   *cart.Store
}

func newFixture(t *testing.T, locker *lock.Locker) fixture {
	t.Helper()
	srv := apitest.New()
	t.Cleanup(srv.Close)
	srv.AddUser("tok-a", apitest.User{ID: "a", Email: "a@example.com"}, "pw")
	srv.AddUser("tok-b", apitest.User{ID: "b", Email: "b@example.com"}, "pw")

	session := identity.NewSession(nil, identity.CredentialCheck{}, zerolog.Nop())
	client, err := api.New(api.Config{BaseURL: srv.URL, Tokens: session, Timeout: 2 * time.Second})
	require.NoError(t, err)
	store := cart.NewStore(cart.Config{API: client, Session: session, Lock: locker})
	return fixture{srv: srv, session: session, store: store}
}

func (f fixture) login(t *testing.T, token, id string) {
	t.Helper()
	require.NoError(t, f.session.SetAuthenticated(context.Background(), identity.Profile{ID: id}, token))
}

func line(product string, price int64, qty, stock int) apitest.CartLine {
	return apitest.CartLine{
		ProductID:     common.ID(product),
		ProductName:   "Product " + product,
		ProductPrice:  decimal.NewFromInt(price),
		StockQuantity: stock,
		Quantity:      qty,
	}
}

func TestLoadMirrorsServerCart(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.SetCart("tok-a", line("p1", 100, 2, 5))
	f.login(t, "tok-a", "a")

	require.NoError(t, f.store.Load(context.Background()))
	snap := f.store.Snapshot()
	require.True(t, snap.Loaded)
	require.Len(t, snap.Items, 1)
	require.Equal(t, "Product p1", snap.Items[0].Name)

	summary := snap.Summary()
	require.True(t, summary.Subtotal.Equal(decimal.NewFromInt(200)))
	require.True(t, summary.Shipping.Equal(decimal.NewFromInt(50)))
	require.True(t, summary.Total.Equal(decimal.NewFromInt(250)))
	require.Equal(t, 2, summary.ItemCount)
}

func TestLoadWithoutIdentityEmptiesLocally(t *testing.T) {
	f := newFixture(t, nil)

	var published []cart.Snapshot
	f.store.Subscribe(func(s cart.Snapshot) { published = append(published, s) })

	require.NoError(t, f.store.Load(context.Background()))
	require.True(t, f.store.Snapshot().Loaded)
	require.Empty(t, f.store.Items())
	require.Zero(t, f.srv.Hits(http.MethodGet, routeCart))
	require.Len(t, published, 1)
}

func TestLoadFailureKeepsLastState(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.SetCart("tok-a", line("p1", 10, 1, 5))
	f.login(t, "tok-a", "a")
	ctx := context.Background()
	require.NoError(t, f.store.Load(ctx))

	f.srv.Fail(http.MethodGet, routeCart, http.StatusInternalServerError, "down", 1)
	err := f.store.Load(ctx)
	require.ErrorIs(t, err, common.ErrTransient)
	require.Len(t, f.store.Items(), 1)
}

func TestUpdateBeyondStockIsRejectedLocally(t *testing.T) {
	f := newFixture(t, nil)
	lines := f.srv.SetCart("tok-a", line("p1", 100, 1, 3))
	f.login(t, "tok-a", "a")
	ctx := context.Background()
	require.NoError(t, f.store.Load(ctx))
	id := lines[0].CartItemID

	for _, q := range []int{4, 0, -1} {
		err := f.store.UpdateQuantity(ctx, id, q)
		require.ErrorIs(t, err, common.ErrValidation, "quantity %d", q)
	}
	require.Equal(t, "Only 3 left in stock.", f.store.UpdateQuantity(ctx, id, 4).Error())

	item, ok := f.store.Snapshot().Find(id)
	require.True(t, ok)
	require.Equal(t, 1, item.Quantity)
	require.Zero(t, f.srv.Hits(http.MethodPut, routeCartItem))
	require.Equal(t, 1, f.srv.Hits(http.MethodGet, routeCart))
}

func TestUpdateResyncsFromServer(t *testing.T) {
	f := newFixture(t, nil)
	lines := f.srv.SetCart("tok-a", line("p1", 100, 1, 5), line("p2", 200, 1, 5))
	f.login(t, "tok-a", "a")
	ctx := context.Background()
	require.NoError(t, f.store.Load(ctx))

	require.NoError(t, f.store.UpdateQuantity(ctx, lines[1].CartItemID, 3))
	require.Equal(t, 2, f.srv.Hits(http.MethodGet, routeCart))

	snap := f.store.Snapshot()
	require.Equal(t, []int64{lines[0].CartItemID, lines[1].CartItemID}, []int64{snap.Items[0].CartItemID, snap.Items[1].CartItemID})
	require.Equal(t, 3, snap.Items[1].Quantity)

	summary := snap.Summary()
	require.True(t, summary.Subtotal.Equal(decimal.NewFromInt(700)))
	require.True(t, summary.Shipping.IsZero())
	require.True(t, summary.Total.Equal(decimal.NewFromInt(700)))

	require.NoError(t, f.store.UpdateQuantity(ctx, lines[1].CartItemID, 3))
	require.Equal(t, 1, f.srv.Hits(http.MethodPut, routeCartItem))
}

func TestFailedMutationLeavesStateAndSkipsReload(t *testing.T) {
	f := newFixture(t, nil)
	lines := f.srv.SetCart("tok-a", line("p1", 100, 1, 5))
	f.login(t, "tok-a", "a")
	ctx := context.Background()
	require.NoError(t, f.store.Load(ctx))

	f.srv.Fail(http.MethodPut, routeCartItem, http.StatusBadGateway, "upstream down", 1)
	err := f.store.UpdateQuantity(ctx, lines[0].CartItemID, 2)
	require.ErrorIs(t, err, common.ErrTransient)
	require.Equal(t, "upstream down", err.Error())

	require.Equal(t, 1, f.store.Items()[0].Quantity)
	require.Equal(t, 1, f.srv.Hits(http.MethodGet, routeCart))
}

func TestAddRequiresLogin(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.AddProduct(apitest.Product{ID: "p1", Name: "Mug", Price: decimal.NewFromInt(10), Stock: 5})

	err := f.store.Add(context.Background(), "p1", 1)
	require.ErrorIs(t, err, common.ErrUnauthorized)
	require.Equal(t, "Please log in to add items to your cart.", err.Error())
	require.Zero(t, f.srv.Hits(http.MethodPost, routeCart))

	target, ok := identity.RedirectTarget(err)
	require.True(t, ok)
	require.Equal(t, "/login?next=%2Fcart", target)
}

func TestRejectedTokenCarriesCartRedirect(t *testing.T) {
	f := newFixture(t, nil)
	lines := f.srv.SetCart("tok-a", line("p1", 100, 1, 5))
	f.login(t, "tok-a", "a")
	ctx := context.Background()
	require.NoError(t, f.store.Load(ctx))

	f.srv.Fail(http.MethodPut, routeCartItem, http.StatusUnauthorized, "Not authorized, token failed", 1)
	err := f.store.UpdateQuantity(ctx, lines[0].CartItemID, 2)
	require.ErrorIs(t, err, common.ErrUnauthorized)
	target, ok := identity.RedirectTarget(err)
	require.True(t, ok)
	require.Equal(t, "/cart", identity.NextFrom(target))
	require.Equal(t, 1, f.store.Items()[0].Quantity)
}

func TestQuantityBelowOneSendsNothing(t *testing.T) {
	f := newFixture(t, nil)
	lines := f.srv.SetCart("tok-a", line("p1", 100, 1, 5))
	ctx := context.Background()

	err := f.store.UpdateQuantity(ctx, lines[0].CartItemID, 0)
	require.ErrorIs(t, err, common.ErrValidation)
	require.Equal(t, "Quantity must be at least 1.", err.Error())

	f.login(t, "tok-a", "a")
	err = f.store.UpdateQuantity(ctx, lines[0].CartItemID, 0)
	require.ErrorIs(t, err, common.ErrValidation)
	err = f.store.Add(ctx, "p1", 0)
	require.ErrorIs(t, err, common.ErrValidation)

	require.False(t, f.store.Snapshot().Loaded)
	require.Zero(t, f.srv.Hits(http.MethodGet, routeCart))
	require.Zero(t, f.srv.Hits(http.MethodPut, routeCartItem))
	require.Zero(t, f.srv.Hits(http.MethodPost, routeCart))
}

func TestNumericProductIDs(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.AddProduct(apitest.Product{ID: "12", Name: "Mug", Price: decimal.NewFromInt(10), Stock: 3})
	f.srv.SetCart("tok-a", apitest.CartLine{ProductID: "12", ProductName: "Mug", ProductPrice: decimal.NewFromInt(10), StockQuantity: 3, Quantity: 2})
	f.login(t, "tok-a", "a")
	ctx := context.Background()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+routeCart, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-a")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	require.Contains(t, string(body), `"product_id":12`)

	require.NoError(t, f.store.Load(ctx))
	items := f.store.Items()
	require.Len(t, items, 1)
	require.Equal(t, common.ID("12"), items[0].ProductID)

	err = f.store.Add(ctx, "12", 2)
	require.ErrorIs(t, err, common.ErrValidation)
	require.Equal(t, "Only 3 left in stock.", err.Error())
	require.Zero(t, f.srv.Hits(http.MethodPost, routeCart))

	require.NoError(t, f.store.Add(ctx, "12", 1))
	require.Len(t, f.store.Items(), 1)
	require.Equal(t, 3, f.store.Items()[0].Quantity)
}

func TestAddChecksCombinedStock(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.AddProduct(apitest.Product{ID: "p1", Name: "Mug", Price: decimal.NewFromInt(10), Stock: 3})
	f.srv.AddProduct(apitest.Product{ID: "p2", Name: "Tea", Price: decimal.NewFromInt(20), Stock: 9})
	f.srv.SetCart("tok-a", apitest.CartLine{ProductID: "p1", ProductName: "Mug", ProductPrice: decimal.NewFromInt(10), StockQuantity: 3, Quantity: 2})
	f.login(t, "tok-a", "a")
	ctx := context.Background()

	err := f.store.Add(ctx, "p1", 2)
	require.ErrorIs(t, err, common.ErrValidation)
	require.Zero(t, f.srv.Hits(http.MethodPost, routeCart))

	require.NoError(t, f.store.Add(ctx, "p2", 4))
	items := f.store.Items()
	require.Len(t, items, 2)
	require.Equal(t, "Tea", items[1].Name)
	require.Equal(t, 4, items[1].Quantity)
	require.True(t, items[1].LineTotal().Equal(decimal.NewFromInt(80)))
}

func TestAddUnknownProductIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	f.login(t, "tok-a", "a")

	err := f.store.Add(context.Background(), "missing", 1)
	require.ErrorIs(t, err, common.ErrNotFound)
	require.Equal(t, "Product not found", err.Error())
}

func TestMutationsAreSerialized(t *testing.T) {
	f := newFixture(t, nil)
	lines := f.srv.SetCart("tok-a", line("p1", 100, 1, 9))
	f.login(t, "tok-a", "a")
	ctx := context.Background()
	require.NoError(t, f.store.Load(ctx))
	id := lines[0].CartItemID

	gate := f.srv.Hold(http.MethodPut, routeCartItem, "tok-a")
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- f.store.UpdateQuantity(ctx, id, 2)
	}()
	<-gate.Entered()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- f.store.UpdateQuantity(ctx, id, 5)
	}()

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, f.srv.Hits(http.MethodPut, routeCartItem), "second mutation queues behind the first")

	gate.Release()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 5, f.store.Items()[0].Quantity)
	require.Equal(t, 5, f.srv.Cart("tok-a")[0].Quantity)
}

func TestStaleLoadIsDiscardedAcrossIdentitySwitch(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.SetCart("tok-a", line("pa", 10, 1, 5))
	f.srv.SetCart("tok-b", line("pb", 20, 2, 5))
	unbind := f.store.Bind(f.session)
	t.Cleanup(unbind)

	var mu sync.Mutex
	var seen []string
	f.store.Subscribe(func(s cart.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		for _, it := range s.Items {
			seen = append(seen, it.ProductID.String())
		}
	})

	gate := f.srv.Hold(http.MethodGet, routeCart, "tok-a")
	f.login(t, "tok-a", "a")
	<-gate.Entered()

	require.NoError(t, f.session.Logout(context.Background()))
	require.Empty(t, f.store.Items())

	f.login(t, "tok-b", "b")
	require.Eventually(t, func() bool {
		items := f.store.Items()
		return len(items) == 1 && items[0].ProductID == "pb"
	}, time.Second, 5*time.Millisecond)

	gate.Release()
	f.store.Wait()

	items := f.store.Items()
	require.Len(t, items, 1)
	require.Equal(t, common.ID("pb"), items[0].ProductID)
	mu.Lock()
	defer mu.Unlock()
	require.NotContains(t, seen, "pa")
}

func TestMutationsHoldCrossProcessLock(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := &lock.Locker{R: client, Namespace: "toko", TTL: time.Second, RetryBackoff: 5 * time.Millisecond}

	f := newFixture(t, locker)
	lines := f.srv.SetCart("tok-a", line("p1", 100, 1, 5))
	f.login(t, "tok-a", "a")
	ctx := context.Background()

	require.NoError(t, mr.Set(locker.CartKey("a"), "other-process"))
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err = f.store.Remove(short, lines[0].CartItemID)
	require.ErrorIs(t, err, common.ErrTransient)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "Your cart is busy in another window. Please try again.", err.Error())
	require.Zero(t, f.srv.Hits(http.MethodDelete, routeCartItem))

	mr.Del(locker.CartKey("a"))
	require.NoError(t, f.store.Remove(ctx, lines[0].CartItemID))
	require.Empty(t, f.store.Items())
	require.False(t, mr.Exists(locker.CartKey("a")))
}
