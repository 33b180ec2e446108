// Package apitest provides an in-memory storefront backend for tests. It speaks
// the same wire format as the real API and lets tests inject failures, hold
// requests in flight and inspect how often each route was hit.
package apitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-cart/internal/common"
)

// Product is a catalog entry the fake cart can reference. An integer ID is
// sent on the wire as a JSON number.
type Product struct {
	ID    common.ID
	Name  string
	Price decimal.Decimal
	Stock int
}

// User is the profile returned by the login endpoint.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// CartLine is the wire shape of a cart item.
type CartLine struct {
	CartItemID    int64           `json:"cart_item_id"`
	ProductID     common.ID       `json:"product_id"`
	ProductName   string          `json:"product_name"`
	ProductPrice  decimal.Decimal `json:"product_price"`
	StockQuantity int             `json:"product_stock_quantity"`
	Quantity      int             `json:"quantity"`
}

// Address is the wire shape of a saved shipping address.
type Address struct {
	ID       int64  `json:"id"`
	FullName string `json:"fullName"`
	Address1 string `json:"address1"`
	City     string `json:"city"`
	State    string `json:"state"`
	Pincode  string `json:"pincode"`
	Phone    string `json:"phone"`
}

// OrderItem is the wire shape of an order line.
type OrderItem struct {
	ProductID   common.ID       `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	ItemPrice   decimal.Decimal `json:"item_price"`
}

// Order is the wire shape of a placed order.
type Order struct {
	OrderID         common.ID       `json:"order_id"`
	OrderDate       time.Time       `json:"order_date"`
	Status          string          `json:"status"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress json.RawMessage `json:"shipping_address"`
	Items           []OrderItem     `json:"items"`
	IdempotencyKey  string          `json:"-"`
}

type account struct {
	user      User
	password  string
	cart      []CartLine
	addresses []Address
	orders    []Order
}

type failure struct {
	status  int
	message string
	times   int
}

// Gate holds matching requests until released.
type Gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	enterMu sync.Once
}

// Entered is closed once a request reached the gate.
func (g *Gate) Entered() <-chan struct{} { return g.entered }

// Release lets held requests proceed.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

// Server is a fake storefront backend.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	accounts   map[string]*account
	products   map[common.ID]Product
	nextID     int64
	failures   map[string]*failure
	gates      map[string]*Gate
	hits       map[string]int
	hideOrders int
	orderIDs   string
}

// New starts a fake backend. Close it with t.Cleanup(srv.Close).
func New() *Server {
	s := &Server{
		accounts: make(map[string]*account),
		products: make(map[common.ID]Product),
		failures: make(map[string]*failure),
		gates:    make(map[string]*Gate),
		hits:     make(map[string]int),
		nextID:   100,
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	s.handle(r, http.MethodPost, "/auth/login", false, s.login)
	s.handle(r, http.MethodPost, "/auth/signup", false, s.signup)

	s.handle(r, http.MethodGet, "/cart", true, s.getCart)
	s.handle(r, http.MethodPost, "/cart", true, s.addCart)
	s.handle(r, http.MethodDelete, "/cart/clear", true, s.clearCart)
	s.handle(r, http.MethodPut, "/cart/{cartItemId}", true, s.updateCart)
	s.handle(r, http.MethodDelete, "/cart/{cartItemId}", true, s.removeCart)

	s.handle(r, http.MethodPatch, "/users/updatePassword", true, s.updatePassword)
	s.handle(r, http.MethodGet, "/users/addresses", true, s.listAddresses)
	s.handle(r, http.MethodPost, "/users/addresses", true, s.addAddress)
	s.handle(r, http.MethodDelete, "/users/addresses/{id}", true, s.deleteAddress)

	s.handle(r, http.MethodPost, "/orders", true, s.placeOrder)
	s.handle(r, http.MethodGet, "/orders/my", true, s.myOrders)
	return r
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, acct *account)

func (s *Server) handle(r chi.Router, method, pattern string, auth bool, fn handlerFunc) {
	key := method + " " + pattern
	r.MethodFunc(method, pattern, func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer "))

		s.mu.Lock()
		s.hits[key]++
		gate := s.gates[key+"|"+token]
		if gate == nil {
			gate = s.gates[key+"|"]
		}
		s.mu.Unlock()

		if gate != nil {
			gate.enterMu.Do(func() { close(gate.entered) })
			<-gate.release
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if f := s.failures[key]; f != nil && f.times != 0 {
			if f.times > 0 {
				f.times--
			}
			writeJSON(w, f.status, map[string]string{"message": f.message})
			return
		}
		var acct *account
		if auth {
			acct = s.accounts[token]
			if acct == nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Not authorized, token failed"})
				return
			}
		}
		fn(w, req, acct)
	})
}

// AddUser registers an account reachable with the bearer token.
func (s *Server) AddUser(token string, user User, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[token] = &account{user: user, password: password}
}

// AddProduct registers a product that can be added to carts.
func (s *Server) AddProduct(p Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// SetCart replaces the server cart for token. Lines without an id get one.
func (s *Server) SetCart(token string, lines ...CartLine) []CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[token]
	acct.cart = nil
	for _, line := range lines {
		if line.CartItemID == 0 {
			line.CartItemID = s.id()
		}
		acct.cart = append(acct.cart, line)
	}
	return append([]CartLine(nil), acct.cart...)
}

// Cart returns a copy of the server cart for token.
func (s *Server) Cart(token string) []CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CartLine(nil), s.accounts[token].cart...)
}

// SetAddresses replaces the saved addresses for token.
func (s *Server) SetAddresses(token string, addrs ...Address) []Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[token]
	acct.addresses = nil
	for _, a := range addrs {
		if a.ID == 0 {
			a.ID = s.id()
		}
		acct.addresses = append(acct.addresses, a)
	}
	return append([]Address(nil), acct.addresses...)
}

// Addresses returns a copy of the saved addresses for token.
func (s *Server) Addresses(token string) []Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Address(nil), s.accounts[token].addresses...)
}

// Orders returns a copy of the placed orders for token.
func (s *Server) Orders(token string) []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Order(nil), s.accounts[token].orders...)
}

// Fail makes the next `times` requests to method+pattern answer with status.
// A negative times fails every request until Reset.
func (s *Server) Fail(method, pattern string, status int, message string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+pattern] = &failure{status: status, message: message, times: times}
}

// Hold blocks requests to method+pattern carrying token (any token when empty)
// until the returned gate is released.
func (s *Server) Hold(method, pattern, token string) *Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &Gate{entered: make(chan struct{}), release: make(chan struct{})}
	s.gates[method+" "+pattern+"|"+token] = g
	return g
}

// HideNewOrders keeps freshly placed orders out of the next n list responses.
func (s *Server) HideNewOrders(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hideOrders = n
}

// StringOrderIDs makes new orders get ids such as "ORD-101" instead of numbers.
func (s *Server) StringOrderIDs(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderIDs = prefix
}

// Hits returns how many requests reached method+pattern.
func (s *Server) Hits(method, pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+pattern]
}

// Reset clears injected failures and gates.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.gates {
		g.Release()
	}
	s.failures = make(map[string]*failure)
	s.gates = make(map[string]*Gate)
}

func (s *Server) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, _ *account) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}
	for token, acct := range s.accounts {
		if strings.EqualFold(acct.user.Email, body.Email) && acct.password == body.Password {
			writeJSON(w, http.StatusOK, map[string]any{"user": acct.user, "token": token})
			return
		}
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid email or password"})
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request, _ *account) {
	var body struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
		Password  string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" || body.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "All fields are required"})
		return
	}
	for _, acct := range s.accounts {
		if strings.EqualFold(acct.user.Email, body.Email) {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "User already exists"})
			return
		}
	}
	id := s.id()
	s.accounts["token-"+strconv.FormatInt(id, 10)] = &account{
		user:     User{ID: strconv.FormatInt(id, 10), Email: body.Email, FirstName: body.FirstName, LastName: body.LastName},
		password: body.Password,
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "User registered successfully"})
}

func (s *Server) updatePassword(w http.ResponseWriter, r *http.Request, acct *account) {
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NewPassword == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "New password is required"})
		return
	}
	if body.CurrentPassword != acct.password {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Current password is incorrect"})
		return
	}
	acct.password = body.NewPassword
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated successfully"})
}

func (s *Server) getCart(w http.ResponseWriter, _ *http.Request, acct *account) {
	lines := acct.cart
	if lines == nil {
		lines = []CartLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) addCart(w http.ResponseWriter, r *http.Request, acct *account) {
	var body struct {
		ProductID common.ID `json:"productId"`
		Quantity  int       `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Quantity < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid quantity"})
		return
	}
	product, ok := s.products[body.ProductID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Product not found"})
		return
	}
	for i := range acct.cart {
		if acct.cart[i].ProductID == body.ProductID {
			if acct.cart[i].Quantity+body.Quantity > product.Stock {
				writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Not enough stock"})
				return
			}
			acct.cart[i].Quantity += body.Quantity
			writeJSON(w, http.StatusOK, map[string]string{"message": "Cart updated"})
			return
		}
	}
	if body.Quantity > product.Stock {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Not enough stock"})
		return
	}
	acct.cart = append(acct.cart, CartLine{
		CartItemID:    s.id(),
		ProductID:     product.ID,
		ProductName:   product.Name,
		ProductPrice:  product.Price,
		StockQuantity: product.Stock,
		Quantity:      body.Quantity,
	})
	writeJSON(w, http.StatusCreated, map[string]string{"message": "Product added to cart"})
}

func (s *Server) updateCart(w http.ResponseWriter, r *http.Request, acct *account) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "cartItemId"), 10, 64)
	var body struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Quantity < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid quantity"})
		return
	}
	for i := range acct.cart {
		if acct.cart[i].CartItemID == id {
			acct.cart[i].Quantity = body.Quantity
			writeJSON(w, http.StatusOK, map[string]string{"message": "Cart item updated"})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Cart item not found"})
}

func (s *Server) removeCart(w http.ResponseWriter, r *http.Request, acct *account) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "cartItemId"), 10, 64)
	for i := range acct.cart {
		if acct.cart[i].CartItemID == id {
			acct.cart = append(acct.cart[:i], acct.cart[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]string{"message": "Item removed"})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Cart item not found"})
}

func (s *Server) clearCart(w http.ResponseWriter, _ *http.Request, acct *account) {
	acct.cart = nil
	writeJSON(w, http.StatusOK, map[string]string{"message": "Cart cleared"})
}

func (s *Server) listAddresses(w http.ResponseWriter, _ *http.Request, acct *account) {
	addrs := acct.addresses
	if addrs == nil {
		addrs = []Address{}
	}
	writeJSON(w, http.StatusOK, addrs)
}

func (s *Server) addAddress(w http.ResponseWriter, r *http.Request, acct *account) {
	var body Address
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}
	if body.FullName == "" || body.Address1 == "" || body.City == "" || body.State == "" || body.Pincode == "" || body.Phone == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "All address fields are required"})
		return
	}
	body.ID = s.id()
	acct.addresses = append(acct.addresses, body)
	writeJSON(w, http.StatusCreated, map[string]any{"message": "Address added", "addressId": body.ID})
}

func (s *Server) deleteAddress(w http.ResponseWriter, r *http.Request, acct *account) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	for i := range acct.addresses {
		if acct.addresses[i].ID == id {
			acct.addresses = append(acct.addresses[:i], acct.addresses[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]string{"message": "Address deleted"})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Address not found"})
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request, acct *account) {
	var body struct {
		Items []struct {
			ProductID    common.ID       `json:"product_id"`
			ProductName  string          `json:"product_name"`
			ProductPrice decimal.Decimal `json:"product_price"`
			Quantity     int             `json:"quantity"`
		} `json:"items"`
		TotalAmount     decimal.Decimal `json:"totalAmount"`
		ShippingAddress json.RawMessage `json:"shippingAddress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Order must contain items"})
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		for _, o := range acct.orders {
			if o.IdempotencyKey == key {
				writeJSON(w, http.StatusConflict, map[string]string{"message": "duplicate request"})
				return
			}
		}
	}
	orderID := common.ID(strconv.FormatInt(s.id(), 10))
	if s.orderIDs != "" {
		orderID = common.ID(s.orderIDs) + orderID
	}
	order := Order{
		OrderID:         orderID,
		OrderDate:       time.Now().UTC(),
		Status:          "Pending",
		TotalAmount:     body.TotalAmount,
		ShippingAddress: body.ShippingAddress,
		IdempotencyKey:  key,
	}
	for _, it := range body.Items {
		order.Items = append(order.Items, OrderItem{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			ItemPrice:   it.ProductPrice,
		})
	}
	acct.orders = append(acct.orders, order)
	writeJSON(w, http.StatusCreated, map[string]any{"message": "Order placed successfully", "orderId": order.OrderID})
}

func (s *Server) myOrders(w http.ResponseWriter, _ *http.Request, acct *account) {
	orders := acct.orders
	if s.hideOrders > 0 && len(orders) > 0 {
		s.hideOrders--
		orders = orders[:len(orders)-1]
	}
	if orders == nil {
		orders = []Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
