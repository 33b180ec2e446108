// Package address manages the shopper's saved shipping addresses.
package address

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-cart/internal/api"
	"github.com/noah-isme/toko-cart/internal/common"
)

// MsgIncomplete is surfaced when a draft misses any field.
const MsgIncomplete = "Please fill in all address fields."

// Address is a saved shipping address.
type Address struct {
	ID       int64  `json:"id"`
	FullName string `json:"fullName"`
	Address1 string `json:"address1"`
	City     string `json:"city"`
	State    string `json:"state"`
	Pincode  string `json:"pincode"`
	Phone    string `json:"phone"`
}

// Draft is an address being entered. All six fields are required.
type Draft struct {
	FullName string `json:"fullName" validate:"required"`
	Address1 string `json:"address1" validate:"required"`
	City     string `json:"city" validate:"required"`
	State    string `json:"state" validate:"required"`
	Pincode  string `json:"pincode" validate:"required"`
	Phone    string `json:"phone" validate:"required"`
}

// Trimmed returns the draft with surrounding whitespace removed.
func (d Draft) Trimmed() Draft {
	return Draft{
		FullName: strings.TrimSpace(d.FullName),
		Address1: strings.TrimSpace(d.Address1),
		City:     strings.TrimSpace(d.City),
		State:    strings.TrimSpace(d.State),
		Pincode:  strings.TrimSpace(d.Pincode),
		Phone:    strings.TrimSpace(d.Phone),
	}
}

type createResponse struct {
	Message   string `json:"message"`
	AddressID int64  `json:"addressId"`
}

// Doer is the transport used by the book; *api.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req api.Request, out any) error
}

// Book talks to the address endpoints.
type Book struct {
	api      Doer
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewBook constructs a Book.
func NewBook(client Doer, logger zerolog.Logger) *Book {
	return &Book{api: client, validate: common.NewValidator(), logger: logger}
}

// Validate checks a draft without sending it.
func (b *Book) Validate(d Draft) error {
	if err := b.validate.Struct(d.Trimmed()); err != nil {
		return common.ValidationWithFields(MsgIncomplete, err)
	}
	return nil
}

// List returns the saved addresses in server order.
func (b *Book) List(ctx context.Context) ([]Address, error) {
	var out []Address
	err := b.api.Do(ctx, api.Request{Method: http.MethodGet, Route: "/users/addresses", Path: "/users/addresses", Auth: true}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Create persists a draft and returns the stored address.
func (b *Book) Create(ctx context.Context, d Draft) (Address, error) {
	d = d.Trimmed()
	if err := b.Validate(d); err != nil {
		return Address{}, err
	}
	var resp createResponse
	err := b.api.Do(ctx, api.Request{
		Method: http.MethodPost,
		Route:  "/users/addresses",
		Path:   "/users/addresses",
		Body:   d,
		Auth:   true,
	}, &resp)
	if err != nil {
		return Address{}, err
	}
	if resp.AddressID == 0 {
		return Address{}, common.Transient("Failed to add address.", nil)
	}
	b.logger.Info().Int64("address_id", resp.AddressID).Msg("address_created")
	return Address{
		ID:       resp.AddressID,
		FullName: d.FullName,
		Address1: d.Address1,
		City:     d.City,
		State:    d.State,
		Pincode:  d.Pincode,
		Phone:    d.Phone,
	}, nil
}

// Delete removes a saved address.
func (b *Book) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return common.Validation("Please choose an address.")
	}
	err := b.api.Do(ctx, api.Request{
		Method: http.MethodDelete,
		Route:  "/users/addresses/{id}",
		Path:   "/users/addresses/" + strconv.FormatInt(id, 10),
		Auth:   true,
	}, nil)
	if err != nil {
		return err
	}
	b.logger.Info().Int64("address_id", id).Msg("address_deleted")
	return nil
}

// Find returns the address with id from list.
func Find(list []Address, id int64) (Address, bool) {
	for _, a := range list {
		if a.ID == id {
			return a, true
		}
	}
	return Address{}, false
}
