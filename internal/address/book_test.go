package address_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/address"
	"github.com/noah-isme/toko-cart/internal/api"
	"github.com/noah-isme/toko-cart/internal/apitest"
	"github.com/noah-isme/toko-cart/internal/common"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func newBook(t *testing.T) (*address.Book, *apitest.Server) {
	t.Helper()
	srv := apitest.New()
	t.Cleanup(srv.Close)
	srv.AddUser("tok-a", apitest.User{ID: "a"}, "pw")
	client, err := api.New(api.Config{BaseURL: srv.URL, Tokens: staticToken("tok-a"), Timeout: 2 * time.Second})
	require.NoError(t, err)
	return address.NewBook(client, zerolog.Nop()), srv
}

func fullDraft() address.Draft {
	return address.Draft{FullName: "Ann Lee", Address1: "1 Main St", City: "Pune", State: "MH", Pincode: "411001", Phone: "9999999999"}
}

func TestListPreservesServerOrder(t *testing.T) {
	book, srv := newBook(t)
	saved := srv.SetAddresses("tok-a",
		apitest.Address{FullName: "First", Address1: "a", City: "c", State: "s", Pincode: "1", Phone: "2"},
		apitest.Address{FullName: "Second", Address1: "a", City: "c", State: "s", Pincode: "1", Phone: "2"},
	)

	list, err := book.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, saved[0].ID, list[0].ID)
	require.Equal(t, "Second", list[1].FullName)
}

func TestCreateRejectsIncompleteDraftLocally(t *testing.T) {
	book, srv := newBook(t)
	draft := fullDraft()
	draft.Phone = "   "

	_, err := book.Create(context.Background(), draft)
	require.ErrorIs(t, err, common.ErrValidation)
	require.Equal(t, address.MsgIncomplete, err.Error())

	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, []common.FieldError{{Field: "phone", Tag: "required"}}, appErr.Details)
	require.Zero(t, srv.Hits(http.MethodPost, "/users/addresses"))
}

func TestCreateAndDelete(t *testing.T) {
	book, srv := newBook(t)
	ctx := context.Background()

	created, err := book.Create(ctx, fullDraft())
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	require.Equal(t, "Ann Lee", created.FullName)

	list, err := book.List(ctx)
	require.NoError(t, err)
	got, ok := address.Find(list, created.ID)
	require.True(t, ok)
	require.Equal(t, created, got)

	require.NoError(t, book.Delete(ctx, created.ID))
	require.Empty(t, srv.Addresses("tok-a"))

	err = book.Delete(ctx, created.ID)
	require.ErrorIs(t, err, common.ErrNotFound)
	require.ErrorIs(t, book.Delete(ctx, 0), common.ErrValidation)
}

func TestCreateSurfacesServerFailure(t *testing.T) {
	book, srv := newBook(t)
	srv.Fail(http.MethodPost, "/users/addresses", http.StatusInternalServerError, "Failed to add address.", 1)

	_, err := book.Create(context.Background(), fullDraft())
	require.ErrorIs(t, err, common.ErrTransient)
	require.Empty(t, srv.Addresses("tok-a"))
}
