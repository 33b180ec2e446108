package identity

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-cart/internal/api"
	"github.com/noah-isme/toko-cart/internal/common"
)

// Doer is the transport used by the stores; *api.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req api.Request, out any) error
}

// LoginInput is the login form.
type LoginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// SignupInput is the registration form. ConfirmPassword never leaves the client.
type SignupInput struct {
	FirstName       string `json:"firstName" validate:"required"`
	LastName        string `json:"lastName" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=6"`
	ConfirmPassword string `json:"-" validate:"required,eqfield=Password"`
}

// UpdatePasswordInput is the password change form.
type UpdatePasswordInput struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=6"`
}

type loginResponse struct {
	User  Profile `json:"user"`
	Token string  `json:"token"`
}

// Authenticator runs the login and signup calls against the backend.
type Authenticator struct {
	api      Doer
	session  *Session
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewAuthenticator wires an Authenticator to the transport and session it updates.
func NewAuthenticator(client Doer, session *Session, logger zerolog.Logger) *Authenticator {
	return &Authenticator{api: client, session: session, validate: common.NewValidator(), logger: logger}
}

// Login exchanges credentials for a token and stores the session.
func (a *Authenticator) Login(ctx context.Context, in LoginInput) (Profile, error) {
	in.Email = strings.TrimSpace(in.Email)
	if err := a.validate.Struct(in); err != nil {
		return Profile{}, common.ValidationWithFields("Please enter both email and password.", err)
	}
	var resp loginResponse
	err := a.api.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   in,
	}, &resp)
	if err != nil {
		return Profile{}, err
	}
	if strings.TrimSpace(resp.Token) == "" {
		return Profile{}, common.Transient("Login failed. Please check your credentials.", nil)
	}
	if err := a.session.SetAuthenticated(ctx, resp.User, resp.Token); err != nil {
		return Profile{}, err
	}
	return resp.User, nil
}

// Signup registers a new account. The shopper is not logged in afterwards.
func (a *Authenticator) Signup(ctx context.Context, in SignupInput) (string, error) {
	in.Email = strings.TrimSpace(in.Email)
	if err := a.validate.Struct(in); err != nil {
		return "", signupError(err)
	}
	var resp common.MessageBody
	err := a.api.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/auth/signup",
		Body:   in,
	}, &resp)
	if err != nil {
		return "", err
	}
	a.logger.Info().Str("email", in.Email).Msg("signup_completed")
	if resp.Message == "" {
		return "Signup successful! Please log in.", nil
	}
	return resp.Message, nil
}

// UpdatePassword changes the password of the logged-in shopper. The session is
// kept as is.
func (a *Authenticator) UpdatePassword(ctx context.Context, in UpdatePasswordInput) (string, error) {
	if !a.session.IsAuthenticated() {
		return "", RequireLogin(common.Unauthorized("Please log in to continue.", nil), AccountPath)
	}
	if err := a.validate.Struct(in); err != nil {
		message := "Please enter your current and new password."
		for _, f := range common.FieldErrors(err) {
			if f.Tag == "required" {
				message = "Please enter your current and new password."
				break
			}
			if f.Tag == "min" {
				message = "Password must be at least 6 characters long."
			}
		}
		return "", common.ValidationWithFields(message, err)
	}
	var resp common.MessageBody
	err := a.api.Do(ctx, api.Request{
		Method: http.MethodPatch,
		Path:   "/users/updatePassword",
		Body:   in,
		Auth:   true,
	}, &resp)
	if err != nil {
		return "", RequireLogin(err, AccountPath)
	}
	a.logger.Info().Msg("password_updated")
	if resp.Message == "" {
		return "Password updated successfully!", nil
	}
	return resp.Message, nil
}

func signupError(err error) error {
	fields := common.FieldErrors(err)
	message := "All fields are required."
	for _, f := range fields {
		if f.Tag == "required" {
			return common.ValidationWithFields(message, err)
		}
	}
	for _, f := range fields {
		switch f.Tag {
		case "min":
			message = "Password must be at least 6 characters long."
		case "eqfield":
			message = "Passwords do not match."
		case "email":
			message = "Please enter a valid email address."
		default:
			continue
		}
		break
	}
	return common.ValidationWithFields(message, err)
}

// AccountPath is where the login page sends the shopper when no destination
// was carried.
const AccountPath = "/account"

// RedirectKey names the login location in the details of an authorization error.
const RedirectKey = "redirect"

// RequireLogin attaches the login location for dest to an authorization error.
// Other errors are returned unchanged.
func RequireLogin(err error, dest string) error {
	var appErr *common.AppError
	if !errors.Is(err, common.ErrUnauthorized) || !errors.As(err, &appErr) {
		return err
	}
	out := *appErr
	out.Details = map[string]string{RedirectKey: Redirect(dest)}
	return &out
}

// RedirectTarget returns the login location carried by err, if any.
func RedirectTarget(err error) (string, bool) {
	var appErr *common.AppError
	if !errors.As(err, &appErr) {
		return "", false
	}
	details, ok := appErr.Details.(map[string]string)
	if !ok || details[RedirectKey] == "" {
		return "", false
	}
	return details[RedirectKey], true
}

// Redirect returns the login location that returns the shopper to dest afterwards.
func Redirect(dest string) string {
	dest = strings.TrimSpace(dest)
	if dest == "" || !strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "//") || strings.HasPrefix(dest, "/login") {
		return "/login"
	}
	return "/login?next=" + url.QueryEscape(dest)
}

// NextFrom extracts the post-login destination from a redirect location.
// It falls back to /account as the login page does.
func NextFrom(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return AccountPath
	}
	next := u.Query().Get("next")
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return AccountPath
	}
	return next
}
