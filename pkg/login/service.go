// Package login signs users in to this service: password and two-factor
// sign-in, self registration, password reset and the browser session.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/tendant/tenant-idm/pkg/application"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/dispatch"
	idmerrors "github.com/tendant/tenant-idm/pkg/errors"
	"github.com/tendant/tenant-idm/pkg/metrics"
	"github.com/tendant/tenant-idm/pkg/notification"
	"github.com/tendant/tenant-idm/pkg/response"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/tokengenerator"
	"github.com/tendant/tenant-idm/pkg/user"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// Login validation codes.
const (
	CodeInvalidCredentials      = "InvalidCredentials"
	CodeTwoFactorInvalid        = "TwoFactorInvalid"
	CodeTwoFactorNotEnrolled    = "TwoFactorNotEnrolled"
	CodeTwoFactorAlreadyEnabled = "TwoFactorAlreadyEnabled"
	CodeProvisioningDisabled    = "ProvisioningDisabled"
	CodeEmailTaken              = "EmailTaken"
	CodeTokenNotValid           = "TokenNotValid"
	CodePasswordTooShort        = "PasswordTooShort"
)

const maxNameLength = 200

// Notifier sends templated notices.
type Notifier interface {
	Send(noticeType notification.NoticeType, data notification.NotificationData) error
}

// Config holds the settings of the login service.
type Config struct {
	// BaseURL is the public URL of this service. Reset links default to
	// BaseURL + "/reset-password".
	BaseURL      string
	ResetTTL     time.Duration
	TwoFactorTTL time.Duration
	// TOTPIssuer names this service in authenticator apps.
	TOTPIssuer string
}

// SignInRequest signs in with email and password.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TwoFactorRequest completes a sign-in that needs a second factor.
type TwoFactorRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// RegisterRequest creates a user with a password.
type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// ForgotPasswordRequest emails a reset link. ResetURL overrides the page
// the link points at.
type ForgotPasswordRequest struct {
	Email    string `json:"email"`
	ResetURL string `json:"resetUrl,omitempty"`
}

// ResetPasswordRequest sets a new password with a reset token.
type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// CodeRequest carries an authenticator passcode for the signed-in user.
type CodeRequest struct {
	Code string `json:"code"`
}

// Outcome is the result of a sign-in step. When TwoFactorRequired is set
// no session may be started; the client must call VerifyTwoFactor with
// TwoFactorToken.
type Outcome struct {
	UserID            string `json:"userId,omitempty"`
	TwoFactorRequired bool   `json:"twoFactorRequired"`
	TwoFactorToken    string `json:"twoFactorToken,omitempty"`
	Method            string `json:"-"`

	user user.User
}

// User returns the signed-in user. It is the zero value while a second
// factor is outstanding.
func (o Outcome) User() user.User {
	return o.user
}

// Enrollment is a new authenticator key waiting for confirmation.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// Service implements the sign-in commands.
type Service struct {
	users    *user.Service
	resets   *ResetStore
	tokens   tokengenerator.TokenGenerator
	notifier Notifier
	cfg      Config
	now      func() time.Time

	signIn        dispatch.Command[SignInRequest, Outcome]
	verify        dispatch.Command[TwoFactorRequest, Outcome]
	register      dispatch.Command[RegisterRequest, Outcome]
	forgot        dispatch.Command[ForgotPasswordRequest, struct{}]
	reset         dispatch.Command[ResetPasswordRequest, struct{}]
	enroll        dispatch.Command[struct{}, Enrollment]
	confirmEnroll dispatch.Command[CodeRequest, struct{}]
	disableFactor dispatch.Command[CodeRequest, struct{}]
}

// NewService wires the login commands. tokens signs the short-lived
// two-factor tokens.
func NewService(users *user.Service, resets *ResetStore, tokens tokengenerator.TokenGenerator, notifier Notifier, cfg Config) *Service {
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = time.Hour
	}
	if cfg.TwoFactorTTL <= 0 {
		cfg.TwoFactorTTL = 5 * time.Minute
	}
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = "tenant-idm"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	s := &Service{
		users:    users,
		resets:   resets,
		tokens:   tokens,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}

	s.signIn = dispatch.Command[SignInRequest, Outcome]{
		Name: "login.signIn",
		Validate: validation.All(
			validation.Field("email", func(r SignInRequest) string { return r.Email }, validation.NotEmpty),
			validation.Field("password", func(r SignInRequest) string { return r.Password }, validation.NotEmpty),
		),
		Handle: s.handleSignIn,
	}

	s.verify = dispatch.Command[TwoFactorRequest, Outcome]{
		Name: "login.verifyTwoFactor",
		Validate: validation.All(
			validation.Field("token", func(r TwoFactorRequest) string { return r.Token }, validation.NotEmpty),
			validation.Field("code", func(r TwoFactorRequest) string { return r.Code }, validation.NotEmpty),
		),
		Handle: s.handleVerify,
	}

	s.register = dispatch.Command[RegisterRequest, Outcome]{
		Name: "login.register",
		Validate: validation.Cascade(
			provisioningEnabled[RegisterRequest],
			validation.All(
				validation.Field("email", func(r RegisterRequest) string { return r.Email }, validation.Email),
				validation.Field("name", func(r RegisterRequest) string { return r.Name },
					validation.NotEmpty, validation.MaxLength(maxNameLength)),
				func(_ context.Context, r RegisterRequest) validation.Errors { return checkPassword(r.Password) },
			),
		),
		Handle: s.handleRegister,
	}

	s.forgot = dispatch.Command[ForgotPasswordRequest, struct{}]{
		Name: "login.forgotPassword",
		Validate: validation.All(
			validation.Field("email", func(r ForgotPasswordRequest) string { return r.Email }, validation.Email),
			validation.Field("resetUrl", func(r ForgotPasswordRequest) string { return r.ResetURL }, validation.AbsoluteURI),
		),
		Handle: s.handleForgot,
	}

	s.reset = dispatch.Command[ResetPasswordRequest, struct{}]{
		Name: "login.resetPassword",
		Validate: validation.Cascade(
			validation.Field("token", func(r ResetPasswordRequest) string { return r.Token }, validation.NotEmpty),
			func(ctx context.Context, r ResetPasswordRequest) validation.Errors { return s.usableReset(ctx, r.Token) },
			func(_ context.Context, r ResetPasswordRequest) validation.Errors { return checkPassword(r.Password) },
		),
		Handle: s.handleReset,
	}

	s.enroll = dispatch.Command[struct{}, Enrollment]{
		Name:     "login.enrollTwoFactor",
		Validate: requireUser[struct{}](),
		Handle:   s.handleEnroll,
	}

	s.confirmEnroll = dispatch.Command[CodeRequest, struct{}]{
		Name: "login.confirmTwoFactor",
		Validate: validation.Cascade(
			requireUser[CodeRequest](),
			validation.Field("code", func(r CodeRequest) string { return r.Code }, validation.NotEmpty),
		),
		Handle: s.handleConfirm,
	}

	s.disableFactor = dispatch.Command[CodeRequest, struct{}]{
		Name: "login.disableTwoFactor",
		Validate: validation.Cascade(
			requireUser[CodeRequest](),
			validation.Field("code", func(r CodeRequest) string { return r.Code }, validation.NotEmpty),
		),
		Handle: s.handleDisable,
	}

	return s
}

// SignIn checks a password. Users with an authenticator get a two-factor
// token instead of a session.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (response.Result[Outcome], error) {
	res, err := dispatch.Send(ctx, s.signIn, req)
	recordSignIn(MethodPassword, res, err)
	return res, err
}

// VerifyTwoFactor completes a sign-in with an authenticator passcode.
func (s *Service) VerifyTwoFactor(ctx context.Context, req TwoFactorRequest) (response.Result[Outcome], error) {
	res, err := dispatch.Send(ctx, s.verify, req)
	recordSignIn(MethodOTP, res, err)
	return res, err
}

// Register creates a user when the current application allows self
// registration.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (response.Result[Outcome], error) {
	return dispatch.Send(ctx, s.register, req)
}

// ForgotPassword emails a reset link. Unknown emails succeed silently.
func (s *Service) ForgotPassword(ctx context.Context, req ForgotPasswordRequest) (response.Result[struct{}], error) {
	return dispatch.Send(ctx, s.forgot, req)
}

// ResetPassword consumes a reset token and sets the new password.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) (response.Result[struct{}], error) {
	return dispatch.Send(ctx, s.reset, req)
}

// EnrollTwoFactor generates an authenticator key for the signed-in user.
// It takes effect after ConfirmTwoFactor.
func (s *Service) EnrollTwoFactor(ctx context.Context) (response.Result[Enrollment], error) {
	return dispatch.Send(ctx, s.enroll, struct{}{})
}

// ConfirmTwoFactor enables the enrolled key once a passcode from it checks out.
func (s *Service) ConfirmTwoFactor(ctx context.Context, req CodeRequest) (response.Result[struct{}], error) {
	return dispatch.Send(ctx, s.confirmEnroll, req)
}

// DisableTwoFactor removes the authenticator of the signed-in user.
func (s *Service) DisableTwoFactor(ctx context.Context, req CodeRequest) (response.Result[struct{}], error) {
	return dispatch.Send(ctx, s.disableFactor, req)
}

func recordSignIn(method string, res response.Result[Outcome], err error) {
	outcome := "failure"
	switch {
	case err != nil:
		outcome = "error"
	case res.IsValid() && res.Value().TwoFactorRequired:
		outcome = "two_factor"
	case res.IsValid():
		outcome = "success"
	}
	metrics.SignIns.WithLabelValues(method, outcome).Inc()
}

func requireUser[T any]() validation.Rule[T] {
	return func(ctx context.Context, _ T) validation.Errors {
		if _, ok := client.UserFromContext(ctx); !ok {
			return validation.Errors{validation.New(validation.CodeNotAuthenticated, "Authentication is required.", "")}
		}
		return nil
	}
}

func provisioningEnabled[T any](ctx context.Context, _ T) validation.Errors {
	current, ok := application.CurrentFromContext(ctx)
	if ok && !current.EnableProvision() {
		return validation.Errors{validation.New(CodeProvisioningDisabled, "Registration is disabled for this application.", "")}
	}
	return nil
}

func checkPassword(password string) validation.Errors {
	if len(password) < user.MinPasswordLength {
		return validation.Errors{validation.New(CodePasswordTooShort,
			fmt.Sprintf("The password must be at least %d characters.", user.MinPasswordLength), "password")}
	}
	return nil
}

func invalidCredentials() validation.Errors {
	return validation.Errors{validation.New(CodeInvalidCredentials, "The email or password is incorrect.", "")}
}

func twoFactorInvalid() validation.Errors {
	return validation.Errors{validation.New(CodeTwoFactorInvalid, "The code is not valid.", "code")}
}

func resetNotValid() validation.Errors {
	return validation.Errors{validation.New(CodeTokenNotValid, "The reset link is not valid.", "token")}
}

func (s *Service) usableReset(ctx context.Context, token string) validation.Errors {
	if _, _, err := s.resets.Peek(ctx, token, s.now()); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Failed to load password reset", "err", err)
		}
		return resetNotValid()
	}
	return nil
}

func (s *Service) handleSignIn(ctx context.Context, r SignInRequest) (Outcome, error) {
	u, err := s.users.Authenticate(ctx, r.Email, r.Password)
	if idmerrors.IsCode(err, idmerrors.ErrCodeInvalidCredentials) {
		return Outcome{}, invalidCredentials()
	}
	if err != nil {
		return Outcome{}, err
	}
	if !u.TOTPEnabled {
		return Outcome{UserID: u.ID, Method: MethodPassword, user: u}, nil
	}

	token, _, err := s.tokens.GenerateToken(u.ID, s.cfg.TwoFactorTTL, nil, map[string]interface{}{
		"token_use": tokenUseTwoFactor,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("mint two-factor token: %w", err)
	}
	return Outcome{TwoFactorRequired: true, TwoFactorToken: token}, nil
}

func (s *Service) handleVerify(ctx context.Context, r TwoFactorRequest) (Outcome, error) {
	token, err := s.tokens.ParseToken(r.Token)
	if err != nil || tokengenerator.StringClaim(token, "token_use") != tokenUseTwoFactor {
		return Outcome{}, validation.Errors{validation.New(CodeTokenNotValid, "The sign-in has expired. Please start again.", "token")}
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return Outcome{}, validation.Errors{validation.New(CodeTokenNotValid, "The sign-in has expired. Please start again.", "token")}
	}

	u, err := s.users.Get(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, invalidCredentials()
	}
	if err != nil {
		return Outcome{}, err
	}
	if !u.TOTPEnabled || !ValidateTOTP(u.TOTPSecret, r.Code, s.now()) {
		slog.Info("Two-factor verification failed", "userId", u.ID)
		return Outcome{}, twoFactorInvalid()
	}
	return Outcome{UserID: u.ID, Method: MethodOTP, user: u}, nil
}

func (s *Service) handleRegister(ctx context.Context, r RegisterRequest) (Outcome, error) {
	u, err := s.users.Register(ctx, r.Email, r.Name, r.Password)
	if errors.Is(err, user.ErrEmailTaken) {
		return Outcome{}, validation.Errors{validation.New(CodeEmailTaken, "A user with this email already exists.", "email")}
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{UserID: u.ID, Method: MethodPassword, user: u}, nil
}

func (s *Service) handleForgot(ctx context.Context, r ForgotPasswordRequest) (struct{}, error) {
	u, err := s.users.FindByEmail(ctx, r.Email)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("Password reset requested for unknown email")
		return struct{}{}, nil
	}
	if err != nil {
		return struct{}{}, err
	}

	token, err := s.resets.Create(ctx, u.ID, s.now(), s.cfg.ResetTTL)
	if err != nil {
		return struct{}{}, err
	}
	link, err := s.resetLink(r.ResetURL, token)
	if err != nil {
		return struct{}{}, err
	}
	err = s.notifier.Send(notification.PasswordResetInit, notification.NotificationData{
		To: u.Email,
		Data: map[string]string{
			"Link":      link,
			"ExpiresIn": s.cfg.ResetTTL.String(),
		},
	})
	if err != nil {
		// The caller cannot tell known emails from unknown ones.
		slog.Error("Failed to send password reset", "userId", u.ID, "err", err)
	}
	return struct{}{}, nil
}

func (s *Service) resetLink(resetURL, token string) (string, error) {
	if resetURL == "" {
		resetURL = s.cfg.BaseURL + "/reset-password"
	}
	u, err := url.Parse(resetURL)
	if err != nil {
		return "", fmt.Errorf("parse reset url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Service) handleReset(ctx context.Context, r ResetPasswordRequest) (struct{}, error) {
	reset, err := s.resets.Take(ctx, r.Token, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return struct{}{}, resetNotValid()
	}
	if err != nil {
		return struct{}{}, err
	}
	if err := s.users.SetPassword(ctx, reset.UserID, r.Password); err != nil {
		return struct{}{}, err
	}
	slog.Info("Password reset", "userId", reset.UserID)
	return struct{}{}, nil
}

func (s *Service) handleEnroll(ctx context.Context, _ struct{}) (Enrollment, error) {
	p, _ := client.UserFromContext(ctx)
	u, err := s.users.Get(ctx, p.Subject)
	if err != nil {
		return Enrollment{}, err
	}
	if u.TOTPEnabled {
		return Enrollment{}, validation.Errors{validation.New(CodeTwoFactorAlreadyEnabled, "Two-factor authentication is already enabled.", "")}
	}
	key, err := GenerateTOTPKey(s.cfg.TOTPIssuer, u.Email)
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp key: %w", err)
	}
	_, err = s.users.Update(ctx, u.ID, func(u *user.User) {
		u.TOTPSecret = key.Secret()
		u.TOTPEnabled = false
	})
	if err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

func (s *Service) handleConfirm(ctx context.Context, r CodeRequest) (struct{}, error) {
	p, _ := client.UserFromContext(ctx)
	u, err := s.users.Get(ctx, p.Subject)
	if err != nil {
		return struct{}{}, err
	}
	if u.TOTPSecret == "" {
		return struct{}{}, validation.Errors{validation.New(CodeTwoFactorNotEnrolled, "No authenticator is being enrolled.", "")}
	}
	if !ValidateTOTP(u.TOTPSecret, r.Code, s.now()) {
		return struct{}{}, twoFactorInvalid()
	}
	_, err = s.users.Update(ctx, u.ID, func(u *user.User) { u.TOTPEnabled = true })
	if err != nil {
		return struct{}{}, err
	}
	slog.Info("Two-factor authentication enabled", "userId", u.ID)
	return struct{}{}, nil
}

func (s *Service) handleDisable(ctx context.Context, r CodeRequest) (struct{}, error) {
	p, _ := client.UserFromContext(ctx)
	u, err := s.users.Get(ctx, p.Subject)
	if err != nil {
		return struct{}{}, err
	}
	if !u.TOTPEnabled {
		return struct{}{}, validation.Errors{validation.New(CodeTwoFactorNotEnrolled, "Two-factor authentication is not enabled.", "")}
	}
	if !ValidateTOTP(u.TOTPSecret, r.Code, s.now()) {
		return struct{}{}, twoFactorInvalid()
	}
	_, err = s.users.Update(ctx, u.ID, func(u *user.User) {
		u.TOTPSecret = ""
		u.TOTPEnabled = false
	})
	if err != nil {
		return struct{}{}, err
	}
	slog.Info("Two-factor authentication disabled", "userId", u.ID)
	return struct{}{}, nil
}
