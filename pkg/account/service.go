// Package account manages tenants, their members and membership
// invitations.
package account

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/tenant-idm/pkg/authz"
	"github.com/tendant/tenant-idm/pkg/client"
	"github.com/tendant/tenant-idm/pkg/dispatch"
	idmerrors "github.com/tendant/tenant-idm/pkg/errors"
	"github.com/tendant/tenant-idm/pkg/notification"
	"github.com/tendant/tenant-idm/pkg/response"
	"github.com/tendant/tenant-idm/pkg/store"
	"github.com/tendant/tenant-idm/pkg/user"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// Account validation codes.
const (
	CodeNameNotUnique    = "NameNotUnique"
	CodeOnlyOneOwner     = "OnlyOneOwner"
	CodeTokenNotValid    = "TokenNotValid"
	CodePasswordRequired = "PasswordRequired"
	CodePasswordTooShort = "PasswordTooShort"
	CodeMemberNotFound   = "MemberNotFound"
	CodeOwnerImmutable   = "OwnerImmutable"
)

const maxDisplayNameLength = 200

// Notifier sends templated notices. notification.NotificationManager
// implements it.
type Notifier interface {
	Send(noticeType notification.NoticeType, data notification.NotificationData) error
}

// Config holds the settings of the account service.
type Config struct {
	// BaseURL is the public URL of this service, used for internal accept links.
	BaseURL       string
	InvitationTTL time.Duration
	// MaxRetries bounds optimistic concurrency retries on member writes.
	MaxRetries uint
}

// CreateRequest creates an account owned by the caller.
type CreateRequest struct {
	DisplayName string `json:"displayName"`
}

// InviteRequest invites Email to AccountID at Role.
type InviteRequest struct {
	AccountID     string     `json:"accountId"`
	Email         string     `json:"email"`
	Role          authz.Role `json:"role"`
	InvitationURL string     `json:"invitationUrl,omitempty"`
	SuccessURL    string     `json:"successUrl,omitempty"`
}

// InvitationSummary describes a sent invitation without its secret token.
type InvitationSummary struct {
	AccountID    string     `json:"accountId"`
	Email        string     `json:"email"`
	Role         authz.Role `json:"role"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	ExistingUser bool       `json:"existingUser"`
}

// AcceptRequest redeems an invitation for the signed-in user.
type AcceptRequest struct {
	Token string `json:"token"`
}

// CompleteRequest redeems an invitation anonymously. Password and Name are
// used only when the invited email has no user yet.
type CompleteRequest struct {
	Token    string `json:"token"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password,omitempty"`
}

// Joined is the result of redeeming an invitation.
type Joined struct {
	AccountID  string     `json:"accountId"`
	UserID     string     `json:"userId"`
	Role       authz.Role `json:"role"`
	SuccessURL string     `json:"successUrl,omitempty"`
}

// GetRequest loads an account visible to the caller.
type GetRequest struct {
	AccountID string `json:"accountId"`
}

// Summary is an account as listed for one of its members.
type Summary struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	Name        string     `json:"name"`
	Role        authz.Role `json:"role"`
}

// EditMemberRequest changes the role of a member.
type EditMemberRequest struct {
	AccountID string     `json:"accountId"`
	UserID    string     `json:"userId"`
	Role      authz.Role `json:"role"`
}

// RemoveMemberRequest removes a member.
type RemoveMemberRequest struct {
	AccountID string `json:"accountId"`
	UserID    string `json:"userId"`
}

// Service implements the account commands and queries.
type Service struct {
	repo     *Repository
	users    *user.Service
	guard    authz.Checker
	notifier Notifier
	cfg      Config
	now      func() time.Time

	create       dispatch.Command[CreateRequest, Account]
	invite       dispatch.Command[InviteRequest, InvitationSummary]
	accept       dispatch.Command[AcceptRequest, Joined]
	complete     dispatch.Command[CompleteRequest, Joined]
	get          dispatch.Command[GetRequest, Account]
	listMine     dispatch.Command[struct{}, []Summary]
	editMember   dispatch.Command[EditMemberRequest, Account]
	removeMember dispatch.Command[RemoveMemberRequest, Account]
}

// NewService wires the account commands.
func NewService(repo *Repository, users *user.Service, guard authz.Checker, notifier Notifier, cfg Config) *Service {
	if cfg.InvitationTTL <= 0 {
		cfg.InvitationTTL = 72 * time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	s := &Service{
		repo:     repo,
		users:    users,
		guard:    guard,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}

	s.create = dispatch.Command[CreateRequest, Account]{
		Name: "account.create",
		Validate: validation.Cascade(
			requireUser[CreateRequest](),
			validation.Field("displayName", func(r CreateRequest) string { return r.DisplayName },
				validation.NotEmpty, validation.MaxLength(maxDisplayNameLength)),
			s.uniqueName,
		),
		Handle: s.handleCreate,
	}

	s.invite = dispatch.Command[InviteRequest, InvitationSummary]{
		Name: "account.invite",
		Validate: validation.Cascade(
			authz.RequireRole(guard, authz.FromRequest(func(r InviteRequest) string { return r.AccountID }), authz.ManagerRoles...),
			validation.All(
				validation.Field("email", func(r InviteRequest) string { return r.Email }, validation.Email),
				validation.Field("role", func(r InviteRequest) authz.Role { return r.Role }, assignableRole),
				validation.Field("invitationUrl", func(r InviteRequest) string { return r.InvitationURL }, validation.AbsoluteURI),
				validation.Field("successUrl", func(r InviteRequest) string { return r.SuccessURL }, validation.AbsoluteURI),
			),
		),
		Handle: s.handleInvite,
	}

	s.accept = dispatch.Command[AcceptRequest, Joined]{
		Name: "account.acceptInvitation",
		Validate: validation.Cascade(
			requireUser[AcceptRequest](),
			validation.Field("token", func(r AcceptRequest) string { return r.Token }, validation.NotEmpty),
			func(ctx context.Context, r AcceptRequest) validation.Errors { return s.usableToken(ctx, r.Token) },
		),
		Handle: s.handleAccept,
	}

	s.complete = dispatch.Command[CompleteRequest, Joined]{
		Name: "account.completeInvitation",
		Validate: validation.Cascade(
			validation.Field("token", func(r CompleteRequest) string { return r.Token }, validation.NotEmpty),
			func(ctx context.Context, r CompleteRequest) validation.Errors { return s.usableToken(ctx, r.Token) },
			s.passwordForNewUser,
		),
		Handle: s.handleComplete,
	}

	s.get = dispatch.Command[GetRequest, Account]{
		Name: "account.get",
		Validate: authz.RequireRole(guard, authz.FromRequest(func(r GetRequest) string { return r.AccountID }),
			authz.Reader, authz.Administrator, authz.Owner),
		Handle: func(ctx context.Context, r GetRequest) (Account, error) {
			acc, _, err := s.repo.Get(ctx, r.AccountID)
			return acc, err
		},
	}

	s.listMine = dispatch.Command[struct{}, []Summary]{
		Name:     "account.listMine",
		Validate: requireUser[struct{}](),
		Handle:   s.handleListMine,
	}

	s.editMember = dispatch.Command[EditMemberRequest, Account]{
		Name: "account.editMember",
		Validate: validation.Cascade(
			authz.RequireRole(guard, authz.FromRequest(func(r EditMemberRequest) string { return r.AccountID }),
				authz.ManagerRoles...),
			validation.Field("role", func(r EditMemberRequest) authz.Role { return r.Role }, assignableRole),
		),
		Handle: s.handleEditMember,
	}

	s.removeMember = dispatch.Command[RemoveMemberRequest, Account]{
		Name: "account.removeMember",
		Validate: authz.RequireRole(guard, authz.FromRequest(func(r RemoveMemberRequest) string { return r.AccountID }),
			authz.ManagerRoles...),
		Handle: s.handleRemoveMember,
	}

	return s
}

// Create creates an account with the caller as its sole Owner.
func (s *Service) Create(ctx context.Context, req CreateRequest) (response.Result[Account], error) {
	return dispatch.Send(ctx, s.create, req)
}

// Invite stores an invitation and emails its link.
func (s *Service) Invite(ctx context.Context, req InviteRequest) (response.Result[InvitationSummary], error) {
	return dispatch.Send(ctx, s.invite, req)
}

// AcceptInvitation adds the signed-in user to the invitation's account.
func (s *Service) AcceptInvitation(ctx context.Context, req AcceptRequest) (response.Result[Joined], error) {
	return dispatch.Send(ctx, s.accept, req)
}

// CompleteInvitation adds the invited email to the account, creating the
// user first when needed.
func (s *Service) CompleteInvitation(ctx context.Context, req CompleteRequest) (response.Result[Joined], error) {
	return dispatch.Send(ctx, s.complete, req)
}

// Get returns an account to one of its members.
func (s *Service) Get(ctx context.Context, req GetRequest) (response.Result[Account], error) {
	return dispatch.Send(ctx, s.get, req)
}

// ListMine lists the accounts of the signed-in user.
func (s *Service) ListMine(ctx context.Context) (response.Result[[]Summary], error) {
	return dispatch.Send(ctx, s.listMine, struct{}{})
}

// EditMember changes a member's role.
func (s *Service) EditMember(ctx context.Context, req EditMemberRequest) (response.Result[Account], error) {
	return dispatch.Send(ctx, s.editMember, req)
}

// RemoveMember removes a member other than the Owner.
func (s *Service) RemoveMember(ctx context.Context, req RemoveMemberRequest) (response.Result[Account], error) {
	return dispatch.Send(ctx, s.removeMember, req)
}

func requireUser[T any]() validation.Rule[T] {
	return func(ctx context.Context, _ T) validation.Errors {
		if _, ok := client.UserFromContext(ctx); !ok {
			return validation.Errors{validation.New(validation.CodeNotAuthenticated, "Authentication is required.", "")}
		}
		return nil
	}
}

// assignableRole rejects unknown roles and Owner, which is only ever held
// by the account creator.
func assignableRole(property string, role authz.Role) *validation.Error {
	if role == authz.Owner {
		err := validation.New(CodeOnlyOneOwner, "An account can only have one owner.", property)
		return &err
	}
	if !role.Valid() {
		err := validation.New(validation.CodeInvalidValue, "'"+property+"' must be Reader or Administrator.", property)
		return &err
	}
	return nil
}

func (s *Service) uniqueName(ctx context.Context, r CreateRequest) validation.Errors {
	name := NormalizeName(r.DisplayName)
	if name == "" {
		return validation.Errors{validation.New(validation.CodeInvalidValue,
			"'displayName' must contain letters or digits.", "displayName")}
	}
	taken, err := s.repo.NameTaken(ctx, name)
	if err != nil {
		slog.Error("Failed to check account name", "name", name, "err", err)
		return nil
	}
	if taken {
		return validation.Errors{nameNotUnique()}
	}
	return nil
}

func nameNotUnique() validation.Error {
	return validation.New(CodeNameNotUnique, "An account with this name already exists.", "displayName")
}

func tokenNotValid() validation.Errors {
	return validation.Errors{validation.New(CodeTokenNotValid, "The invitation is not valid.", "token")}
}

func (s *Service) usableToken(ctx context.Context, token string) validation.Errors {
	inv, _, err := s.repo.GetInvitation(ctx, token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Failed to load invitation", "err", err)
		}
		return tokenNotValid()
	}
	if !inv.Usable(s.now()) {
		return tokenNotValid()
	}
	return nil
}

func (s *Service) passwordForNewUser(ctx context.Context, r CompleteRequest) validation.Errors {
	inv, _, err := s.repo.GetInvitation(ctx, r.Token)
	if err != nil {
		return tokenNotValid()
	}
	exists, err := s.users.Exists(ctx, inv.Email)
	if err != nil || exists {
		return nil
	}
	return checkNewPassword(r.Password)
}

func checkNewPassword(password string) validation.Errors {
	if password == "" {
		return validation.Errors{validation.New(CodePasswordRequired, "A password is required to create your user.", "password")}
	}
	if len(password) < user.MinPasswordLength {
		return validation.Errors{validation.New(CodePasswordTooShort,
			fmt.Sprintf("The password must be at least %d characters.", user.MinPasswordLength), "password")}
	}
	return nil
}

func (s *Service) handleCreate(ctx context.Context, r CreateRequest) (Account, error) {
	owner, _ := client.UserFromContext(ctx)
	acc := Account{
		ID:          uuid.NewString(),
		DisplayName: strings.TrimSpace(r.DisplayName),
		Name:        NormalizeName(r.DisplayName),
		Members:     map[string]authz.Role{owner.Subject: authz.Owner},
		CreatedAt:   s.now(),
	}
	ops, err := s.repo.CreateOps(acc)
	if err != nil {
		return Account{}, err
	}
	if err := s.repo.Store().Apply(ctx, ops...); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Account{}, validation.Errors{nameNotUnique()}
		}
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	slog.Info("Account created", "accountId", acc.ID, "name", acc.Name, "owner", owner.Subject)
	return acc, nil
}

func (s *Service) handleInvite(ctx context.Context, r InviteRequest) (InvitationSummary, error) {
	inviter, _ := client.UserFromContext(ctx)
	acc, _, err := s.repo.Get(ctx, r.AccountID)
	if err != nil {
		return InvitationSummary{}, err
	}

	token, err := newToken()
	if err != nil {
		return InvitationSummary{}, err
	}
	now := s.now()
	inv := Invitation{
		Token:      token,
		AccountID:  acc.ID,
		Email:      user.NormalizeEmail(r.Email),
		Role:       r.Role,
		SuccessURL: r.SuccessURL,
		InvitedBy:  inviter.Subject,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.InvitationTTL),
	}

	existing, err := s.users.Exists(ctx, inv.Email)
	if err != nil {
		return InvitationSummary{}, err
	}
	link, err := s.invitationLink(r.InvitationURL, token, existing)
	if err != nil {
		return InvitationSummary{}, err
	}
	if err := s.repo.CreateInvitation(ctx, inv); err != nil {
		return InvitationSummary{}, err
	}

	err = s.notifier.Send(notification.AccountInvitation, notification.NotificationData{
		To: inv.Email,
		Data: map[string]string{
			"AccountName": acc.DisplayName,
			"Role":        inv.Role.String(),
			"Link":        link,
			"ExpiresIn":   s.cfg.InvitationTTL.String(),
		},
	})
	if err != nil {
		// An undelivered invitation must not stay redeemable.
		if delErr := s.repo.DeleteInvitation(ctx, token); delErr != nil {
			slog.Error("Failed to delete undelivered invitation", "accountId", acc.ID, "err", delErr)
		}
		return InvitationSummary{}, idmerrors.Wrap(err, idmerrors.ErrCodeNotificationFailed, "failed to send invitation")
	}

	slog.Info("Invitation sent", "accountId", acc.ID, "role", inv.Role.String(), "existingUser", existing)
	return InvitationSummary{
		AccountID:    acc.ID,
		Email:        inv.Email,
		Role:         inv.Role,
		ExpiresAt:    inv.ExpiresAt,
		ExistingUser: existing,
	}, nil
}

// invitationLink returns the accept URL of this service for existing users
// and the caller's invitation URL otherwise. The token is always appended
// as the "token" query parameter.
func (s *Service) invitationLink(invitationURL, token string, existingUser bool) (string, error) {
	base := invitationURL
	switch {
	case existingUser:
		base = s.cfg.BaseURL + "/invitations/accept"
	case base == "":
		base = s.cfg.BaseURL + "/invitations/complete"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse invitation url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// joinTarget picks the user that redeems inv and returns the writes needed
// to create it, if any.
type joinTarget func(ctx context.Context, inv Invitation) (userID string, createOps []store.Op, err error)

func (s *Service) handleAccept(ctx context.Context, r AcceptRequest) (Joined, error) {
	principal, _ := client.UserFromContext(ctx)
	return s.redeem(ctx, r.Token, func(ctx context.Context, inv Invitation) (string, []store.Op, error) {
		u, err := s.users.Get(ctx, principal.Subject)
		if err != nil {
			return "", nil, fmt.Errorf("load accepting user: %w", err)
		}
		if user.NormalizeEmail(u.Email) != inv.Email {
			slog.Warn("Invitation accepted by a different user", "userId", u.ID, "accountId", inv.AccountID)
			return "", nil, validation.Errors{validation.New(validation.CodeNotAuthorized,
				"This invitation was sent to a different email address.", "token")}
		}
		return u.ID, nil, nil
	})
}

func (s *Service) handleComplete(ctx context.Context, r CompleteRequest) (Joined, error) {
	return s.redeem(ctx, r.Token, func(ctx context.Context, inv Invitation) (string, []store.Op, error) {
		u, err := s.users.FindByEmail(ctx, inv.Email)
		if err == nil {
			return u.ID, nil, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", nil, err
		}
		if errs := checkNewPassword(r.Password); len(errs) > 0 {
			return "", nil, errs
		}
		nu, err := s.users.Build(inv.Email, r.Name, r.Password)
		if err != nil {
			return "", nil, err
		}
		nu.EmailVerified = true
		ops, err := s.users.Repository().CreateOps(nu)
		if err != nil {
			return "", nil, err
		}
		return nu.ID, ops, nil
	})
}

// redeem consumes an invitation and adds its user to the account in one
// batch. The batch is conditional on the versions of the account and the
// invitation and is retried when a concurrent writer wins.
func (s *Service) redeem(ctx context.Context, token string, target joinTarget) (Joined, error) {
	return store.RetryOnConflict(ctx, s.cfg.MaxRetries, func() (Joined, error) {
		inv, invVersion, err := s.repo.GetInvitation(ctx, token)
		if errors.Is(err, store.ErrNotFound) {
			return Joined{}, tokenNotValid()
		}
		if err != nil {
			return Joined{}, err
		}
		if !inv.Usable(s.now()) {
			return Joined{}, tokenNotValid()
		}

		acc, accVersion, err := s.repo.Get(ctx, inv.AccountID)
		if errors.Is(err, store.ErrNotFound) {
			return Joined{}, tokenNotValid()
		}
		if err != nil {
			return Joined{}, err
		}

		userID, createOps, err := target(ctx, inv)
		if err != nil {
			return Joined{}, err
		}

		role := inv.Role
		if acc.Members[userID] == authz.Owner {
			role = authz.Owner
		}
		if acc.Members == nil {
			acc.Members = make(map[string]authz.Role)
		}
		acc.Members[userID] = role

		ops, err := s.repo.SaveOps(acc, accVersion, userID)
		if err != nil {
			return Joined{}, err
		}
		consume, err := s.repo.ConsumeInvitationOp(inv, invVersion, s.now())
		if err != nil {
			return Joined{}, err
		}
		ops = append(ops, consume)
		ops = append(ops, createOps...)

		if err := s.repo.Store().Apply(ctx, ops...); err != nil {
			if errors.Is(err, store.ErrConflict) {
				slog.Debug("Concurrent account write, retrying", "accountId", acc.ID)
			}
			return Joined{}, err
		}

		slog.Info("Invitation redeemed", "accountId", acc.ID, "userId", userID, "role", role.String())
		return Joined{AccountID: acc.ID, UserID: userID, Role: role, SuccessURL: inv.SuccessURL}, nil
	})
}

// updateMembers applies mutate to the account under optimistic concurrency.
func (s *Service) updateMembers(ctx context.Context, accountID, userID string, mutate func(acc *Account) error) (Account, error) {
	return store.RetryOnConflict(ctx, s.cfg.MaxRetries, func() (Account, error) {
		acc, version, err := s.repo.Get(ctx, accountID)
		if err != nil {
			return Account{}, err
		}
		if err := mutate(&acc); err != nil {
			return Account{}, err
		}
		ops, err := s.repo.SaveOps(acc, version, userID)
		if err != nil {
			return Account{}, err
		}
		if err := s.repo.Store().Apply(ctx, ops...); err != nil {
			return Account{}, err
		}
		return acc, nil
	})
}

func memberRule(acc *Account, userID string) error {
	role, ok := acc.Members[userID]
	if !ok {
		return validation.Errors{validation.New(CodeMemberNotFound, "The user is not a member of this account.", "userId")}
	}
	if role == authz.Owner {
		return validation.Errors{validation.New(CodeOwnerImmutable, "The owner of an account cannot be changed or removed.", "userId")}
	}
	return nil
}

func (s *Service) handleEditMember(ctx context.Context, r EditMemberRequest) (Account, error) {
	acc, err := s.updateMembers(ctx, r.AccountID, r.UserID, func(acc *Account) error {
		if err := memberRule(acc, r.UserID); err != nil {
			return err
		}
		acc.Members[r.UserID] = r.Role
		return nil
	})
	if err == nil {
		slog.Info("Member role changed", "accountId", r.AccountID, "userId", r.UserID, "role", r.Role.String())
	}
	return acc, err
}

func (s *Service) handleRemoveMember(ctx context.Context, r RemoveMemberRequest) (Account, error) {
	acc, err := s.updateMembers(ctx, r.AccountID, r.UserID, func(acc *Account) error {
		if err := memberRule(acc, r.UserID); err != nil {
			return err
		}
		delete(acc.Members, r.UserID)
		return nil
	})
	if err == nil {
		slog.Info("Member removed", "accountId", r.AccountID, "userId", r.UserID)
	}
	return acc, err
}

func (s *Service) handleListMine(ctx context.Context, _ struct{}) ([]Summary, error) {
	principal, _ := client.UserFromContext(ctx)
	memberships, err := s.repo.MembershipsForUser(ctx, principal.Subject)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(memberships))
	for _, m := range memberships {
		acc, _, err := s.repo.Get(ctx, m.AccountID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{ID: acc.ID, DisplayName: acc.DisplayName, Name: acc.Name, Role: acc.Members[principal.Subject]})
	}
	return out, nil
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate invitation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
