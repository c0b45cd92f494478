/*
Package directory provides user lookup and provisioning.

PURPOSE:
  The core consumes users through the read-only core.UserDirectory
  interface. This package supplies the store-backed implementation plus
  the provisioning service: creating a user always creates their single
  zero-balance account in the same store transaction, which is what
  keeps the 1:1 user/account invariant structural rather than checked.

  Identity itself (SSO, password, email verification) lives outside the
  core; a user row here is the payments-side projection.
*/
package directory

import (
	"context"

	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
)

// StoreDirectory reads users straight from the store.
type StoreDirectory struct {
	Store core.Store
}

func (d *StoreDirectory) Lookup(ctx context.Context, userID string) (*core.User, error) {
	return d.Store.Users().ByID(ctx, userID)
}

// Service provisions users and their accounts.
type Service struct {
	Store core.Store
	Clock core.Clock
	IDs   core.IdGen
	Audit *audit.Writer
}

func NewService(store core.Store, clock core.Clock, ids core.IdGen, w *audit.Writer) *Service {
	return &Service{Store: store, Clock: clock, IDs: ids, Audit: w}
}

// RegisterUser creates an active user and their zero-balance account
// atomically. Role defaults to EMPLOYEE.
func (s *Service) RegisterUser(ctx context.Context, op core.OperationContext, displayName, email string, role core.Role) (*core.User, *core.Account, error) {
	if displayName == "" {
		return nil, nil, core.E(core.CodeValidation, "display name is required")
	}
	if role == "" {
		role = core.RoleEmployee
	}
	switch role {
	case core.RoleEmployee, core.RoleAdmin, core.RoleFinance:
	default:
		return nil, nil, core.E(core.CodeValidation, "unknown role %q", role)
	}

	now := s.Clock.Now()
	user := core.User{
		ID:          s.IDs.NewID(),
		DisplayName: displayName,
		Email:       email,
		Role:        role,
		Active:      true,
		CreatedAt:   now,
	}
	acct := core.Account{
		ID:        s.IDs.NewID(),
		UserID:    user.ID,
		Balance:   core.ZeroMoney(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		if err := tx.Users().Insert(ctx, user); err != nil {
			return err
		}
		if err := tx.Accounts().Create(ctx, acct); err != nil {
			return err
		}
		ue := audit.Entry(op, core.ActionUserCreated, core.EntityUser, user.ID)
		ue.NewValues = map[string]any{"display_name": displayName, "role": string(role)}
		if err := s.Audit.Append(ctx, tx, ue); err != nil {
			return err
		}
		ae := audit.Entry(op, core.ActionAccountCreated, core.EntityAccount, acct.ID)
		ae.NewValues = map[string]any{"user_id": user.ID, "balance": acct.Balance.String()}
		return s.Audit.Append(ctx, tx, ae)
	})
	if err != nil {
		return nil, nil, err
	}
	return &user, &acct, nil
}

// Deactivate marks a user inactive. Their account and history remain;
// the user simply stops being a valid party to new operations.
func (s *Service) Deactivate(ctx context.Context, op core.OperationContext, userID string) error {
	return s.Store.WithTx(ctx, func(tx core.Tx) error {
		u, err := tx.Users().ByID(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return core.E(core.CodeAccountNotFound, "no user %s", userID)
		}
		if !u.Active {
			return nil // already inactive, idempotent
		}
		if err := tx.Users().SetActive(ctx, userID, false); err != nil {
			return err
		}
		e := audit.Entry(op, core.ActionUserDeactivated, core.EntityUser, userID)
		e.OldValues = map[string]any{"active": true}
		e.NewValues = map[string]any{"active": false}
		return s.Audit.Append(ctx, tx, e)
	})
}

// List returns every user in the directory.
func (s *Service) List(ctx context.Context) ([]core.User, error) {
	return s.Store.Users().List(ctx)
}
