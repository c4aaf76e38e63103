package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"quorumvault/pkg/events"
	"quorumvault/pkg/models"
	"quorumvault/pkg/store"
)

type CreateWalletParams struct {
	Base         models.Identity
	Creator      models.Identity
	Owners       []models.Identity
	Threshold    uint64
	MinimumDelay int64
	Guardians    []models.Identity
	MaxOwners    uint8
	MaxGuardians uint8
}

func (e *Engine) CreateWallet(ctx context.Context, p CreateWalletParams) (*models.Wallet, error) {
	var out *models.Wallet
	attrs := []attribute.KeyValue{attribute.String("vault.base", p.Base.String())}
	err := e.update(ctx, "CreateWallet", attrs, func(o *op) error {
		switch {
		case p.MinimumDelay < 0:
			return fmt.Errorf("%w: negative minimum delay", ErrInvalidETA)
		case p.MinimumDelay > models.MaxDelay:
			return fmt.Errorf("%w: minimum delay %ds exceeds %ds", ErrDelayTooHigh, p.MinimumDelay, models.MaxDelay)
		case len(p.Owners) > int(p.MaxOwners):
			return fmt.Errorf("%w: %d owners, capacity %d", ErrCapacityExceeded, len(p.Owners), p.MaxOwners)
		case len(p.Guardians) > int(p.MaxGuardians):
			return fmt.Errorf("%w: %d guardians, capacity %d", ErrCapacityExceeded, len(p.Guardians), p.MaxGuardians)
		case p.Threshold == 0 || p.Threshold > uint64(len(p.Owners)):
			return fmt.Errorf("%w: threshold %d with %d owners", ErrInvalidThreshold, p.Threshold, len(p.Owners))
		}
		if err := requireUnique("owner", p.Owners); err != nil {
			return err
		}
		if err := requireUnique("guardian", p.Guardians); err != nil {
			return err
		}
		key, err := e.deriver.WalletKey(p.Base)
		if err != nil {
			return err
		}
		_, err = o.tx.Wallet(o.ctx, key)
		if err == nil {
			return fmt.Errorf("%w: wallet %s", ErrAlreadyInitialized, key)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		w := &models.Wallet{
			Key:          key,
			Base:         p.Base,
			Threshold:    p.Threshold,
			MinimumDelay: p.MinimumDelay,
			GracePeriod:  models.DefaultGracePeriod,
			Owners:       make([]models.Owner, len(p.Owners)),
			MaxOwners:    p.MaxOwners,
			Guardians:    append([]models.Identity{}, p.Guardians...),
			MaxGuardians: p.MaxGuardians,
		}
		for i, id := range p.Owners {
			w.Owners[i] = models.Owner{Key: id, Session: models.NoSession}
		}
		if err := o.tx.PutWallet(o.ctx, w); err != nil {
			return err
		}
		out = w
		o.emit(events.WalletCreated, key, p.Creator, nil, map[string]string{
			"base":      p.Base.String(),
			"threshold": utoa(p.Threshold),
			"owners":    strconv.Itoa(len(p.Owners)),
			"guardians": strconv.Itoa(len(p.Guardians)),
		})
		return nil
	})
	return out, err
}

// SetSession grants or, with a nil expiry, revokes owner's standing
// approval. A session counts as a signature on every transaction until
// expiry, inclusive.
func (e *Engine) SetSession(ctx context.Context, wallet, owner models.Identity, expiry *int64) error {
	return e.update(ctx, "SetSession", []attribute.KeyValue{walletAttr(wallet)}, func(o *op) error {
		w, err := o.wallet(wallet)
		if err != nil {
			return err
		}
		idx, ok := w.OwnerIndex(owner)
		if !ok {
			return ErrNotAnOwner
		}
		session := models.NoSession
		if expiry != nil {
			if *expiry < o.now {
				return fmt.Errorf("%w: session expiry %d is before now %d", ErrInvalidETA, *expiry, o.now)
			}
			session = *expiry
		}
		w.Owners[idx].Session = session
		if err := o.tx.PutWallet(o.ctx, w); err != nil {
			return err
		}
		o.emit(events.SessionSet, wallet, owner, nil, map[string]string{"expires_at": itoa(session)})
		return nil
	})
}

// SetFrozenAdmin is the administrator's entry point to set_frozen.
func (e *Engine) SetFrozenAdmin(ctx context.Context, wallet, caller models.Identity, frozen bool) error {
	return e.update(ctx, "SetFrozenAdmin", []attribute.KeyValue{walletAttr(wallet)}, func(o *op) error {
		admin, err := o.isAdministrator(caller)
		if err != nil {
			return err
		}
		if !admin {
			return ErrNotAdministrator
		}
		w, err := o.wallet(wallet)
		if err != nil {
			return err
		}
		w.Frozen = frozen
		if err := o.tx.PutWallet(o.ctx, w); err != nil {
			return err
		}
		o.emit(events.FrozenSet, wallet, caller, nil, map[string]string{"frozen": strconv.FormatBool(frozen), "path": "administrator"})
		return nil
	})
}

// LockWallet sets the locked flag. Only a performed guardian UnlockWallet
// action clears it again.
func (e *Engine) LockWallet(ctx context.Context, wallet, caller models.Identity) error {
	return e.update(ctx, "LockWallet", []attribute.KeyValue{walletAttr(wallet)}, func(o *op) error {
		w, err := o.wallet(wallet)
		if err != nil {
			return err
		}
		if !w.IsGuardian(caller) {
			admin, err := o.isAdministrator(caller)
			if err != nil {
				return err
			}
			if !admin {
				return ErrNotAGuardian
			}
		}
		w.Locked = true
		if err := o.tx.PutWallet(o.ctx, w); err != nil {
			return err
		}
		o.emit(events.WalletLocked, wallet, caller, nil, nil)
		return nil
	})
}

// selfAuthority proves the wallet itself authorized a mutation. Only the
// execute path constructs one, for the wallet whose transaction is running.
type selfAuthority struct {
	wallet models.Identity
}

func (a selfAuthority) check(w *models.Wallet) error {
	if a.wallet.IsZero() || !a.wallet.Equals(w.Key) {
		return fmt.Errorf("%w: self-call for %s not signed by that wallet", ErrInvalidAction, w.Key)
	}
	return nil
}

func (o *op) setOwners(auth selfAuthority, w *models.Wallet, owners []models.Identity) error {
	if err := auth.check(w); err != nil {
		return err
	}
	if w.Frozen {
		return ErrAccountFrozen
	}
	if len(owners) > int(w.MaxOwners) {
		return fmt.Errorf("%w: %d owners, capacity %d", ErrCapacityExceeded, len(owners), w.MaxOwners)
	}
	if err := requireUnique("owner", owners); err != nil {
		return err
	}
	if w.OwnerSetSequence == ^uint32(0) {
		return fmt.Errorf("%w: owner set sequence", ErrOverflow)
	}
	w.Owners = make([]models.Owner, len(owners))
	for i, id := range owners {
		w.Owners[i] = models.Owner{Key: id, Session: models.NoSession}
	}
	if w.Threshold > uint64(len(owners)) {
		w.Threshold = uint64(len(owners))
	}
	w.OwnerSetSequence++
	o.emit(events.OwnersSet, w.Key, w.Key, nil, map[string]string{
		"owners":             strconv.Itoa(len(owners)),
		"threshold":          utoa(w.Threshold),
		"owner_set_sequence": utoa(uint64(w.OwnerSetSequence)),
	})
	return nil
}

func (o *op) changeThreshold(auth selfAuthority, w *models.Wallet, threshold uint64) error {
	if err := auth.check(w); err != nil {
		return err
	}
	if w.Frozen {
		return ErrAccountFrozen
	}
	if threshold == 0 || threshold > uint64(len(w.Owners)) {
		return fmt.Errorf("%w: threshold %d with %d owners", ErrInvalidThreshold, threshold, len(w.Owners))
	}
	w.Threshold = threshold
	o.emit(events.ThresholdChanged, w.Key, w.Key, nil, map[string]string{"threshold": utoa(threshold)})
	return nil
}

func (o *op) setFrozen(auth selfAuthority, w *models.Wallet, frozen bool) error {
	if err := auth.check(w); err != nil {
		return err
	}
	w.Frozen = frozen
	o.emit(events.FrozenSet, w.Key, w.Key, nil, map[string]string{"frozen": strconv.FormatBool(frozen), "path": "self"})
	return nil
}
