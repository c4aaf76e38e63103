package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"quorumvault/pkg/events"
	"quorumvault/pkg/models"
	"quorumvault/pkg/quorum"
)

// ProposeGuardianAction records a recovery action. The administrator's
// proposals apply at once or fail. A guardian's proposal carries that
// guardian's agreement and applies as soon as quorum is met; a SetGuardians
// action reaching quorum inside the change period is recorded pending so it
// can be signed again once the period is over.
func (e *Engine) ProposeGuardianAction(ctx context.Context, wallet, caller models.Identity, typ models.GuardianActionType, addresses []models.Identity) (*models.GuardianAction, error) {
	var out *models.GuardianAction
	attrs := []attribute.KeyValue{walletAttr(wallet), attribute.String("vault.guardian_action", typ.String())}
	err := e.update(ctx, "ProposeGuardianAction", attrs, func(o *op) error {
		p, err := o.policy()
		if err != nil {
			return err
		}
		w, err := o.wallet(wallet)
		if err != nil {
			return err
		}
		switch typ {
		case models.GuardianUnlockWallet, models.GuardianSetOwners, models.GuardianSetGuardians:
		default:
			return fmt.Errorf("%w: unknown action type %d", ErrInvalidGuardian, typ)
		}
		admin := p.IsAdministrator(caller)
		slot, isGuardian := w.GuardianIndex(caller)
		if !admin && !isGuardian {
			return ErrNotAGuardian
		}
		if w.GuardianProposalCount == ^uint64(0) {
			return fmt.Errorf("%w: guardian proposal count", ErrOverflow)
		}
		ga := &models.GuardianAction{
			Wallet:      w.Key,
			Index:       w.GuardianProposalCount,
			Type:        typ,
			RequestedAt: o.now,
			Agreed:      make([]bool, len(w.Guardians)),
			Addresses:   dedupe(addresses),
		}
		if err := checkAddressCapacity(w, ga); err != nil {
			return err
		}
		w.GuardianProposalCount++
		o.emit(events.GuardianActionProposed, w.Key, caller, ptr(ga.Index), map[string]string{
			"type":      typ.String(),
			"addresses": strconv.Itoa(len(ga.Addresses)),
		})

		apply := admin
		if !admin {
			ga.Agreed[slot] = true
			apply = quorum.GuardianQuorumMet(ga.Agreed, p.GuardianQuorumPermyriad)
		}
		if apply {
			err := o.performGuardianAction(p, w, ga, caller)
			if err != nil && (admin || !errors.Is(err, ErrNotEnoughChangePeriod)) {
				return err
			}
		}
		if err := o.tx.PutGuardianAction(o.ctx, ga); err != nil {
			return err
		}
		if err := o.tx.PutWallet(o.ctx, w); err != nil {
			return err
		}
		out = ga
		return nil
	})
	return out, err
}

// SignGuardianAction adds caller's agreement and applies the action once
// quorum is met. Signing is idempotent. The administrator may sign to apply
// the action without quorum.
func (e *Engine) SignGuardianAction(ctx context.Context, wallet models.Identity, index uint64, caller models.Identity) (*models.GuardianAction, error) {
	var out *models.GuardianAction
	err := e.update(ctx, "SignGuardianAction", []attribute.KeyValue{walletAttr(wallet), indexAttr(index)}, func(o *op) error {
		p, err := o.policy()
		if err != nil {
			return err
		}
		w, err := o.wallet(wallet)
		if err != nil {
			return err
		}
		ga, err := o.tx.GuardianAction(o.ctx, wallet, index)
		if err != nil {
			return fmt.Errorf("guardian action %s/%d: %w", wallet, index, err)
		}
		if ga.Performed {
			return ErrActionAlreadyPerformed
		}
		if err := checkNotExpired(p, ga, o.now); err != nil {
			return err
		}

		apply := p.IsAdministrator(caller)
		if !apply {
			slot, ok := w.GuardianIndex(caller)
			if !ok {
				return ErrNotAGuardian
			}
			if slot >= len(ga.Agreed) {
				return fmt.Errorf("%w: guardian joined after action %d was proposed", ErrNotAGuardian, index)
			}
			ga.Agreed[slot] = true
			apply = quorum.GuardianQuorumMet(ga.Agreed, p.GuardianQuorumPermyriad)
		}
		o.emit(events.GuardianActionSigned, w.Key, caller, ptr(index), nil)
		if apply {
			if err := o.performGuardianAction(p, w, ga, caller); err != nil {
				return err
			}
		}
		if err := o.tx.PutGuardianAction(o.ctx, ga); err != nil {
			return err
		}
		if err := o.tx.PutWallet(o.ctx, w); err != nil {
			return err
		}
		out = ga
		return nil
	})
	return out, err
}

func checkNotExpired(p models.GlobalPolicy, ga *models.GuardianAction, now int64) error {
	deadline, err := checkedAdd(ga.RequestedAt, p.GuardianActionExpiry)
	if err != nil {
		return err
	}
	if now > deadline {
		return fmt.Errorf("%w: expired at %d", ErrActionExpired, deadline)
	}
	return nil
}

func checkAddressCapacity(w *models.Wallet, ga *models.GuardianAction) error {
	switch ga.Type {
	case models.GuardianSetOwners:
		if len(ga.Addresses) > int(w.MaxOwners) {
			return fmt.Errorf("%w: %d owners, capacity %d", ErrCapacityExceeded, len(ga.Addresses), w.MaxOwners)
		}
	case models.GuardianSetGuardians:
		if len(ga.Addresses) > int(w.MaxGuardians) {
			return fmt.Errorf("%w: %d guardians, capacity %d", ErrCapacityExceeded, len(ga.Addresses), w.MaxGuardians)
		}
	}
	return nil
}

// performGuardianAction applies ga to w. Guardian recovery ignores the
// frozen and locked flags.
func (o *op) performGuardianAction(p models.GlobalPolicy, w *models.Wallet, ga *models.GuardianAction, caller models.Identity) error {
	if ga.Performed {
		return ErrActionAlreadyPerformed
	}
	if err := checkNotExpired(p, ga, o.now); err != nil {
		return err
	}
	if err := checkAddressCapacity(w, ga); err != nil {
		return err
	}
	if w.GuardianActionCount == ^uint64(0) {
		return fmt.Errorf("%w: guardian action count", ErrOverflow)
	}
	switch ga.Type {
	case models.GuardianUnlockWallet:
		w.Frozen = false
		w.Locked = false
	case models.GuardianSetOwners:
		// Wholesale replacement: threshold and sequence are left alone and
		// sessions stay with their slot positions.
		owners := make([]models.Owner, len(ga.Addresses))
		for i, id := range ga.Addresses {
			owners[i] = models.Owner{Key: id, Session: models.NoSession}
			if i < len(w.Owners) {
				owners[i].Session = w.Owners[i].Session
			}
		}
		w.Owners = owners
	case models.GuardianSetGuardians:
		readyAt, err := checkedAdd(ga.RequestedAt, p.GuardianChangePeriod)
		if err != nil {
			return err
		}
		if o.now < readyAt {
			return fmt.Errorf("%w: guardians can change from %d", ErrNotEnoughChangePeriod, readyAt)
		}
		w.Guardians = append([]models.Identity{}, ga.Addresses...)
	default:
		return fmt.Errorf("%w: unknown action type %d", ErrInvalidGuardian, ga.Type)
	}
	w.GuardianActionCount++
	ga.Performed = true
	o.emit(events.GuardianActionPerformed, w.Key, caller, ptr(ga.Index), map[string]string{"type": ga.Type.String()})
	return nil
}
