package vault

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"quorumvault/pkg/events"
	"quorumvault/pkg/models"
	"quorumvault/pkg/store"
)

// RegisterSubIdentity records the reverse mapping for sub after checking it
// is the identity the deriver yields for (kind, wallet, index).
func (e *Engine) RegisterSubIdentity(ctx context.Context, sub, wallet models.Identity, index uint64, kind models.SubIdentityKind) (models.SubIdentityRecord, error) {
	rec := models.SubIdentityRecord{SubIdentity: sub, Wallet: wallet, Kind: kind, Index: index}
	attrs := []attribute.KeyValue{walletAttr(wallet), indexAttr(index), attribute.String("vault.kind", kind.String())}
	err := e.update(ctx, "RegisterSubIdentity", attrs, func(o *op) error {
		if _, err := o.wallet(wallet); err != nil {
			return err
		}
		want, err := e.deriver.SubIdentity(kind, wallet, index)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSubIdentityMismatch, err)
		}
		if !want.Equals(sub) {
			return fmt.Errorf("%w: derived %s", ErrSubIdentityMismatch, want)
		}
		_, err = o.tx.SubIdentity(o.ctx, sub)
		if err == nil {
			return fmt.Errorf("%w: sub-identity %s", ErrAlreadyInitialized, sub)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := o.tx.PutSubIdentity(o.ctx, rec); err != nil {
			return err
		}
		o.emit(events.SubIdentityRegistered, wallet, models.Identity{}, ptr(index), map[string]string{
			"sub_identity": sub.String(),
			"kind":         kind.String(),
		})
		return nil
	})
	return rec, err
}

// OwnerInvoke lets any single owner dispatch one action as the wallet's
// OwnerInvoker sub-identity at index, without a transaction.
func (e *Engine) OwnerInvoke(ctx context.Context, wallet, owner models.Identity, index uint64, action models.Action) (*Receipt, error) {
	return e.ownerInvoke(ctx, "OwnerInvoke", wallet, owner, index, func(models.Identity) models.Action { return action })
}

// OwnerInvokeRaw is OwnerInvoke for callers that supply the target, account
// list and payload separately. Any account equal to the invoker identity is
// marked as a signer.
func (e *Engine) OwnerInvokeRaw(ctx context.Context, wallet, owner models.Identity, index uint64, target models.Identity, accounts []models.AccountMeta, data []byte) (*Receipt, error) {
	return e.ownerInvoke(ctx, "OwnerInvokeRaw", wallet, owner, index, func(invoker models.Identity) models.Action {
		metas := make([]models.AccountMeta, len(accounts))
		for i, m := range accounts {
			metas[i] = m
			if m.Key.Equals(invoker) {
				metas[i].IsSigner = true
			}
		}
		return models.Action{Target: target, Accounts: metas, Data: data}
	})
}

func (e *Engine) ownerInvoke(ctx context.Context, name string, wallet, owner models.Identity, index uint64, build func(invoker models.Identity) models.Action) (*Receipt, error) {
	var out *Receipt
	err := e.update(ctx, name, []attribute.KeyValue{walletAttr(wallet), indexAttr(index)}, func(o *op) error {
		w, err := o.wallet(wallet)
		if err != nil {
			return err
		}
		if w.Frozen {
			return ErrAccountFrozen
		}
		if _, ok := w.OwnerIndex(owner); !ok {
			return ErrNotAnOwner
		}
		invoker, err := e.deriver.SubIdentity(models.SubIdentityOwnerInvoker, w.Key, index)
		if err != nil {
			return err
		}
		action := build(invoker)
		if isSelfCall(e.programID, action) {
			return fmt.Errorf("%w: owner invocations cannot reconfigure the wallet", ErrInvalidAction)
		}
		d := Dispatch{Signer: invoker, Action: action}
		if err := e.dispatcher.Dispatch(o.ctx, d); err != nil {
			return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
		}
		out = &Receipt{Wallet: w.Key, Signer: invoker, Dispatched: []Dispatch{d}, At: o.now}
		o.emit(events.OwnerInvoked, w.Key, owner, ptr(index), map[string]string{
			"invoker": invoker.String(),
			"target":  action.Target.String(),
		})
		return nil
	})
	return out, err
}
