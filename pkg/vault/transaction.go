package vault

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"quorumvault/pkg/events"
	"quorumvault/pkg/models"
	"quorumvault/pkg/quorum"
)

// ProposeTransaction records a new transaction with the proposer's
// approval already set. eta is models.NoETA for no timelock.
func (e *Engine) ProposeTransaction(ctx context.Context, wallet, proposer models.Identity, actions []models.Action, eta int64) (*models.Transaction, error) {
	var out *models.Transaction
	err := e.update(ctx, "ProposeTransaction", []attribute.KeyValue{walletAttr(wallet)}, func(o *op) error {
		w, err := o.wallet(wallet)
		if err != nil {
			return err
		}
		idx, ok := w.OwnerIndex(proposer)
		if !ok {
			return ErrNotAnOwner
		}
		if len(actions) == 0 {
			return fmt.Errorf("%w: transaction has no actions", ErrInvalidAction)
		}
		if w.Frozen && !frozenCarveOut(e.programID, w.Key, actions) {
			return ErrAccountFrozen
		}
		if err := checkETA(w, eta, o.now); err != nil {
			return err
		}
		if w.TransactionCount == ^uint64(0) {
			return fmt.Errorf("%w: transaction count", ErrOverflow)
		}
		tx := &models.Transaction{
			Wallet:           w.Key,
			Index:            w.TransactionCount,
			Proposer:         proposer,
			Actions:          actions,
			Signers:          make([]bool, len(w.Owners)),
			OwnerSetSequence: w.OwnerSetSequence,
			ETA:              eta,
			ExecutedAt:       models.NotExecuted,
		}
		tx.Signers[idx] = true
		w.TransactionCount++
		if err := o.tx.PutTransaction(o.ctx, tx); err != nil {
			return err
		}
		if err := o.tx.PutWallet(o.ctx, w); err != nil {
			return err
		}
		out = tx
		o.emit(events.TransactionProposed, w.Key, proposer, ptr(tx.Index), map[string]string{
			"eta":     itoa(eta),
			"actions": itoa(int64(len(actions))),
		})
		return nil
	})
	return out, err
}

func checkETA(w *models.Wallet, eta, now int64) error {
	if eta == models.NoETA {
		return nil
	}
	if eta < now {
		return fmt.Errorf("%w: eta %d is before now %d", ErrInvalidETA, eta, now)
	}
	if eta-now > models.MaxDelay {
		return fmt.Errorf("%w: eta is %ds away, limit %ds", ErrDelayTooHigh, eta-now, models.MaxDelay)
	}
	if w.MinimumDelay > 0 {
		earliest, err := checkedAdd(now, w.MinimumDelay)
		if err != nil {
			return err
		}
		if eta < earliest {
			return fmt.Errorf("%w: eta %d is before minimum delay ends at %d", ErrInvalidETA, eta, earliest)
		}
	}
	return nil
}

func (e *Engine) Approve(ctx context.Context, wallet models.Identity, index uint64, owner models.Identity) (*models.Transaction, error) {
	return e.setApproval(ctx, "Approve", wallet, index, owner, true)
}

func (e *Engine) Unapprove(ctx context.Context, wallet models.Identity, index uint64, owner models.Identity) (*models.Transaction, error) {
	return e.setApproval(ctx, "Unapprove", wallet, index, owner, false)
}

func (e *Engine) setApproval(ctx context.Context, name string, wallet models.Identity, index uint64, owner models.Identity, approved bool) (*models.Transaction, error) {
	var out *models.Transaction
	err := e.update(ctx, name, []attribute.KeyValue{walletAttr(wallet), indexAttr(index)}, func(o *op) error {
		w, err := o.wallet(wallet)
		if err != nil {
			return err
		}
		tx, err := o.transaction(wallet, index)
		if err != nil {
			return err
		}
		idx, ok := w.OwnerIndex(owner)
		if !ok {
			return ErrNotAnOwner
		}
		if tx.OwnerSetSequence != w.OwnerSetSequence {
			return ErrOwnerSetChanged
		}
		if tx.Executed() {
			return ErrAlreadyExecuted
		}
		if w.Frozen && !frozenCarveOut(e.programID, w.Key, tx.Actions) {
			return ErrAccountFrozen
		}
		if idx >= len(tx.Signers) {
			// Guardian SetOwners can grow the owner list without a sequence bump.
			return fmt.Errorf("%w: owner slot %d outside transaction signers", ErrOwnerSetChanged, idx)
		}
		tx.Signers[idx] = approved
		if err := o.tx.PutTransaction(o.ctx, tx); err != nil {
			return err
		}
		out = tx
		evt := events.TransactionApproved
		if !approved {
			evt = events.TransactionUnapproved
		}
		o.emit(evt, w.Key, owner, ptr(index), nil)
		return nil
	})
	return out, err
}

// ExecuteTransaction dispatches the transaction's actions signed by the
// wallet itself.
func (e *Engine) ExecuteTransaction(ctx context.Context, wallet models.Identity, index uint64, caller models.Identity) (*Receipt, error) {
	return e.execute(ctx, "ExecuteTransaction", wallet, index, caller, nil)
}

// ExecuteTransactionDerived dispatches the transaction's actions signed by
// the wallet's Derived sub-identity at derivedIndex.
func (e *Engine) ExecuteTransactionDerived(ctx context.Context, wallet models.Identity, index uint64, caller models.Identity, derivedIndex uint64) (*Receipt, error) {
	return e.execute(ctx, "ExecuteTransactionDerived", wallet, index, caller, &derivedIndex)
}

func (e *Engine) execute(ctx context.Context, name string, wallet models.Identity, index uint64, caller models.Identity, derivedIndex *uint64) (*Receipt, error) {
	var out *Receipt
	err := e.update(ctx, name, []attribute.KeyValue{walletAttr(wallet), indexAttr(index)}, func(o *op) error {
		w, err := o.wallet(wallet)
		if err != nil {
			return err
		}
		tx, err := o.transaction(wallet, index)
		if err != nil {
			return err
		}
		if _, ok := w.OwnerIndex(caller); !ok {
			return ErrNotAnOwner
		}
		if w.OwnerSetSequence != tx.OwnerSetSequence {
			return ErrOwnerSetChanged
		}
		if tx.Executed() {
			return ErrAlreadyExecuted
		}
		if w.Frozen && !frozenCarveOut(e.programID, w.Key, tx.Actions) {
			return ErrAccountFrozen
		}
		if tx.ETA != models.NoETA {
			if o.now < tx.ETA {
				return fmt.Errorf("%w: eta %d, now %d", ErrTransactionNotReady, tx.ETA, o.now)
			}
			deadline, err := checkedAdd(tx.ETA, w.GracePeriod)
			if err != nil {
				return err
			}
			if o.now > deadline {
				return fmt.Errorf("%w: grace period ended at %d", ErrTransactionIsStale, deadline)
			}
		}
		signed := quorum.CountSigners(tx.Signers, w.OwnerSessions(), o.now)
		if uint64(signed) < w.Threshold {
			return fmt.Errorf("%w: %d of %d", ErrNotEnoughSigners, signed, w.Threshold)
		}

		signer := w.Key
		if derivedIndex != nil {
			signer, err = e.deriver.SubIdentity(models.SubIdentityDerived, w.Key, *derivedIndex)
			if err != nil {
				return err
			}
		}
		receipt := &Receipt{Wallet: w.Key, Signer: signer, At: o.now}
		for i, action := range tx.Actions {
			d := Dispatch{Signer: signer, Action: action}
			if isSelfCall(e.programID, action) {
				if err := o.applySelfCall(signer, w, action); err != nil {
					return fmt.Errorf("action %d: %w", i, err)
				}
				d.Internal = true
			} else if err := e.dispatcher.Dispatch(o.ctx, d); err != nil {
				return fmt.Errorf("%w: action %d: %v", ErrDispatchFailed, i, err)
			}
			receipt.Dispatched = append(receipt.Dispatched, d)
		}

		tx.Executor = caller
		tx.ExecutedAt = o.now
		if err := o.tx.PutWallet(o.ctx, w); err != nil {
			return err
		}
		if err := o.tx.PutTransaction(o.ctx, tx); err != nil {
			return err
		}
		out = receipt
		o.emit(events.TransactionExecuted, w.Key, caller, ptr(index), map[string]string{
			"signer":  signer.String(),
			"signers": itoa(int64(signed)),
		})
		return nil
	})
	return out, err
}

// applySelfCall runs a configuration self-call. The wallet only authorizes
// it when it is the signer, so derived executions cannot reconfigure.
func (o *op) applySelfCall(signer models.Identity, w *models.Wallet, action models.Action) error {
	call, err := decodeSelfCall(action)
	if err != nil {
		return err
	}
	if !call.wallet.Equals(w.Key) || !signer.Equals(w.Key) {
		return fmt.Errorf("%w: self-call targets %s", ErrInvalidAction, call.wallet)
	}
	auth := selfAuthority{wallet: signer}
	switch call.kind {
	case selfSetOwners:
		return o.setOwners(auth, w, call.owners)
	case selfChangeThreshold:
		return o.changeThreshold(auth, w, call.threshold)
	case selfSetFrozen:
		return o.setFrozen(auth, w, call.frozen)
	default:
		return ErrInvalidAction
	}
}
