// Package store persists engine records. Backends only move opaque bytes
// keyed by (kind, key); Records layers the typed codec from pkg/layout on
// top so every backend stores the same byte layout.
package store

import (
	"context"
	"errors"
	"fmt"

	"quorumvault/pkg/layout"
	"quorumvault/pkg/models"
)

var ErrNotFound = errors.New("record not found")

type Kind string

const (
	KindPolicy         Kind = "policy"
	KindWallet         Kind = "wallet"
	KindTransaction    Kind = "transaction"
	KindGuardianAction Kind = "guardian_action"
	KindSubIdentity    Kind = "sub_identity"
)

const policyKey = "global"

// Getter reads one encoded record. Missing records return ErrNotFound.
type Getter interface {
	Get(ctx context.Context, kind Kind, key string) ([]byte, error)
}

// Txn is the write view handed to an Update callback. Reads observe the
// transaction's own writes.
type Txn interface {
	Getter
	Put(ctx context.Context, kind Kind, key string, body []byte) error
}

// Backend is a byte-level record store. Update runs fn atomically: either
// every Put inside it becomes visible or none does. Concurrent Updates are
// serialized.
type Backend interface {
	Getter
	Update(ctx context.Context, fn func(Txn) error) error
}

func WalletKey(wallet models.Identity) string { return wallet.String() }

func IndexedKey(wallet models.Identity, index uint64) string {
	return fmt.Sprintf("%s/%020d", wallet.String(), index)
}

// Records is the typed view over a Backend.
type Records struct {
	backend Backend
}

func NewRecords(b Backend) *Records {
	return &Records{backend: b}
}

func (r *Records) Policy(ctx context.Context) (models.GlobalPolicy, error) {
	return loadPolicy(ctx, r.backend)
}

func (r *Records) Wallet(ctx context.Context, key models.Identity) (*models.Wallet, error) {
	return loadWallet(ctx, r.backend, key)
}

func (r *Records) Transaction(ctx context.Context, wallet models.Identity, index uint64) (*models.Transaction, error) {
	return loadTransaction(ctx, r.backend, wallet, index)
}

func (r *Records) GuardianAction(ctx context.Context, wallet models.Identity, index uint64) (*models.GuardianAction, error) {
	return loadGuardianAction(ctx, r.backend, wallet, index)
}

func (r *Records) SubIdentity(ctx context.Context, sub models.Identity) (models.SubIdentityRecord, error) {
	return loadSubIdentity(ctx, r.backend, sub)
}

// Update runs fn inside one backend transaction.
func (r *Records) Update(ctx context.Context, fn func(*RecordTx) error) error {
	return r.backend.Update(ctx, func(txn Txn) error {
		return fn(&RecordTx{txn: txn})
	})
}

// RecordTx is the typed view over a Txn.
type RecordTx struct {
	txn Txn
}

func (t *RecordTx) Policy(ctx context.Context) (models.GlobalPolicy, error) {
	return loadPolicy(ctx, t.txn)
}

func (t *RecordTx) Wallet(ctx context.Context, key models.Identity) (*models.Wallet, error) {
	return loadWallet(ctx, t.txn, key)
}

func (t *RecordTx) Transaction(ctx context.Context, wallet models.Identity, index uint64) (*models.Transaction, error) {
	return loadTransaction(ctx, t.txn, wallet, index)
}

func (t *RecordTx) GuardianAction(ctx context.Context, wallet models.Identity, index uint64) (*models.GuardianAction, error) {
	return loadGuardianAction(ctx, t.txn, wallet, index)
}

func (t *RecordTx) SubIdentity(ctx context.Context, sub models.Identity) (models.SubIdentityRecord, error) {
	return loadSubIdentity(ctx, t.txn, sub)
}

func (t *RecordTx) PutPolicy(ctx context.Context, p models.GlobalPolicy) error {
	return t.txn.Put(ctx, KindPolicy, policyKey, layout.EncodePolicy(p))
}

func (t *RecordTx) PutWallet(ctx context.Context, w *models.Wallet) error {
	raw, err := layout.EncodeWallet(w)
	if err != nil {
		return err
	}
	return t.txn.Put(ctx, KindWallet, WalletKey(w.Key), raw)
}

func (t *RecordTx) PutTransaction(ctx context.Context, tx *models.Transaction) error {
	raw, err := layout.EncodeTransaction(tx)
	if err != nil {
		return err
	}
	return t.txn.Put(ctx, KindTransaction, IndexedKey(tx.Wallet, tx.Index), raw)
}

func (t *RecordTx) PutGuardianAction(ctx context.Context, ga *models.GuardianAction) error {
	return t.txn.Put(ctx, KindGuardianAction, IndexedKey(ga.Wallet, ga.Index), layout.EncodeGuardianAction(ga))
}

func (t *RecordTx) PutSubIdentity(ctx context.Context, rec models.SubIdentityRecord) error {
	return t.txn.Put(ctx, KindSubIdentity, WalletKey(rec.SubIdentity), layout.EncodeSubIdentity(rec))
}

func loadPolicy(ctx context.Context, g Getter) (models.GlobalPolicy, error) {
	raw, err := g.Get(ctx, KindPolicy, policyKey)
	if err != nil {
		return models.GlobalPolicy{}, err
	}
	return layout.DecodePolicy(raw)
}

func loadWallet(ctx context.Context, g Getter, key models.Identity) (*models.Wallet, error) {
	raw, err := g.Get(ctx, KindWallet, WalletKey(key))
	if err != nil {
		return nil, err
	}
	return layout.DecodeWallet(raw)
}

func loadTransaction(ctx context.Context, g Getter, wallet models.Identity, index uint64) (*models.Transaction, error) {
	raw, err := g.Get(ctx, KindTransaction, IndexedKey(wallet, index))
	if err != nil {
		return nil, err
	}
	return layout.DecodeTransaction(raw)
}

func loadGuardianAction(ctx context.Context, g Getter, wallet models.Identity, index uint64) (*models.GuardianAction, error) {
	raw, err := g.Get(ctx, KindGuardianAction, IndexedKey(wallet, index))
	if err != nil {
		return nil, err
	}
	return layout.DecodeGuardianAction(raw)
}

func loadSubIdentity(ctx context.Context, g Getter, sub models.Identity) (models.SubIdentityRecord, error) {
	raw, err := g.Get(ctx, KindSubIdentity, WalletKey(sub))
	if err != nil {
		return models.SubIdentityRecord{}, err
	}
	return layout.DecodeSubIdentity(raw)
}
