// Package events carries engine state-change notifications to the stream
// hub and to Kafka.
package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

type Type string

const (
	PolicyInitialized        Type = "policy.initialized"
	PolicyUpdated            Type = "policy.updated"
	AdministratorTransferred Type = "policy.administrator_transferred"
	WalletCreated            Type = "wallet.created"
	OwnersSet                Type = "wallet.owners_set"
	ThresholdChanged         Type = "wallet.threshold_changed"
	SessionSet               Type = "wallet.session_set"
	FrozenSet                Type = "wallet.frozen_set"
	WalletLocked             Type = "wallet.locked"
	TransactionProposed      Type = "transaction.proposed"
	TransactionApproved      Type = "transaction.approved"
	TransactionUnapproved    Type = "transaction.unapproved"
	TransactionExecuted      Type = "transaction.executed"
	GuardianActionProposed   Type = "guardian_action.proposed"
	GuardianActionSigned     Type = "guardian_action.signed"
	GuardianActionPerformed  Type = "guardian_action.performed"
	SubIdentityRegistered    Type = "sub_identity.registered"
	OwnerInvoked             Type = "wallet.owner_invoked"
)

// Event is one committed state change. Wallet, Actor and Attrs values are
// base58 identities or decimal numbers rendered as strings.
type Event struct {
	ID     string            `json:"id" cbor:"1,keyasint"`
	Type   Type              `json:"type" cbor:"2,keyasint"`
	Wallet string            `json:"wallet,omitempty" cbor:"3,keyasint,omitempty"`
	Index  *uint64           `json:"index,omitempty" cbor:"4,keyasint,omitempty"`
	Actor  string            `json:"actor,omitempty" cbor:"5,keyasint,omitempty"`
	At     int64             `json:"at" cbor:"6,keyasint"`
	Attrs  map[string]string `json:"attrs,omitempty" cbor:"7,keyasint,omitempty"`
}

func New(t Type, at int64) Event {
	return Event{ID: uuid.NewString(), Type: t, At: at}
}

// Sink receives events after the state change that produced them has been
// committed.
type Sink interface {
	Publish(ctx context.Context, evts ...Event) error
}

type SinkFunc func(ctx context.Context, evts ...Event) error

func (f SinkFunc) Publish(ctx context.Context, evts ...Event) error { return f(ctx, evts...) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, ...Event) error { return nil })

// Multi fans out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, evts ...Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, evts...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("events: cbor encoder: " + err.Error())
	}
}

// Encode renders the event as deterministic CBOR, the Kafka wire body.
func Encode(evt Event) ([]byte, error) {
	return encMode.Marshal(evt)
}

func Decode(raw []byte) (Event, error) {
	var evt Event
	if err := cbor.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if evt.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return evt, nil
}
