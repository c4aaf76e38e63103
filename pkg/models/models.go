package models

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Identity is an already-authenticated principal or record address.
type Identity = solana.PublicKey

const (
	SecondsPerDay = int64(24 * 60 * 60)

	// MaxDelay bounds both the wallet minimum delay and any transaction ETA.
	MaxDelay = 365 * SecondsPerDay

	DefaultGracePeriod = 14 * SecondsPerDay

	NoETA       = int64(-1)
	NoSession   = int64(-1)
	NotExecuted = int64(-1)

	PermyriadScale = 10000
)

// GlobalPolicy is the process-wide guardian policy and its administrator.
type GlobalPolicy struct {
	Administrator           Identity `json:"administrator"`
	GuardianChangePeriod    int64    `json:"guardian_change_period_sec"`
	GuardianActionExpiry    int64    `json:"guardian_action_expiry_sec"`
	GuardianQuorumPermyriad uint16   `json:"guardian_quorum_permyriad"`
}

func (p GlobalPolicy) IsAdministrator(id Identity) bool {
	return !p.Administrator.IsZero() && p.Administrator.Equals(id)
}

// Owner pairs an owner identity with its session expiry so the two can
// never drift out of alignment.
type Owner struct {
	Key     Identity `json:"key"`
	Session int64    `json:"session"`
}

type Wallet struct {
	Key                 Identity   `json:"key"`
	Base                Identity   `json:"base"`
	Threshold           uint64     `json:"threshold"`
	MinimumDelay        int64      `json:"minimum_delay_sec"`
	GracePeriod         int64      `json:"grace_period_sec"`
	OwnerSetSequence    uint32     `json:"owner_set_sequence"`
	TransactionCount    uint64     `json:"transaction_count"`
	Owners              []Owner    `json:"owners"`
	MaxOwners           uint8      `json:"max_owners"`
	Guardians           []Identity `json:"guardians"`
	MaxGuardians        uint8      `json:"max_guardians"`
	GuardianActionCount uint64     `json:"guardian_action_count"`
	// GuardianProposalCount allocates guardian action indices; it grows on
	// every proposal while GuardianActionCount only grows on performance.
	GuardianProposalCount uint64 `json:"guardian_proposal_count"`
	Frozen                bool   `json:"frozen"`
	Locked                bool   `json:"locked"`
}

// OwnerKeys returns the owner identities in index order.
func (w *Wallet) OwnerKeys() []Identity {
	out := make([]Identity, len(w.Owners))
	for i, o := range w.Owners {
		out[i] = o.Key
	}
	return out
}

// OwnerSessions returns the session expiries aligned with OwnerKeys.
func (w *Wallet) OwnerSessions() []int64 {
	out := make([]int64, len(w.Owners))
	for i, o := range w.Owners {
		out[i] = o.Session
	}
	return out
}

func (w *Wallet) OwnerIndex(id Identity) (int, bool) {
	for i, o := range w.Owners {
		if o.Key.Equals(id) {
			return i, true
		}
	}
	return -1, false
}

func (w *Wallet) GuardianIndex(id Identity) (int, bool) {
	for i, g := range w.Guardians {
		if g.Equals(id) {
			return i, true
		}
	}
	return -1, false
}

func (w *Wallet) IsGuardian(id Identity) bool {
	_, ok := w.GuardianIndex(id)
	return ok
}

// AccountMeta describes one account an action touches.
type AccountMeta struct {
	Key        Identity `json:"key" cbor:"1,keyasint"`
	IsSigner   bool     `json:"is_signer" cbor:"2,keyasint"`
	IsWritable bool     `json:"is_writable" cbor:"3,keyasint"`
}

// Action is an opaque external call: a target, the accounts it touches and
// its payload.
type Action struct {
	Target   Identity      `json:"target" cbor:"1,keyasint"`
	Accounts []AccountMeta `json:"accounts" cbor:"2,keyasint"`
	Data     []byte        `json:"data" cbor:"3,keyasint"`
}

type Transaction struct {
	Wallet           Identity `json:"wallet"`
	Index            uint64   `json:"index"`
	Proposer         Identity `json:"proposer"`
	Actions          []Action `json:"actions"`
	Signers          []bool   `json:"signers"`
	OwnerSetSequence uint32   `json:"owner_set_sequence"`
	ETA              int64    `json:"eta"`
	Executor         Identity `json:"executor"`
	ExecutedAt       int64    `json:"executed_at"`
}

func (t *Transaction) Executed() bool {
	return t.ExecutedAt != NotExecuted
}

type GuardianActionType uint8

const (
	GuardianNoAction GuardianActionType = iota
	GuardianUnlockWallet
	GuardianSetOwners
	GuardianSetGuardians
)

func (t GuardianActionType) String() string {
	switch t {
	case GuardianUnlockWallet:
		return "unlock_wallet"
	case GuardianSetOwners:
		return "set_owners"
	case GuardianSetGuardians:
		return "set_guardians"
	default:
		return "no_action"
	}
}

// ParseGuardianActionType accepts the String form of a guardian action type.
func ParseGuardianActionType(raw string) (GuardianActionType, bool) {
	switch raw {
	case "unlock_wallet":
		return GuardianUnlockWallet, true
	case "set_owners":
		return GuardianSetOwners, true
	case "set_guardians":
		return GuardianSetGuardians, true
	default:
		return GuardianNoAction, false
	}
}

func (t GuardianActionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *GuardianActionType) UnmarshalText(raw []byte) error {
	v, ok := ParseGuardianActionType(string(raw))
	if !ok {
		return fmt.Errorf("unknown guardian action type %q", raw)
	}
	*t = v
	return nil
}

type GuardianAction struct {
	Wallet      Identity           `json:"wallet"`
	Index       uint64             `json:"index"`
	Type        GuardianActionType `json:"type"`
	RequestedAt int64              `json:"requested_at"`
	Performed   bool               `json:"performed"`
	Agreed      []bool             `json:"agreed"`
	Addresses   []Identity         `json:"addresses"`
}

type SubIdentityKind uint8

const (
	// SubIdentityDerived acts only through full owner-quorum execution.
	SubIdentityDerived SubIdentityKind = iota
	// SubIdentityOwnerInvoker lets any single owner act as it.
	SubIdentityOwnerInvoker
)

func (k SubIdentityKind) String() string {
	if k == SubIdentityOwnerInvoker {
		return "owner_invoker"
	}
	return "derived"
}

func ParseSubIdentityKind(raw string) (SubIdentityKind, bool) {
	switch raw {
	case "derived":
		return SubIdentityDerived, true
	case "owner_invoker":
		return SubIdentityOwnerInvoker, true
	default:
		return SubIdentityDerived, false
	}
}

func (k SubIdentityKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SubIdentityKind) UnmarshalText(raw []byte) error {
	v, ok := ParseSubIdentityKind(string(raw))
	if !ok {
		return fmt.Errorf("unknown sub-identity kind %q", raw)
	}
	*k = v
	return nil
}

type SubIdentityRecord struct {
	SubIdentity Identity        `json:"sub_identity"`
	Wallet      Identity        `json:"wallet"`
	Kind        SubIdentityKind `json:"kind"`
	Index       uint64          `json:"index"`
}
