package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"quorumvault/pkg/models"
)

// Self-calls are actions whose target is the engine's own program identity.
// They are never handed to the Dispatcher; the execute path applies them to
// the wallet directly. Data is an 8-byte instruction discriminator followed
// by little-endian arguments.
const discriminatorSize = 8

type selfCallKind int

const (
	selfSetOwners selfCallKind = iota + 1
	selfChangeThreshold
	selfSetFrozen
)

var (
	discSetOwners       = discriminator("set_owners")
	discChangeThreshold = discriminator("change_threshold")
	discSetFrozen       = discriminator("set_frozen")
)

func discriminator(name string) [discriminatorSize]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [discriminatorSize]byte
	copy(d[:], sum[:discriminatorSize])
	return d
}

func selfAccounts(wallet models.Identity) []models.AccountMeta {
	return []models.AccountMeta{{Key: wallet, IsSigner: true, IsWritable: true}}
}

// SetOwnersAction builds the self-call that replaces a wallet's owners.
func SetOwnersAction(programID, wallet models.Identity, owners []models.Identity) models.Action {
	data := append([]byte(nil), discSetOwners[:]...)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(owners)))
	for _, o := range owners {
		data = append(data, o[:]...)
	}
	return models.Action{Target: programID, Accounts: selfAccounts(wallet), Data: data}
}

// ChangeThresholdAction builds the self-call that changes a wallet's threshold.
func ChangeThresholdAction(programID, wallet models.Identity, threshold uint64) models.Action {
	data := append([]byte(nil), discChangeThreshold[:]...)
	data = binary.LittleEndian.AppendUint64(data, threshold)
	return models.Action{Target: programID, Accounts: selfAccounts(wallet), Data: data}
}

// SetFrozenAction builds the self-call that freezes or thaws a wallet.
func SetFrozenAction(programID, wallet models.Identity, frozen bool) models.Action {
	data := append([]byte(nil), discSetFrozen[:]...)
	if frozen {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	return models.Action{Target: programID, Accounts: selfAccounts(wallet), Data: data}
}

type selfCall struct {
	kind      selfCallKind
	wallet    models.Identity
	owners    []models.Identity
	threshold uint64
	frozen    bool
}

func isSelfCall(programID models.Identity, a models.Action) bool {
	return a.Target.Equals(programID)
}

// isOwnSetFrozen reports whether a is a set-frozen self-call on wallet.
func isOwnSetFrozen(programID, wallet models.Identity, a models.Action) bool {
	if !isSelfCall(programID, a) || len(a.Data) < discriminatorSize {
		return false
	}
	if !bytes.Equal(a.Data[:discriminatorSize], discSetFrozen[:]) {
		return false
	}
	return len(a.Accounts) > 0 && a.Accounts[0].Key.Equals(wallet)
}

// frozenCarveOut is the one shape of transaction a frozen wallet may still
// propose, approve and execute: a single set-frozen call on itself.
func frozenCarveOut(programID, wallet models.Identity, actions []models.Action) bool {
	return len(actions) == 1 && isOwnSetFrozen(programID, wallet, actions[0])
}

func decodeSelfCall(a models.Action) (selfCall, error) {
	if len(a.Data) < discriminatorSize {
		return selfCall{}, fmt.Errorf("%w: self-call data too short", ErrInvalidAction)
	}
	if len(a.Accounts) == 0 {
		return selfCall{}, fmt.Errorf("%w: self-call names no wallet", ErrInvalidAction)
	}
	var disc [discriminatorSize]byte
	copy(disc[:], a.Data)
	args := a.Data[discriminatorSize:]
	call := selfCall{wallet: a.Accounts[0].Key}
	switch disc {
	case discSetOwners:
		if len(args) < 4 {
			return selfCall{}, fmt.Errorf("%w: set_owners args truncated", ErrInvalidAction)
		}
		n := int(binary.LittleEndian.Uint32(args))
		args = args[4:]
		if len(args) != n*32 {
			return selfCall{}, fmt.Errorf("%w: set_owners expects %d owners", ErrInvalidAction, n)
		}
		call.kind = selfSetOwners
		call.owners = make([]models.Identity, n)
		for i := range call.owners {
			copy(call.owners[i][:], args[i*32:(i+1)*32])
		}
	case discChangeThreshold:
		if len(args) != 8 {
			return selfCall{}, fmt.Errorf("%w: change_threshold args malformed", ErrInvalidAction)
		}
		call.kind = selfChangeThreshold
		call.threshold = binary.LittleEndian.Uint64(args)
	case discSetFrozen:
		if len(args) != 1 || args[0] > 1 {
			return selfCall{}, fmt.Errorf("%w: set_frozen args malformed", ErrInvalidAction)
		}
		call.kind = selfSetFrozen
		call.frozen = args[0] == 1
	default:
		return selfCall{}, fmt.Errorf("%w: unknown self-call discriminator %x", ErrInvalidAction, disc)
	}
	return call, nil
}
