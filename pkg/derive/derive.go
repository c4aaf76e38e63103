// Package derive computes the deterministic identities the engine hands
// out: a wallet's key from its base and the sub-identities a wallet can
// act as.
package derive

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/zeebo/blake3"

	"quorumvault/pkg/models"
)

var (
	walletSeed       = []byte("VaultWallet")
	derivedSeed      = []byte("VaultDerived")
	ownerInvokerSeed = []byte("VaultOwnerInvoker")
)

// Deriver is the derivation collaborator of the engine. Implementations
// must be pure: equal inputs always yield equal identities.
type Deriver interface {
	WalletKey(base models.Identity) (models.Identity, error)
	SubIdentity(kind models.SubIdentityKind, wallet models.Identity, index uint64) (models.Identity, error)
}

func seedFor(kind models.SubIdentityKind) ([]byte, error) {
	switch kind {
	case models.SubIdentityDerived:
		return derivedSeed, nil
	case models.SubIdentityOwnerInvoker:
		return ownerInvokerSeed, nil
	default:
		return nil, fmt.Errorf("unknown sub-identity kind %d", kind)
	}
}

func indexLE(index uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, index)
}

// ProgramDeriver derives off-curve program addresses, so a derived identity
// can never have a private key.
type ProgramDeriver struct {
	ProgramID models.Identity
}

func NewProgramDeriver(programID models.Identity) ProgramDeriver {
	return ProgramDeriver{ProgramID: programID}
}

func (d ProgramDeriver) WalletKey(base models.Identity) (models.Identity, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{walletSeed, base[:]}, d.ProgramID)
	if err != nil {
		return models.Identity{}, fmt.Errorf("derive wallet key: %w", err)
	}
	return addr, nil
}

func (d ProgramDeriver) SubIdentity(kind models.SubIdentityKind, wallet models.Identity, index uint64) (models.Identity, error) {
	seed, err := seedFor(kind)
	if err != nil {
		return models.Identity{}, err
	}
	addr, _, err := solana.FindProgramAddress([][]byte{seed, wallet[:], indexLE(index)}, d.ProgramID)
	if err != nil {
		return models.Identity{}, fmt.Errorf("derive %s sub-identity: %w", kind, err)
	}
	return addr, nil
}

// HashDeriver derives identities with keyed BLAKE3. It is much cheaper than
// ProgramDeriver and suits deployments that never settle on chain.
type HashDeriver struct {
	Key [32]byte
}

// NewHashDeriver keys the deriver with the BLAKE3 hash of domain.
func NewHashDeriver(domain string) HashDeriver {
	return HashDeriver{Key: blake3.Sum256([]byte(domain))}
}

func (d HashDeriver) sum(parts ...[]byte) models.Identity {
	hasher, err := blake3.NewKeyed(d.Key[:])
	if err != nil {
		panic("derive: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, p := range parts {
		// Length prefix keeps seed boundaries unambiguous.
		_, _ = hasher.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(p))))
		_, _ = hasher.Write(p)
	}
	var out models.Identity
	copy(out[:], hasher.Sum(nil))
	return out
}

func (d HashDeriver) WalletKey(base models.Identity) (models.Identity, error) {
	return d.sum(walletSeed, base[:]), nil
}

func (d HashDeriver) SubIdentity(kind models.SubIdentityKind, wallet models.Identity, index uint64) (models.Identity, error) {
	seed, err := seedFor(kind)
	if err != nil {
		return models.Identity{}, err
	}
	return d.sum(seed, wallet[:], indexLE(index)), nil
}
