// Package layout encodes engine records into the fixed byte layout the
// record store persists. Every record starts with an 8-byte type tag.
// Wallet records reserve owner and guardian regions sized to the
// capacities declared at creation, so a wallet's encoded size never
// changes over its lifetime.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"quorumvault/pkg/models"
)

const (
	TagSize      = 8
	identitySize = 32

	// walletReserved keeps spare room for future fields.
	walletReserved = 128
	walletFixed    = TagSize + 2*identitySize + 8 + 8 + 8 + 4 + 8 + 8 + 8 + 4 + walletReserved
	ownerSlot      = identitySize + 8
)

type Tag [TagSize]byte

var (
	TagPolicy         = newTag("policy")
	TagWallet         = newTag("wallet")
	TagTransaction    = newTag("txn")
	TagGuardianAction = newTag("gaction")
	TagSubIdentity    = newTag("subid")
)

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrWrongRecordType  = errors.New("record type tag mismatch")
	ErrTruncated        = errors.New("record truncated")
)

var (
	actionEncMode cbor.EncMode
	actionDecMode cbor.DecMode
)

func init() {
	var err error
	actionEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("layout: cbor encoder: " + err.Error())
	}
	actionDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("layout: cbor decoder: " + err.Error())
	}
}

func newTag(name string) Tag {
	var t Tag
	copy(t[:], name)
	return t
}

// RecordTag returns the type tag of an encoded record.
func RecordTag(raw []byte) (Tag, error) {
	var t Tag
	if len(raw) < TagSize {
		return t, ErrTruncated
	}
	copy(t[:], raw[:TagSize])
	return t, nil
}

// WalletSize is the encoded size of a wallet with the given capacities.
func WalletSize(maxOwners, maxGuardians uint8) int {
	return walletFixed + 4 + int(maxOwners)*ownerSlot + 4 + int(maxGuardians)*identitySize
}

func EncodePolicy(p models.GlobalPolicy) []byte {
	w := newWriter(TagPolicy, TagSize+identitySize+8+8+2)
	w.identity(p.Administrator)
	w.i64(p.GuardianChangePeriod)
	w.i64(p.GuardianActionExpiry)
	w.u16(p.GuardianQuorumPermyriad)
	return w.buf
}

func DecodePolicy(raw []byte) (models.GlobalPolicy, error) {
	var p models.GlobalPolicy
	r, err := newReader(raw, TagPolicy)
	if err != nil {
		return p, err
	}
	p.Administrator = r.identity()
	p.GuardianChangePeriod = r.i64()
	p.GuardianActionExpiry = r.i64()
	p.GuardianQuorumPermyriad = r.u16()
	return p, r.err
}

func EncodeWallet(wl *models.Wallet) ([]byte, error) {
	if len(wl.Owners) > int(wl.MaxOwners) {
		return nil, fmt.Errorf("%w: %d owners, capacity %d", ErrCapacityExceeded, len(wl.Owners), wl.MaxOwners)
	}
	if len(wl.Guardians) > int(wl.MaxGuardians) {
		return nil, fmt.Errorf("%w: %d guardians, capacity %d", ErrCapacityExceeded, len(wl.Guardians), wl.MaxGuardians)
	}
	size := WalletSize(wl.MaxOwners, wl.MaxGuardians)
	w := newWriter(TagWallet, size)
	w.identity(wl.Key)
	w.identity(wl.Base)
	w.u64(wl.Threshold)
	w.i64(wl.MinimumDelay)
	w.i64(wl.GracePeriod)
	w.u32(wl.OwnerSetSequence)
	w.u64(wl.TransactionCount)
	w.u64(wl.GuardianActionCount)
	w.u64(wl.GuardianProposalCount)
	w.flag(wl.Frozen)
	w.flag(wl.Locked)
	w.u8(wl.MaxOwners)
	w.u8(wl.MaxGuardians)
	w.zero(walletReserved)
	w.u32(uint32(len(wl.Owners)))
	for _, o := range wl.Owners {
		w.identity(o.Key)
		w.i64(o.Session)
	}
	w.zero((int(wl.MaxOwners) - len(wl.Owners)) * ownerSlot)
	w.u32(uint32(len(wl.Guardians)))
	for _, g := range wl.Guardians {
		w.identity(g)
	}
	w.zero((int(wl.MaxGuardians) - len(wl.Guardians)) * identitySize)
	return w.buf, nil
}

func DecodeWallet(raw []byte) (*models.Wallet, error) {
	r, err := newReader(raw, TagWallet)
	if err != nil {
		return nil, err
	}
	wl := &models.Wallet{}
	wl.Key = r.identity()
	wl.Base = r.identity()
	wl.Threshold = r.u64()
	wl.MinimumDelay = r.i64()
	wl.GracePeriod = r.i64()
	wl.OwnerSetSequence = r.u32()
	wl.TransactionCount = r.u64()
	wl.GuardianActionCount = r.u64()
	wl.GuardianProposalCount = r.u64()
	wl.Frozen = r.flag()
	wl.Locked = r.flag()
	wl.MaxOwners = r.u8()
	wl.MaxGuardians = r.u8()
	r.skip(walletReserved)
	owners := int(r.u32())
	if r.err == nil && owners > int(wl.MaxOwners) {
		return nil, fmt.Errorf("%w: stored %d owners, capacity %d", ErrCapacityExceeded, owners, wl.MaxOwners)
	}
	wl.Owners = make([]models.Owner, 0, owners)
	for i := 0; i < owners && r.err == nil; i++ {
		wl.Owners = append(wl.Owners, models.Owner{Key: r.identity(), Session: r.i64()})
	}
	r.skip((int(wl.MaxOwners) - owners) * ownerSlot)
	guardians := int(r.u32())
	if r.err == nil && guardians > int(wl.MaxGuardians) {
		return nil, fmt.Errorf("%w: stored %d guardians, capacity %d", ErrCapacityExceeded, guardians, wl.MaxGuardians)
	}
	wl.Guardians = make([]models.Identity, 0, guardians)
	for i := 0; i < guardians && r.err == nil; i++ {
		wl.Guardians = append(wl.Guardians, r.identity())
	}
	if r.err != nil {
		return nil, r.err
	}
	return wl, nil
}

func EncodeTransaction(tx *models.Transaction) ([]byte, error) {
	actions, err := actionEncMode.Marshal(tx.Actions)
	if err != nil {
		return nil, fmt.Errorf("encode actions: %w", err)
	}
	size := TagSize + identitySize + 8 + identitySize + 4 + 8 + identitySize + 8 + 4 + len(tx.Signers) + 4 + len(actions)
	w := newWriter(TagTransaction, size)
	w.identity(tx.Wallet)
	w.u64(tx.Index)
	w.identity(tx.Proposer)
	w.u32(tx.OwnerSetSequence)
	w.i64(tx.ETA)
	w.identity(tx.Executor)
	w.i64(tx.ExecutedAt)
	w.flags(tx.Signers)
	w.u32(uint32(len(actions)))
	w.buf = append(w.buf, actions...)
	return w.buf, nil
}

func DecodeTransaction(raw []byte) (*models.Transaction, error) {
	r, err := newReader(raw, TagTransaction)
	if err != nil {
		return nil, err
	}
	tx := &models.Transaction{}
	tx.Wallet = r.identity()
	tx.Index = r.u64()
	tx.Proposer = r.identity()
	tx.OwnerSetSequence = r.u32()
	tx.ETA = r.i64()
	tx.Executor = r.identity()
	tx.ExecutedAt = r.i64()
	tx.Signers = r.flags()
	blob := r.bytes(int(r.u32()))
	if r.err != nil {
		return nil, r.err
	}
	if err := actionDecMode.Unmarshal(blob, &tx.Actions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	return tx, nil
}

func EncodeGuardianAction(ga *models.GuardianAction) []byte {
	size := TagSize + identitySize + 8 + 1 + 8 + 1 + 4 + len(ga.Agreed) + 4 + len(ga.Addresses)*identitySize
	w := newWriter(TagGuardianAction, size)
	w.identity(ga.Wallet)
	w.u64(ga.Index)
	w.u8(uint8(ga.Type))
	w.i64(ga.RequestedAt)
	w.flag(ga.Performed)
	w.flags(ga.Agreed)
	w.u32(uint32(len(ga.Addresses)))
	for _, a := range ga.Addresses {
		w.identity(a)
	}
	return w.buf
}

func DecodeGuardianAction(raw []byte) (*models.GuardianAction, error) {
	r, err := newReader(raw, TagGuardianAction)
	if err != nil {
		return nil, err
	}
	ga := &models.GuardianAction{}
	ga.Wallet = r.identity()
	ga.Index = r.u64()
	ga.Type = models.GuardianActionType(r.u8())
	ga.RequestedAt = r.i64()
	ga.Performed = r.flag()
	ga.Agreed = r.flags()
	n := int(r.u32())
	if r.err == nil && n > r.remaining()/identitySize {
		return nil, ErrTruncated
	}
	ga.Addresses = make([]models.Identity, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		ga.Addresses = append(ga.Addresses, r.identity())
	}
	if r.err != nil {
		return nil, r.err
	}
	return ga, nil
}

func EncodeSubIdentity(rec models.SubIdentityRecord) []byte {
	w := newWriter(TagSubIdentity, TagSize+2*identitySize+1+8)
	w.identity(rec.SubIdentity)
	w.identity(rec.Wallet)
	w.u8(uint8(rec.Kind))
	w.u64(rec.Index)
	return w.buf
}

func DecodeSubIdentity(raw []byte) (models.SubIdentityRecord, error) {
	var rec models.SubIdentityRecord
	r, err := newReader(raw, TagSubIdentity)
	if err != nil {
		return rec, err
	}
	rec.SubIdentity = r.identity()
	rec.Wallet = r.identity()
	rec.Kind = models.SubIdentityKind(r.u8())
	rec.Index = r.u64()
	return rec, r.err
}

type writer struct {
	buf []byte
}

func newWriter(tag Tag, size int) *writer {
	w := &writer{buf: make([]byte, 0, size)}
	w.buf = append(w.buf, tag[:]...)
	return w
}

func (w *writer) identity(id models.Identity) { w.buf = append(w.buf, id[:]...) }
func (w *writer) u8(v uint8)                  { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16)                { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)                { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64)                { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)                 { w.u64(uint64(v)) }
func (w *writer) zero(n int)                  { w.buf = append(w.buf, make([]byte, n)...) }

func (w *writer) flag(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) flags(vs []bool) {
	w.u32(uint32(len(vs)))
	for _, v := range vs {
		w.flag(v)
	}
}

// reader latches the first error; later reads return zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(raw []byte, want Tag) (*reader, error) {
	got, err := RecordTag(raw)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, fmt.Errorf("%w: got %q want %q", ErrWrongRecordType, trimTag(got), trimTag(want))
	}
	return &reader{buf: raw, off: TagSize}, nil
}

func trimTag(t Tag) string {
	n := 0
	for n < len(t) && t[n] != 0 {
		n++
	}
	return string(t[:n])
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.err = ErrTruncated
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) skip(n int) { r.bytes(n) }

func (r *reader) identity() models.Identity {
	var id models.Identity
	copy(id[:], r.bytes(identitySize))
	return id
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) flag() bool { return r.u8() != 0 }

func (r *reader) flags() []bool {
	n := int(r.u32())
	raw := r.bytes(n)
	if raw == nil {
		return nil
	}
	out := make([]bool, n)
	for i, b := range raw {
		out[i] = b != 0
	}
	return out
}
