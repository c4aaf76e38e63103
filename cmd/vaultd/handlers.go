package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"quorumvault/pkg/audit"
	"quorumvault/pkg/auth"
	"quorumvault/pkg/httpx"
	"quorumvault/pkg/models"
	"quorumvault/pkg/vault"
)

// decision describes one mutating call for the audit trail.
type decision struct {
	op      string
	wallet  models.Identity
	index   *uint64
	actor   models.Identity
	request any
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request, d decision, status int, out any, err error) {
	code := vault.Code(err)
	decisionID := uuid.NewString()
	w.Header().Set("X-Decision-ID", decisionID)
	s.recordAudit(r.Context(), decisionID, d, code, out, err)
	if err != nil {
		writeEngineError(w, code, err)
		return
	}
	httpx.WriteJSON(w, status, out)
}

func writeEngineError(w http.ResponseWriter, code string, err error) {
	if code == "internal" {
		log.Printf("vaultd: internal error: %v", err)
		httpx.WriteCoded(w, code, "internal error")
		return
	}
	httpx.WriteCoded(w, code, err.Error())
}

func (s *Server) recordAudit(ctx context.Context, decisionID string, d decision, code string, out any, opErr error) {
	if s.Audit == nil {
		return
	}
	rec := audit.Record{
		DecisionID: decisionID,
		Operation:  d.op,
		Actor:      d.actor.String(),
		Outcome:    code,
		CreatedAt:  time.Now().UTC(),
	}
	if !d.wallet.IsZero() {
		rec.Wallet = d.wallet.String()
	}
	if d.index != nil {
		idx := int64(*d.index)
		rec.Index = &idx
	}
	if d.request != nil {
		rec.Request, _ = json.Marshal(d.request)
	}
	if opErr != nil {
		rec.Result, _ = json.Marshal(httpx.ErrorBody{Error: opErr.Error(), Code: code})
	} else if out != nil {
		rec.Result, _ = json.Marshal(out)
	}
	if err := s.Audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		log.Printf("vaultd: audit append %s failed: %v", d.op, err)
	}
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.Identity.IsZero() {
		httpx.WriteCoded(w, "unauthorized", "caller identity required")
		return models.Identity{}, false
	}
	return p.Identity, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httpx.DecodeJSON(r, v, s.MaxRequestBodyBytes); err != nil {
		httpx.WriteCoded(w, "bad_request", err.Error())
		return false
	}
	return true
}

// decodeOptional accepts an empty body and leaves v untouched.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httpx.DecodeJSON(r, v, s.MaxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteCoded(w, "bad_request", err.Error())
		return false
	}
	return true
}

func parseIdentity(w http.ResponseWriter, raw, name string) (models.Identity, bool) {
	id, err := solana.PublicKeyFromBase58(strings.TrimSpace(raw))
	if err != nil {
		httpx.WriteCoded(w, "bad_request", "invalid "+name)
		return models.Identity{}, false
	}
	return id, true
}

func pathIdentity(w http.ResponseWriter, r *http.Request, name string) (models.Identity, bool) {
	return parseIdentity(w, chi.URLParam(r, name), name)
}

func parseIndex(w http.ResponseWriter, raw string) (uint64, bool) {
	idx, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		httpx.WriteCoded(w, "bad_request", "invalid index")
		return 0, false
	}
	return idx, true
}

func walletAndIndex(w http.ResponseWriter, r *http.Request) (models.Identity, uint64, bool) {
	wallet, ok := pathIdentity(w, r, "wallet")
	if !ok {
		return models.Identity{}, 0, false
	}
	idx, ok := parseIndex(w, chi.URLParam(r, "index"))
	return wallet, idx, ok
}

func writeRead(w http.ResponseWriter, out any, err error) {
	if err != nil {
		writeEngineError(w, vault.Code(err), err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.Engine.Policy(r.Context())
	writeRead(w, p, err)
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, ok := pathIdentity(w, r, "wallet")
	if !ok {
		return
	}
	out, err := s.Engine.Wallet(r.Context(), wallet)
	writeRead(w, out, err)
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	wallet, idx, ok := walletAndIndex(w, r)
	if !ok {
		return
	}
	out, err := s.Engine.Transaction(r.Context(), wallet, idx)
	writeRead(w, out, err)
}

func (s *Server) getGuardianAction(w http.ResponseWriter, r *http.Request) {
	wallet, idx, ok := walletAndIndex(w, r)
	if !ok {
		return
	}
	out, err := s.Engine.GuardianAction(r.Context(), wallet, idx)
	writeRead(w, out, err)
}

func (s *Server) getSubIdentity(w http.ResponseWriter, r *http.Request) {
	sub, ok := pathIdentity(w, r, "sub")
	if !ok {
		return
	}
	out, err := s.Engine.SubIdentity(r.Context(), sub)
	writeRead(w, out, err)
}

func (s *Server) deriveWallet(w http.ResponseWriter, r *http.Request) {
	base, ok := parseIdentity(w, r.URL.Query().Get("base"), "base")
	if !ok {
		return
	}
	key, err := s.Engine.Deriver().WalletKey(base)
	if err != nil {
		httpx.WriteCoded(w, "bad_request", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]models.Identity{"base": base, "wallet": key})
}

func (s *Server) deriveSubIdentity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wallet, ok := parseIdentity(w, q.Get("wallet"), "wallet")
	if !ok {
		return
	}
	idx, ok := parseIndex(w, q.Get("index"))
	if !ok {
		return
	}
	kindRaw := q.Get("kind")
	if kindRaw == "" {
		kindRaw = models.SubIdentityDerived.String()
	}
	kind, ok := models.ParseSubIdentityKind(kindRaw)
	if !ok {
		httpx.WriteCoded(w, "bad_request", "invalid kind")
		return
	}
	sub, err := s.Engine.Deriver().SubIdentity(kind, wallet, idx)
	if err != nil {
		httpx.WriteCoded(w, "bad_request", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, models.SubIdentityRecord{SubIdentity: sub, Wallet: wallet, Kind: kind, Index: idx})
}

func (s *Server) initPolicy(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req models.GlobalPolicy
	if !s.decode(w, r, &req) {
		return
	}
	var err error
	if !req.Administrator.Equals(caller) {
		err = fmt.Errorf("%w: administrator must be the initializing caller", vault.ErrNotAdministrator)
	} else {
		err = s.Engine.InitGlobalPolicy(r.Context(), req)
	}
	s.finish(w, r, decision{op: "InitGlobalPolicy", actor: caller, request: req}, http.StatusCreated, req, err)
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req vault.PolicyUpdate
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.Engine.SetGlobalPolicy(r.Context(), caller, req)
	s.finish(w, r, decision{op: "SetGlobalPolicy", actor: caller, request: req}, http.StatusOK, out, err)
}

type transferAdministratorRequest struct {
	Administrator models.Identity `json:"administrator"`
}

func (s *Server) transferAdministrator(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req transferAdministratorRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.Engine.TransferAdministrator(r.Context(), caller, req.Administrator)
	s.finish(w, r, decision{op: "TransferAdministrator", actor: caller, request: req}, http.StatusOK, req, err)
}

type createWalletRequest struct {
	Base         models.Identity   `json:"base"`
	Owners       []models.Identity `json:"owners"`
	Threshold    uint64            `json:"threshold"`
	MinimumDelay int64             `json:"minimum_delay_sec"`
	Guardians    []models.Identity `json:"guardians"`
	MaxOwners    uint8             `json:"max_owners"`
	MaxGuardians uint8             `json:"max_guardians"`
}

func (s *Server) createWallet(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req createWalletRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Base.IsZero() {
		httpx.WriteCoded(w, "bad_request", "base is required")
		return
	}
	out, err := s.Engine.CreateWallet(r.Context(), vault.CreateWalletParams{
		Base:         req.Base,
		Creator:      caller,
		Owners:       req.Owners,
		Threshold:    req.Threshold,
		MinimumDelay: req.MinimumDelay,
		Guardians:    req.Guardians,
		MaxOwners:    req.MaxOwners,
		MaxGuardians: req.MaxGuardians,
	})
	d := decision{op: "CreateWallet", actor: caller, request: req}
	if out != nil {
		d.wallet = out.Key
	}
	s.finish(w, r, d, http.StatusCreated, out, err)
}

type sessionRequest struct {
	Expiry *int64 `json:"expiry"`
}

func (s *Server) setSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	wallet, ok := pathIdentity(w, r, "wallet")
	if !ok {
		return
	}
	var req sessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.Engine.SetSession(r.Context(), wallet, caller, req.Expiry)
	out := map[string]any{"wallet": wallet, "owner": caller, "expiry": req.Expiry}
	s.finish(w, r, decision{op: "SetSession", wallet: wallet, actor: caller, request: req}, http.StatusOK, out, err)
}

type frozenRequest struct {
	Frozen bool `json:"frozen"`
}

func (s *Server) setFrozen(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	wallet, ok := pathIdentity(w, r, "wallet")
	if !ok {
		return
	}
	var req frozenRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.Engine.SetFrozenAdmin(r.Context(), wallet, caller, req.Frozen)
	out := map[string]any{"wallet": wallet, "frozen": req.Frozen}
	s.finish(w, r, decision{op: "SetFrozenAdmin", wallet: wallet, actor: caller, request: req}, http.StatusOK, out, err)
}

func (s *Server) lockWallet(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	wallet, ok := pathIdentity(w, r, "wallet")
	if !ok {
		return
	}
	err := s.Engine.LockWallet(r.Context(), wallet, caller)
	out := map[string]any{"wallet": wallet, "locked": true}
	s.finish(w, r, decision{op: "LockWallet", wallet: wallet, actor: caller}, http.StatusOK, out, err)
}

type selfCallRequest struct {
	Kind      string            `json:"kind"`
	Owners    []models.Identity `json:"owners,omitempty"`
	Threshold *uint64           `json:"threshold,omitempty"`
	Frozen    *bool             `json:"frozen,omitempty"`
}

// buildSelfCall encodes a configuration change as an action for owners to
// propose. It touches no state.
func (s *Server) buildSelfCall(w http.ResponseWriter, r *http.Request) {
	wallet, ok := pathIdentity(w, r, "wallet")
	if !ok {
		return
	}
	var req selfCallRequest
	if !s.decode(w, r, &req) {
		return
	}
	program := s.Engine.ProgramID()
	var action models.Action
	switch req.Kind {
	case "set_owners":
		action = vault.SetOwnersAction(program, wallet, req.Owners)
	case "change_threshold":
		if req.Threshold == nil {
			httpx.WriteCoded(w, "bad_request", "threshold is required")
			return
		}
		action = vault.ChangeThresholdAction(program, wallet, *req.Threshold)
	case "set_frozen":
		if req.Frozen == nil {
			httpx.WriteCoded(w, "bad_request", "frozen is required")
			return
		}
		action = vault.SetFrozenAction(program, wallet, *req.Frozen)
	default:
		httpx.WriteCoded(w, "bad_request", "unknown self-call kind")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, action)
}

type proposeRequest struct {
	Actions []models.Action `json:"actions"`
	ETA     *int64          `json:"eta,omitempty"`
}

func (s *Server) proposeTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	wallet, ok := pathIdentity(w, r, "wallet")
	if !ok {
		return
	}
	var req proposeRequest
	if !s.decode(w, r, &req) {
		return
	}
	eta := models.NoETA
	if req.ETA != nil {
		eta = *req.ETA
	}
	out, err := s.Engine.ProposeTransaction(r.Context(), wallet, caller, req.Actions, eta)
	d := decision{op: "ProposeTransaction", wallet: wallet, actor: caller, request: req}
	if out != nil {
		d.index = &out.Index
	}
	s.finish(w, r, d, http.StatusCreated, out, err)
}

func (s *Server) approveTransaction(w http.ResponseWriter, r *http.Request) {
	s.setApproval(w, r, "Approve", s.Engine.Approve)
}

func (s *Server) unapproveTransaction(w http.ResponseWriter, r *http.Request) {
	s.setApproval(w, r, "Unapprove", s.Engine.Unapprove)
}

func (s *Server) setApproval(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, models.Identity, uint64, models.Identity) (*models.Transaction, error)) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	wallet, idx, ok := walletAndIndex(w, r)
	if !ok {
		return
	}
	out, err := fn(r.Context(), wallet, idx, caller)
	s.finish(w, r, decision{op: op, wallet: wallet, index: &idx, actor: caller}, http.StatusOK, out, err)
}

type executeRequest struct {
	DerivedIndex *uint64 `json:"derived_index,omitempty"`
}

func (s *Server) executeTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	wallet, idx, ok := walletAndIndex(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	var (
		out *vault.Receipt
		err error
	)
	op := "ExecuteTransaction"
	if req.DerivedIndex != nil {
		op = "ExecuteTransactionDerived"
		out, err = s.Engine.ExecuteTransactionDerived(r.Context(), wallet, idx, caller, *req.DerivedIndex)
	} else {
		out, err = s.Engine.ExecuteTransaction(r.Context(), wallet, idx, caller)
	}
	s.finish(w, r, decision{op: op, wallet: wallet, index: &idx, actor: caller, request: req}, http.StatusOK, out, err)
}

type guardianProposeRequest struct {
	Type      models.GuardianActionType `json:"type"`
	Addresses []models.Identity         `json:"addresses"`
}

func (s *Server) proposeGuardianAction(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	wallet, ok := pathIdentity(w, r, "wallet")
	if !ok {
		return
	}
	var req guardianProposeRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.Engine.ProposeGuardianAction(r.Context(), wallet, caller, req.Type, req.Addresses)
	d := decision{op: "ProposeGuardianAction", wallet: wallet, actor: caller, request: req}
	if out != nil {
		d.index = &out.Index
	}
	s.finish(w, r, d, http.StatusCreated, out, err)
}

func (s *Server) signGuardianAction(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	wallet, idx, ok := walletAndIndex(w, r)
	if !ok {
		return
	}
	out, err := s.Engine.SignGuardianAction(r.Context(), wallet, idx, caller)
	s.finish(w, r, decision{op: "SignGuardianAction", wallet: wallet, index: &idx, actor: caller}, http.StatusOK, out, err)
}

type invokeRequest struct {
	Index  uint64        `json:"index"`
	Action models.Action `json:"action"`
}

func (s *Server) ownerInvoke(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	wallet, ok := pathIdentity(w, r, "wallet")
	if !ok {
		return
	}
	var req invokeRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.Engine.OwnerInvoke(r.Context(), wallet, caller, req.Index, req.Action)
	s.finish(w, r, decision{op: "OwnerInvoke", wallet: wallet, index: &req.Index, actor: caller, request: req}, http.StatusOK, out, err)
}

type invokeRawRequest struct {
	Index    uint64               `json:"index"`
	Target   models.Identity      `json:"target"`
	Accounts []models.AccountMeta `json:"accounts"`
	Data     []byte               `json:"data"`
}

func (s *Server) ownerInvokeRaw(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	wallet, ok := pathIdentity(w, r, "wallet")
	if !ok {
		return
	}
	var req invokeRawRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.Engine.OwnerInvokeRaw(r.Context(), wallet, caller, req.Index, req.Target, req.Accounts, req.Data)
	s.finish(w, r, decision{op: "OwnerInvokeRaw", wallet: wallet, index: &req.Index, actor: caller, request: req}, http.StatusOK, out, err)
}

type registerSubIdentityRequest struct {
	SubIdentity models.Identity        `json:"sub_identity"`
	Wallet      models.Identity        `json:"wallet"`
	Index       uint64                 `json:"index"`
	Kind        models.SubIdentityKind `json:"kind"`
}

func (s *Server) registerSubIdentity(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req registerSubIdentityRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.Engine.RegisterSubIdentity(r.Context(), req.SubIdentity, req.Wallet, req.Index, req.Kind)
	d := decision{op: "RegisterSubIdentity", wallet: req.Wallet, index: &req.Index, actor: caller, request: req}
	s.finish(w, r, d, http.StatusCreated, out, err)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit unavailable")
		return
	}
	wallet, ok := parseIdentity(w, r.URL.Query().Get("wallet"), "wallet")
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	recs, err := s.Audit.ListByWallet(r.Context(), wallet.String(), limit)
	if err != nil {
		log.Printf("vaultd: audit list failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit unavailable")
		return
	}
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "decision_id"))
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.WriteCoded(w, "not_found", "audit record not found")
		return
	}
	if err != nil {
		log.Printf("vaultd: audit get failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}
