// Package vault is the authorization engine: wallet configuration, the
// transaction lifecycle, guardian recovery, the global policy and the
// sub-identity registry. Every mutating operation runs inside one store
// update, reads the clock once, and publishes its events only after the
// update has committed.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"quorumvault/pkg/derive"
	"quorumvault/pkg/events"
	"quorumvault/pkg/models"
	"quorumvault/pkg/store"
)

const tracerName = "quorumvault/pkg/vault"

// Dispatcher carries out an authorized external action. The engine only
// decides whether to dispatch; a returned error aborts the whole operation.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Dispatch) error
}

type DispatcherFunc func(ctx context.Context, d Dispatch) error

func (f DispatcherFunc) Dispatch(ctx context.Context, d Dispatch) error { return f(ctx, d) }

// Dispatch is one action released by the engine, signed by Signer.
type Dispatch struct {
	Signer models.Identity `json:"signer"`
	Action models.Action   `json:"action"`
	// Internal marks self-calls the engine applied to the wallet itself.
	Internal bool `json:"internal,omitempty"`
}

// Receipt lists, in order, the actions an execution or owner invocation
// released.
type Receipt struct {
	Wallet     models.Identity `json:"wallet"`
	Signer     models.Identity `json:"signer"`
	Dispatched []Dispatch      `json:"dispatched"`
	At         int64           `json:"at"`
}

// Observer receives the outcome of every operation.
type Observer interface {
	ObserveOperation(op, code string, elapsed time.Duration)
}

type Options struct {
	// ProgramID is the engine's own identity; actions targeting it are
	// self-calls.
	ProgramID  models.Identity
	Dispatcher Dispatcher
	Deriver    derive.Deriver
	Sink       events.Sink
	Now        func() time.Time
	Observer   Observer
	Logf       func(format string, args ...any)
}

type Engine struct {
	records    *store.Records
	programID  models.Identity
	dispatcher Dispatcher
	deriver    derive.Deriver
	sink       events.Sink
	now        func() time.Time
	observer   Observer
	logf       func(format string, args ...any)
	tracer     trace.Tracer
}

func New(backend store.Backend, opts Options) *Engine {
	e := &Engine{
		records:    store.NewRecords(backend),
		programID:  opts.ProgramID,
		dispatcher: opts.Dispatcher,
		deriver:    opts.Deriver,
		sink:       opts.Sink,
		now:        opts.Now,
		observer:   opts.Observer,
		logf:       opts.Logf,
		tracer:     otel.Tracer(tracerName),
	}
	if e.dispatcher == nil {
		e.dispatcher = DispatcherFunc(func(context.Context, Dispatch) error {
			return errors.New("no dispatcher configured")
		})
	}
	if e.deriver == nil {
		e.deriver = derive.NewProgramDeriver(opts.ProgramID)
	}
	if e.sink == nil {
		e.sink = events.Discard
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logf == nil {
		e.logf = log.Printf
	}
	return e
}

func (e *Engine) ProgramID() models.Identity { return e.programID }

func (e *Engine) Deriver() derive.Deriver { return e.deriver }

// op is the state of one mutating operation.
type op struct {
	ctx    context.Context
	tx     *store.RecordTx
	now    int64
	events []events.Event
}

func (o *op) emit(t events.Type, wallet, actor models.Identity, index *uint64, attrs map[string]string) {
	evt := events.New(t, o.now)
	if !wallet.IsZero() {
		evt.Wallet = wallet.String()
	}
	if !actor.IsZero() {
		evt.Actor = actor.String()
	}
	evt.Index = index
	evt.Attrs = attrs
	o.events = append(o.events, evt)
}

func (e *Engine) update(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(o *op) error) error {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "vault."+name, trace.WithAttributes(attrs...))
	defer span.End()

	now := e.now().Unix()
	var pending []events.Event
	err := e.records.Update(ctx, func(tx *store.RecordTx) error {
		o := &op{ctx: ctx, tx: tx, now: now}
		if err := fn(o); err != nil {
			return err
		}
		pending = o.events
		return nil
	})

	code := Code(err)
	span.SetAttributes(attribute.String("vault.outcome", code))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
	}
	if e.observer != nil {
		e.observer.ObserveOperation(name, code, time.Since(start))
	}
	if err == nil && len(pending) > 0 {
		if perr := e.sink.Publish(ctx, pending...); perr != nil {
			e.logf("vault: publish %d events for %s failed: %v", len(pending), name, perr)
		}
	}
	return err
}

func walletAttr(w models.Identity) attribute.KeyValue {
	return attribute.String("vault.wallet", w.String())
}

func indexAttr(i uint64) attribute.KeyValue {
	return attribute.Int64("vault.index", int64(i))
}

func ptr(v uint64) *uint64 { return &v }

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func utoa(v uint64) string { return strconv.FormatUint(v, 10) }

func (o *op) wallet(key models.Identity) (*models.Wallet, error) {
	w, err := o.tx.Wallet(o.ctx, key)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", key, err)
	}
	return w, nil
}

func (o *op) transaction(wallet models.Identity, index uint64) (*models.Transaction, error) {
	tx, err := o.tx.Transaction(o.ctx, wallet, index)
	if err != nil {
		return nil, fmt.Errorf("transaction %s/%d: %w", wallet, index, err)
	}
	return tx, nil
}

func (o *op) policy() (models.GlobalPolicy, error) {
	p, err := o.tx.Policy(o.ctx)
	if err != nil {
		return models.GlobalPolicy{}, fmt.Errorf("global policy: %w", err)
	}
	return p, nil
}

// isAdministrator treats a missing policy as having no administrator.
func (o *op) isAdministrator(id models.Identity) (bool, error) {
	p, err := o.tx.Policy(o.ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.IsAdministrator(id), nil
}

func checkedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return sum, nil
}

// dedupe keeps the first occurrence of each identity.
func dedupe(ids []models.Identity) []models.Identity {
	seen := make(map[models.Identity]struct{}, len(ids))
	out := make([]models.Identity, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func requireUnique(what string, ids []models.Identity) error {
	seen := make(map[models.Identity]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s %s listed twice", ErrDuplicateIdentity, what, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Policy returns the global policy.
func (e *Engine) Policy(ctx context.Context) (models.GlobalPolicy, error) {
	return e.records.Policy(ctx)
}

func (e *Engine) Wallet(ctx context.Context, key models.Identity) (*models.Wallet, error) {
	return e.records.Wallet(ctx, key)
}

func (e *Engine) Transaction(ctx context.Context, wallet models.Identity, index uint64) (*models.Transaction, error) {
	return e.records.Transaction(ctx, wallet, index)
}

func (e *Engine) GuardianAction(ctx context.Context, wallet models.Identity, index uint64) (*models.GuardianAction, error) {
	return e.records.GuardianAction(ctx, wallet, index)
}

func (e *Engine) SubIdentity(ctx context.Context, sub models.Identity) (models.SubIdentityRecord, error) {
	return e.records.SubIdentity(ctx, sub)
}
