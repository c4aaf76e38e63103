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

// PolicyUpdate is a partial update; nil fields are left unchanged.
type PolicyUpdate struct {
	GuardianChangePeriod    *int64  `json:"guardian_change_period_sec,omitempty" yaml:"guardian_change_period_sec"`
	GuardianActionExpiry    *int64  `json:"guardian_action_expiry_sec,omitempty" yaml:"guardian_action_expiry_sec"`
	GuardianQuorumPermyriad *uint16 `json:"guardian_quorum_permyriad,omitempty" yaml:"guardian_quorum_permyriad"`
}

func validatePolicy(p models.GlobalPolicy) error {
	switch {
	case p.Administrator.IsZero():
		return fmt.Errorf("%w: administrator required", ErrInvalidPolicy)
	case p.GuardianChangePeriod < 0:
		return fmt.Errorf("%w: negative guardian change period", ErrInvalidPolicy)
	case p.GuardianActionExpiry < 0:
		return fmt.Errorf("%w: negative guardian action expiry", ErrInvalidPolicy)
	case p.GuardianQuorumPermyriad > models.PermyriadScale:
		return fmt.Errorf("%w: quorum %d exceeds %d permyriad", ErrInvalidPolicy, p.GuardianQuorumPermyriad, models.PermyriadScale)
	}
	return nil
}

func policyAttrs(p models.GlobalPolicy) map[string]string {
	return map[string]string{
		"administrator":             p.Administrator.String(),
		"guardian_change_period":    itoa(p.GuardianChangePeriod),
		"guardian_action_expiry":    itoa(p.GuardianActionExpiry),
		"guardian_quorum_permyriad": utoa(uint64(p.GuardianQuorumPermyriad)),
	}
}

// InitGlobalPolicy creates the singleton policy. It can succeed only once.
func (e *Engine) InitGlobalPolicy(ctx context.Context, p models.GlobalPolicy) error {
	return e.update(ctx, "InitGlobalPolicy", nil, func(o *op) error {
		if err := validatePolicy(p); err != nil {
			return err
		}
		_, err := o.tx.Policy(o.ctx)
		if err == nil {
			return fmt.Errorf("%w: global policy", ErrAlreadyInitialized)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := o.tx.PutPolicy(o.ctx, p); err != nil {
			return err
		}
		o.emit(events.PolicyInitialized, models.Identity{}, p.Administrator, nil, policyAttrs(p))
		return nil
	})
}

func (e *Engine) TransferAdministrator(ctx context.Context, caller, next models.Identity) error {
	attrs := []attribute.KeyValue{attribute.String("vault.caller", caller.String())}
	return e.update(ctx, "TransferAdministrator", attrs, func(o *op) error {
		p, err := o.policy()
		if err != nil {
			return err
		}
		if !p.IsAdministrator(caller) {
			return ErrNotAdministrator
		}
		if next.IsZero() {
			return fmt.Errorf("%w: administrator required", ErrInvalidPolicy)
		}
		p.Administrator = next
		if err := o.tx.PutPolicy(o.ctx, p); err != nil {
			return err
		}
		o.emit(events.AdministratorTransferred, models.Identity{}, caller, nil, map[string]string{"administrator": next.String()})
		return nil
	})
}

func (e *Engine) SetGlobalPolicy(ctx context.Context, caller models.Identity, upd PolicyUpdate) (models.GlobalPolicy, error) {
	var out models.GlobalPolicy
	attrs := []attribute.KeyValue{attribute.String("vault.caller", caller.String())}
	err := e.update(ctx, "SetGlobalPolicy", attrs, func(o *op) error {
		p, err := o.policy()
		if err != nil {
			return err
		}
		if !p.IsAdministrator(caller) {
			return ErrNotAdministrator
		}
		if upd.GuardianChangePeriod != nil {
			p.GuardianChangePeriod = *upd.GuardianChangePeriod
		}
		if upd.GuardianActionExpiry != nil {
			p.GuardianActionExpiry = *upd.GuardianActionExpiry
		}
		if upd.GuardianQuorumPermyriad != nil {
			p.GuardianQuorumPermyriad = *upd.GuardianQuorumPermyriad
		}
		if err := validatePolicy(p); err != nil {
			return err
		}
		if err := o.tx.PutPolicy(o.ctx, p); err != nil {
			return err
		}
		out = p
		o.emit(events.PolicyUpdated, models.Identity{}, caller, nil, policyAttrs(p))
		return nil
	})
	return out, err
}
