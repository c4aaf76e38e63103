// Package config loads the optional YAML bootstrap file that seeds the
// global policy and the engine identity on first start.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"

	"quorumvault/pkg/models"
)

type Bootstrap struct {
	// ProgramID is the engine identity; actions targeting it are self-calls.
	ProgramID string       `yaml:"program_id"`
	Policy    PolicyConfig `yaml:"policy"`
}

type PolicyConfig struct {
	Administrator           string  `yaml:"administrator"`
	GuardianChangePeriod    Seconds `yaml:"guardian_change_period"`
	GuardianActionExpiry    Seconds `yaml:"guardian_action_expiry"`
	GuardianQuorumPermyriad uint16  `yaml:"guardian_quorum_permyriad"`
}

// Seconds is a duration in whole seconds. YAML accepts either an integer
// number of seconds or a Go duration string such as "72h".
type Seconds int64

func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	raw := strings.TrimSpace(value.Value)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = Seconds(n)
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, raw)
	}
	if d%time.Second != 0 {
		return fmt.Errorf("line %d: duration %q is not a whole number of seconds", value.Line, raw)
	}
	*s = Seconds(d / time.Second)
	return nil
}

// LoadPolicyFile reads and validates a bootstrap file.
func LoadPolicyFile(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Bootstrap, error) {
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap file: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Bootstrap) Validate() error {
	if strings.TrimSpace(b.Policy.Administrator) == "" {
		return errors.New("policy.administrator is required")
	}
	if _, err := solana.PublicKeyFromBase58(b.Policy.Administrator); err != nil {
		return fmt.Errorf("policy.administrator: %w", err)
	}
	if b.ProgramID != "" {
		if _, err := solana.PublicKeyFromBase58(b.ProgramID); err != nil {
			return fmt.Errorf("program_id: %w", err)
		}
	}
	if b.Policy.GuardianChangePeriod < 0 || b.Policy.GuardianActionExpiry < 0 {
		return errors.New("policy durations must not be negative")
	}
	if b.Policy.GuardianQuorumPermyriad > models.PermyriadScale {
		return fmt.Errorf("policy.guardian_quorum_permyriad %d exceeds %d", b.Policy.GuardianQuorumPermyriad, models.PermyriadScale)
	}
	return nil
}

func (b *Bootstrap) GlobalPolicy() models.GlobalPolicy {
	return models.GlobalPolicy{
		Administrator:           solana.MustPublicKeyFromBase58(b.Policy.Administrator),
		GuardianChangePeriod:    int64(b.Policy.GuardianChangePeriod),
		GuardianActionExpiry:    int64(b.Policy.GuardianActionExpiry),
		GuardianQuorumPermyriad: b.Policy.GuardianQuorumPermyriad,
	}
}

// Program returns the configured engine identity, or fallback when the file
// leaves it unset.
func (b *Bootstrap) Program(fallback models.Identity) models.Identity {
	if b == nil || b.ProgramID == "" {
		return fallback
	}
	return solana.MustPublicKeyFromBase58(b.ProgramID)
}
