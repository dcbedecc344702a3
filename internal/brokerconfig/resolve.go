package brokerconfig

import (
	"context"
	"fmt"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
)

// Resolve picks the endpoint the service should dial.
//
// The active stored configuration wins unless it asks to defer to the
// environment. With no repository, no active configuration, or deference,
// base (built from the config file and environment) is returned unchanged.
//
// Parameters:
//   - ctx: Context for the repository lookup
//   - repo: Stored configurations, may be nil
//   - base: Endpoint from the config file and environment overrides
//
// Returns:
//   - Effective: Endpoint to dial and its source
//   - error: If the repository lookup fails or the stored endpoint is invalid
func Resolve(ctx context.Context, repo Repository, base mqtt.Endpoint) (Effective, error) {
	env := Effective{Endpoint: base, Source: SourceEnvironment}
	if repo == nil {
		return env, nil
	}

	active, err := repo.Active(ctx)
	if err != nil {
		return Effective{}, fmt.Errorf("loading active broker config: %w", err)
	}
	if active == nil || active.UseEnvironment {
		return env, nil
	}

	ep := active.Apply(base)
	if err := ep.Validate(); err != nil {
		return Effective{}, fmt.Errorf("broker config %d: %w", active.ID, err)
	}
	return Effective{Endpoint: ep, Source: SourceDatabase, ConfigID: active.ID}, nil
}

// TestConnection dials cfg's broker once and disconnects.
// Any failure is reported wrapped in ErrTestFailed.
func TestConnection(ctx context.Context, cfg Config, base mqtt.Endpoint, dial mqtt.Dialer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ep := cfg.Apply(base).WithUniqueClientID("config_test")
	if err := ep.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrTestFailed, err)
	}

	tr := dial(ep, mqtt.Events{})
	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTestFailed, ep.Address(), err)
	}
	tr.Disconnect()
	return nil
}
