package fleet

import (
	"context"
	"fmt"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/retry"
)

// UndeployPolicy bounds the confirmation polls of an undeploy.
type UndeployPolicy struct {
	Confirm   retry.Policy
	Transient retry.Policy
}

// Undeploy stops the selected units, waits until none is active, removes
// them and waits until none is listed.
func Undeploy(ctx context.Context, p Provider, name string, sel Selector, policy UndeployPolicy) error {
	if err := retry.Transient(ctx, policy.Transient, func(ctx context.Context) error {
		return p.StopUnits(ctx, name, sel)
	}); err != nil {
		return fmt.Errorf("stop units: %w", err)
	}
	if err := retry.Poll(ctx, policy.Confirm, policy.Transient, func(ctx context.Context) (retry.Status, error) {
		units, err := p.ListUnits(ctx, name, sel)
		if err != nil {
			return retry.Status{}, err
		}
		var active []domain.Unit
		for _, u := range units {
			if !IsStopped(u) {
				active = append(active, u)
			}
		}
		if len(active) > 0 {
			return retry.Pending(domain.NodeNotStopped(name, sel.Version, active)), nil
		}
		return retry.Ready(), nil
	}); err != nil {
		return err
	}

	if err := retry.Transient(ctx, policy.Transient, func(ctx context.Context) error {
		return p.RemoveUnits(ctx, name, sel)
	}); err != nil {
		return fmt.Errorf("remove units: %w", err)
	}
	return retry.Poll(ctx, policy.Confirm, policy.Transient, func(ctx context.Context) (retry.Status, error) {
		units, err := p.ListUnits(ctx, name, sel)
		if err != nil {
			return retry.Status{}, err
		}
		if len(units) > 0 {
			return retry.Pending(domain.NodeNotUndeployed(name, sel.Version, units)), nil
		}
		return retry.Ready(), nil
	})
}
