package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"jmxcluster/pkg/coordination"
)

// Provisioner writes target definitions into the coordination tree. Workers
// never create targets themselves; operators do, through this type.
type Provisioner struct {
	svc    coordination.Service
	layout Layout
}

func NewProvisioner(svc coordination.Service, layout Layout) *Provisioner {
	return &Provisioner{svc: svc, layout: layout}
}

// PutTarget creates the target or updates its affinity and config. Config
// is written first so a target never shows an affinity without one.
func (p *Provisioner) PutTarget(ctx context.Context, t Target) error {
	if err := validateAlias("target", t.Alias); err != nil {
		return err
	}
	if err := validateAlias("affinity", t.Affinity); err != nil {
		return err
	}
	if err := p.upsert(ctx, p.layout.ConfigPath(t.Alias), t.Config); err != nil {
		return err
	}
	return p.upsert(ctx, p.layout.AffinityPath(t.Alias), []byte(strings.TrimSpace(t.Affinity)))
}

// SetAffinity moves the preferred owner of an existing target.
func (p *Provisioner) SetAffinity(ctx context.Context, alias, worker string) error {
	if err := validateAlias("affinity", worker); err != nil {
		return err
	}
	return p.svc.SetData(ctx, p.layout.AffinityPath(alias), []byte(strings.TrimSpace(worker)))
}

// SetConfig replaces the config blob of an existing target.
func (p *Provisioner) SetConfig(ctx context.Context, alias string, config []byte) error {
	return p.svc.SetData(ctx, p.layout.ConfigPath(alias), config)
}

func (p *Provisioner) upsert(ctx context.Context, path string, data []byte) error {
	err := p.svc.CreatePersistent(ctx, path, data)
	if errors.Is(err, coordination.ErrNodeExists) {
		err = p.svc.SetData(ctx, path, data)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// GetTarget reads a target definition.
func (p *Provisioner) GetTarget(ctx context.Context, alias string) (Target, error) {
	affinity, err := p.svc.GetData(ctx, p.layout.AffinityPath(alias))
	if errors.Is(err, coordination.ErrNoNode) {
		return Target{}, fmt.Errorf("%w: %s has no affinity node", ErrTargetMisconfigured, alias)
	}
	if err != nil {
		return Target{}, err
	}
	config, err := p.svc.GetData(ctx, p.layout.ConfigPath(alias))
	if errors.Is(err, coordination.ErrNoNode) {
		return Target{}, fmt.Errorf("%w: %s has no config node", ErrTargetMisconfigured, alias)
	}
	if err != nil {
		return Target{}, err
	}
	return Target{Alias: alias, Affinity: strings.TrimSpace(string(affinity)), Config: config}, nil
}

// ListTargets returns the aliases under the targets root.
func (p *Provisioner) ListTargets(ctx context.Context) ([]string, error) {
	return p.svc.GetChildren(ctx, p.layout.TargetsRoot)
}

// RemoveTarget deletes the target's definition. Lock nodes of a current
// owner stay until that owner's handler notices and releases.
func (p *Provisioner) RemoveTarget(ctx context.Context, alias string) error {
	var errs []error
	for _, path := range []string{
		p.layout.AffinityPath(alias),
		p.layout.ConfigPath(alias),
		p.layout.RequestPath(alias),
		p.layout.TargetPath(alias),
	} {
		if err := p.svc.Delete(ctx, path); err != nil && !errors.Is(err, coordination.ErrNoNode) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsLocked reports whether any worker holds or waits for the target's lock.
// Used only for diagnostics.
func (p *Provisioner) IsLocked(ctx context.Context, alias string) (bool, error) {
	children, err := p.svc.GetChildren(ctx, p.layout.OwnerPath(alias))
	if err != nil {
		return false, err
	}
	return len(children) > 0, nil
}

// Workers lists the live workers.
func (p *Provisioner) Workers(ctx context.Context) ([]WorkerInfo, error) {
	return ListWorkers(ctx, p.svc, p.layout)
}

func validateAlias(kind, alias string) error {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return fmt.Errorf("%w: %s alias is empty", ErrConfig, kind)
	}
	if strings.Contains(alias, "/") {
		return fmt.Errorf("%w: %s alias %q contains a path separator", ErrConfig, kind, alias)
	}
	return nil
}
