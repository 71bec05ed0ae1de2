package remediation

import (
	"context"

	"github.com/linnemanlabs/go-core/log"
)

// DryRunTargets satisfies both target boundaries without touching any
// real account. Every call logs the action it would have taken and
// succeeds. Used when no real credential or perimeter backend is
// configured.
type DryRunTargets struct {
	logger log.Logger
}

// NewDryRunTargets creates targets that log instead of acting.
func NewDryRunTargets(logger log.Logger) *DryRunTargets {
	if logger == nil {
		logger = log.Nop()
	}
	return &DryRunTargets{logger: logger.With("component", "remediation-dryrun")}
}

// ListActiveCredentials reports a single synthetic credential so the
// executor exercises its full deactivation path.
func (d *DryRunTargets) ListActiveCredentials(ctx context.Context, principal string) ([]string, error) {
	d.logger.Info(ctx, "dry run: list active credentials", "principal", principal)
	return []string{"dry-run-credential"}, nil
}

func (d *DryRunTargets) DeactivateCredential(ctx context.Context, principal, credentialID string) error {
	d.logger.Info(ctx, "dry run: deactivate credential", "principal", principal, "credential_id", credentialID)
	return nil
}

func (d *DryRunTargets) DeactivateFactor(ctx context.Context, principal, serial string) error {
	d.logger.Info(ctx, "dry run: deactivate factor", "principal", principal, "serial", serial)
	return nil
}

func (d *DryRunTargets) RevokeIngress(ctx context.Context, ruleID, address string) error {
	d.logger.Info(ctx, "dry run: revoke ingress", "rule_id", ruleID, "address", address)
	return nil
}
