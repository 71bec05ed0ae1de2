// Package remediation selects and executes corrective actions for
// triaged security events. Selection is a pure mapping from priority
// score to a recommended action set; execution runs a bounded list of
// independent one-shot actions with per-action failure isolation.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/priority"
)

// Action kinds recorded in outcomes and recommended-action lists.
const (
	ActionIsolate            = "IMMEDIATE_ISOLATION"
	ActionDisableCredentials = "DISABLE_CREDENTIALS"
	ActionNotifySecurity     = "NOTIFY_SECURITY_TEAM"
	ActionInvestigate        = "INVESTIGATE"
	ActionMonitorClosely     = "MONITOR_CLOSELY"
	ActionLogAndMonitor      = "LOG_AND_MONITOR"
	ActionScheduleReview     = "SCHEDULE_REVIEW"
	ActionLogOnly            = "LOG_ONLY"
	ActionDeactivateFactor   = "DEACTIVATE_MFA"
	ActionRevokePerimeter    = "REVOKE_SG"
)

// Plan is the selector output for a priority score.
type Plan struct {
	RequiresHumanReview bool
	AutoRemediate       bool
	RecommendedActions  []string
}

// Select maps a fused priority score to its remediation plan. Pure.
func Select(score float64) Plan {
	return Plan{
		RequiresHumanReview: score > priority.HumanReviewThreshold,
		AutoRemediate:       score > priority.AutoRemediateThreshold,
		RecommendedActions:  recommendedActions(score),
	}
}

func recommendedActions(score float64) []string {
	switch priority.Level(score) {
	case event.SeverityCritical:
		return []string{ActionIsolate, ActionDisableCredentials, ActionNotifySecurity}
	case event.SeverityHigh:
		return []string{ActionInvestigate, ActionMonitorClosely, ActionNotifySecurity}
	case event.SeverityMedium:
		return []string{ActionLogAndMonitor, ActionScheduleReview}
	default:
		return []string{ActionLogOnly}
	}
}

// Request names the optional targets of an automatic remediation run.
// Absent targets are skipped; each present target gets exactly one
// action attempt.
type Request struct {
	EventID string `json:"event_id"`

	// Principal whose credentials should be deactivated. If
	// CredentialID is empty, every active credential is deactivated.
	Principal    string `json:"affected_user,omitempty"`
	CredentialID string `json:"access_key_id,omitempty"`

	// FactorSerial names an authentication-factor device to deactivate.
	// Only meaningful with Principal set.
	FactorSerial string `json:"mfa_serial,omitempty"`

	// PerimeterRuleID and OffendingAddress identify a network ingress
	// entry to revoke. Both must be set for the action to run.
	PerimeterRuleID  string `json:"security_group_id,omitempty"`
	OffendingAddress string `json:"malicious_ip,omitempty"`
}

// ActionRecord describes one successfully performed action.
type ActionRecord struct {
	Kind   string `json:"action"`
	Detail string `json:"details"`
}

// Outcome is the terminal result of an execution run. Partial success
// is valid: Performed is true iff at least one action succeeded, and
// Errors carries a scoped code for every action that failed.
type Outcome struct {
	Actions    []ActionRecord `json:"actions"`
	Errors     []string       `json:"errors"`
	Performed  bool           `json:"remediation_performed"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// CredentialAPI is the principal/credential lifecycle boundary. Calls
// are independent and idempotent on retry.
type CredentialAPI interface {
	ListActiveCredentials(ctx context.Context, principal string) ([]string, error)
	DeactivateCredential(ctx context.Context, principal, credentialID string) error
	DeactivateFactor(ctx context.Context, principal, serial string) error
}

// PerimeterAPI is the network-perimeter boundary.
type PerimeterAPI interface {
	// RevokeIngress removes the address from the rule across all protocols.
	RevokeIngress(ctx context.Context, ruleID, address string) error
}

// APIError is a boundary failure with a stable code (e.g. the upstream
// service's error code). Executor outcomes record codes, not messages.
type APIError struct {
	Scope string
	Code  string
	Err   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s:%s: %v", e.Scope, e.Code, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Executor runs remediation actions against the target boundaries.
type Executor struct {
	credentials CredentialAPI
	perimeter   PerimeterAPI
	logger      log.Logger
}

// NewExecutor creates an executor bound to the given target boundaries.
func NewExecutor(credentials CredentialAPI, perimeter PerimeterAPI, logger log.Logger) *Executor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Executor{
		credentials: credentials,
		perimeter:   perimeter,
		logger:      logger,
	}
}

// Execute attempts one corrective action per present target. Actions
// are isolated: a failure is captured as a scoped error code and the
// run proceeds to the next action. Execute never returns an error; the
// Outcome is well-formed even under total failure.
func (x *Executor) Execute(ctx context.Context, req Request) Outcome {
	out := Outcome{ExecutedAt: time.Now().UTC()}

	if req.Principal != "" {
		if detail, err := x.disableCredentials(ctx, req.Principal, req.CredentialID); err != nil {
			x.logger.Error(ctx, err, "credential deactivation failed",
				"event_id", req.EventID, "principal", req.Principal)
			out.Errors = append(out.Errors, scopedCode("iam", err))
		} else {
			out.Actions = append(out.Actions, ActionRecord{Kind: ActionDisableCredentials, Detail: detail})
		}

		if req.FactorSerial != "" {
			if err := x.credentials.DeactivateFactor(ctx, req.Principal, req.FactorSerial); err != nil {
				x.logger.Error(ctx, err, "factor deactivation failed",
					"event_id", req.EventID, "principal", req.Principal, "serial", req.FactorSerial)
				out.Errors = append(out.Errors, scopedCode("iam", err))
			} else {
				out.Actions = append(out.Actions, ActionRecord{Kind: ActionDeactivateFactor, Detail: req.FactorSerial})
			}
		}
	}

	if req.PerimeterRuleID != "" && req.OffendingAddress != "" {
		if err := x.perimeter.RevokeIngress(ctx, req.PerimeterRuleID, req.OffendingAddress); err != nil {
			x.logger.Error(ctx, err, "ingress revocation failed",
				"event_id", req.EventID, "rule", req.PerimeterRuleID, "address", req.OffendingAddress)
			out.Errors = append(out.Errors, scopedCode("ec2", err))
		} else {
			out.Actions = append(out.Actions, ActionRecord{
				Kind:   ActionRevokePerimeter,
				Detail: req.PerimeterRuleID + ":" + req.OffendingAddress,
			})
		}
	}

	out.Performed = len(out.Actions) > 0
	return out
}

// disableCredentials deactivates either the named credential or every
// active credential for the principal, returning a detail string
// listing what was deactivated.
func (x *Executor) disableCredentials(ctx context.Context, principal, credentialID string) (string, error) {
	if credentialID != "" {
		if err := x.credentials.DeactivateCredential(ctx, principal, credentialID); err != nil {
			return "", err
		}
		return credentialID, nil
	}

	ids, err := x.credentials.ListActiveCredentials(ctx, principal)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", &APIError{Scope: "iam", Code: "NoSuchEntity", Err: errors.New("no active credentials")}
	}

	detail := ""
	for i, id := range ids {
		if err := x.credentials.DeactivateCredential(ctx, principal, id); err != nil {
			return "", err
		}
		if i > 0 {
			detail += ","
		}
		detail += id
	}
	return detail, nil
}

func scopedCode(scope string, err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Scope + ":" + apiErr.Code
	}
	return scope + ":InternalError"
}
