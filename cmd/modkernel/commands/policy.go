package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modkernel/pkg/config"
	"github.com/openfroyo/modkernel/pkg/policy"
)

var policyPaths []string

func newPolicyEngine(ctx context.Context, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(policyPaths) > 0 {
		if err := eng.LoadPolicies(ctx, policyPaths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// enforcePolicies evaluates the registry and fails on blocking violations.
func enforcePolicies(ctx context.Context, eng *policy.Engine, reg *config.Registry) (*policy.Result, error) {
	result, err := eng.Evaluate(ctx, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policies: %w", err)
	}
	if !result.Allowed {
		blocking := result.Blocking()
		messages := make([]string, len(blocking))
		for i, v := range blocking {
			messages[i] = v.Message
		}
		return result, fmt.Errorf("registry rejected by policy: %s", strings.Join(messages, "; "))
	}
	return result, nil
}

func printViolations(w io.Writer, result *policy.Result) {
	for _, v := range result.Violations {
		fmt.Fprintf(w, "%s [%s] %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "warning %s\n", warning)
	}
}

func logViolations(logger zerolog.Logger, result *policy.Result) {
	for _, v := range result.Violations {
		event := logger.Info()
		switch v.Severity {
		case policy.SeverityError:
			event = logger.Error()
		case policy.SeverityWarning:
			event = logger.Warn()
		}
		event.Str("policy", v.Policy).Str("module", v.Module).Msg(v.Message)
	}
}
