package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/metrics"
)

// Mode controls enforcement.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeDryRun  Mode = "dry-run"
	ModeEnforce Mode = "enforce"
)

const decisionQuery = "data.coordinator.delegation.decision"

// Config configures the policy engine.
type Config struct {
	Enabled    bool
	Mode       Mode
	Path       string // directory of .rego files
	FailClosed bool
}

// Decision is the policy verdict over one delegation.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine gates delegation decisions with compiled rego policies. With no
// policies loaded it fails open (or closed, per config) without error.
type Engine struct {
	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	enabled  bool

	cfg    Config
	logger *zap.Logger
}

func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		enabled: cfg.Enabled && cfg.Mode != ModeOff,
	}
	if e.enabled {
		if err := e.LoadPolicies(); err != nil {
			if cfg.FailClosed {
				return nil, fmt.Errorf("load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Policy load failed, running fail-open", zap.Error(err))
			e.enabled = false
		}
	}
	return e, nil
}

// LoadPolicies reads and compiles every .rego file under the policy path.
func (e *Engine) LoadPolicies() error {
	if !e.cfg.Enabled {
		return nil
	}

	policies := make(map[string]string)
	err := filepath.Walk(e.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy file %s: %w", path, err)
		}
		relPath, _ := filepath.Rel(e.cfg.Path, path)
		policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy directory: %w", err)
	}
	if len(policies) == 0 {
		if e.cfg.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		e.logger.Warn("No policy files found", zap.String("path", e.cfg.Path))
		return nil
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range policies {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}

	e.mu.Lock()
	e.compiled = &compiled
	e.mu.Unlock()
	e.logger.Info("Delegation policies compiled",
		zap.Int("policy_count", len(policies)),
		zap.String("query", decisionQuery),
	)
	return nil
}

// AllowDelegation evaluates the compiled policies over the delegation input.
// Implements delegation.PolicyGate.
func (e *Engine) AllowDelegation(ctx context.Context, input map[string]interface{}) (bool, string, error) {
	defaultAllow := !e.cfg.FailClosed

	e.mu.RLock()
	compiled := e.compiled
	enabled := e.enabled
	e.mu.RUnlock()
	if !enabled || compiled == nil {
		return defaultAllow, "policy engine disabled", nil
	}

	if input == nil {
		input = map[string]interface{}{}
	}
	input["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	results, err := compiled.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		metrics.PolicyDecisions.WithLabelValues("error").Inc()
		if e.cfg.FailClosed {
			return false, "policy evaluation failed", err
		}
		e.logger.Warn("Policy evaluation failed, allowing fail-open", zap.Error(err))
		return true, "policy evaluation failed (fail-open)", nil
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		metrics.PolicyDecisions.WithLabelValues("default").Inc()
		return defaultAllow, "no policy decision", nil
	}

	decision := parseDecision(results[0].Expressions[0].Value)
	if e.cfg.Mode == ModeDryRun && !decision.Allow {
		e.logger.Info("Policy would deny delegation (dry-run)",
			zap.String("reason", decision.Reason),
		)
		metrics.PolicyDecisions.WithLabelValues("dry_run_deny").Inc()
		return true, "dry-run: " + decision.Reason, nil
	}
	if decision.Allow {
		metrics.PolicyDecisions.WithLabelValues("allow").Inc()
	} else {
		metrics.PolicyDecisions.WithLabelValues("deny").Inc()
	}
	return decision.Allow, decision.Reason, nil
}

func parseDecision(v interface{}) Decision {
	d := Decision{}
	m, ok := v.(map[string]interface{})
	if !ok {
		if allow, ok := v.(bool); ok {
			d.Allow = allow
		}
		return d
	}
	if allow, ok := m["allow"].(bool); ok {
		d.Allow = allow
	}
	if reason, ok := m["reason"].(string); ok {
		d.Reason = reason
	}
	return d
}
