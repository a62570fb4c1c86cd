package wafproxy

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"
)

// EvaluationMode selects how matches turn into a verdict.
type EvaluationMode string

const (
	// ModeFirstMatch: the first matching rule in load order decides.
	ModeFirstMatch EvaluationMode = "first_match"
	// ModeAnomaly: matching deny rules add their score and the request is
	// blocked once the total reaches the threshold.
	ModeAnomaly EvaluationMode = "anomaly"
)

const defaultAnomalyThreshold = 5

// EvaluateOptions narrows evaluation for one domain.
type EvaluateOptions struct {
	Threshold     int
	EnabledRules  map[int]struct{}
	DisabledRules map[int]struct{}
}

func (o *EvaluateOptions) skip(id int) bool {
	if o == nil {
		return false
	}
	if len(o.EnabledRules) > 0 {
		if _, ok := o.EnabledRules[id]; !ok {
			return true
		}
	}
	_, disabled := o.DisabledRules[id]
	return disabled
}

// Evaluator applies the published rule set to requests.
type Evaluator struct {
	rules         RuleSource
	detector      InjectionDetector
	logger        *zap.Logger
	metrics       *Metrics
	mode          EvaluationMode
	threshold     int
	bodyLimit     int64
	paranoiaLevel int
	observeOnly   atomic.Bool
}

// EvaluatorOption customises an Evaluator.
type EvaluatorOption func(*Evaluator)

func WithObserveOnly(observe bool) EvaluatorOption {
	return func(e *Evaluator) { e.observeOnly.Store(observe) }
}

func WithEvaluationMode(mode EvaluationMode, threshold int) EvaluatorOption {
	return func(e *Evaluator) {
		if mode != "" {
			e.mode = mode
		}
		if threshold > 0 {
			e.threshold = threshold
		}
	}
}

func WithBodyInspectLimit(limit int64) EvaluatorOption {
	return func(e *Evaluator) {
		if limit > 0 {
			e.bodyLimit = limit
		}
	}
}

func WithParanoiaLevel(level int) EvaluatorOption {
	return func(e *Evaluator) { e.paranoiaLevel = level }
}

func WithInjectionDetector(d InjectionDetector) EvaluatorOption {
	return func(e *Evaluator) { e.detector = d }
}

func WithEvaluatorMetrics(m *Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// NewEvaluator creates an evaluator reading rules from src.
func NewEvaluator(src RuleSource, logger *zap.Logger, opts ...EvaluatorOption) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Evaluator{
		rules:     src,
		detector:  DefaultInjectionDetector(),
		logger:    logger,
		mode:      ModeFirstMatch,
		threshold: defaultAnomalyThreshold,
		bodyLimit: defaultBodyInspectLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetObserveOnly toggles observe mode at runtime.
func (e *Evaluator) SetObserveOnly(observe bool) { e.observeOnly.Store(observe) }

// ObserveOnly reports whether deny actions are downgraded to logging.
func (e *Evaluator) ObserveOnly() bool { return e.observeOnly.Load() }

// Evaluate runs the current rule set against the request and its body.
func (e *Evaluator) Evaluate(r *http.Request, body []byte) EvaluationResult {
	return e.EvaluateWith(r, body, nil)
}

// EvaluateWith is Evaluate with per-domain rule selection and threshold.
func (e *Evaluator) EvaluateWith(r *http.Request, body []byte, opts *EvaluateOptions) EvaluationResult {
	rs := e.rules.Current()
	if rs == nil || rs.Len() == 0 {
		return EvaluationResult{}
	}
	x := NewRequestValueExtractor(r, body, e.bodyLimit)
	observe := e.observeOnly.Load()
	transformed := map[string]string{}

	threshold := e.threshold
	if opts != nil && opts.Threshold > 0 {
		threshold = opts.Threshold
	}

	var (
		score    int
		observed *EvaluationResult
	)
	for _, rule := range rs.Rules() {
		if opts.skip(rule.ID) {
			continue
		}
		if e.paranoiaLevel > 0 && rule.ParanoiaLevel > e.paranoiaLevel {
			continue
		}
		hit, ok := e.evaluateRule(rule, x, transformed)
		if !ok {
			continue
		}
		e.metrics.recordRuleHit(rule.ID)

		switch rule.Action {
		case ActionAllow:
			if observed != nil {
				return *observed
			}
			return EvaluationResult{}
		case ActionLog:
			if e.mode == ModeFirstMatch {
				hit.Observed = true
				return hit
			}
			if observed == nil {
				hit.Observed = true
				observed = &hit
			}
			continue
		}

		// Deny.
		if e.mode == ModeFirstMatch {
			if observe {
				hit.Observed = true
			} else {
				hit.Blocked = true
			}
			return hit
		}
		score += rule.EffectiveScore()
		hit.Score = score
		if score >= threshold {
			if observe {
				hit.Observed = true
			} else {
				hit.Blocked = true
			}
			return hit
		}
		if observed == nil {
			observed = &EvaluationResult{Observed: true}
		}
		*observed = hit
		observed.Observed = true
	}
	if observed != nil {
		observed.Score = score
		return *observed
	}
	return EvaluationResult{}
}

// evaluateRule reports the first variable of rule that matches. A failing
// transform or a panic disqualifies this rule only.
func (e *Evaluator) evaluateRule(rule *Rule, x *RequestValueExtractor, transformed map[string]string) (res EvaluationResult, matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Debug("Rule evaluation panicked, treating as no match",
				zap.Int("rule_id", rule.ID), zap.Any("panic", rec))
			res, matched = EvaluationResult{}, false
		}
	}()

	if rule.Inert() {
		return EvaluationResult{}, false
	}
	chainKey := transformsKey(rule.Transforms)
	for _, spec := range rule.Variables {
		raw, ok := x.Value(spec)
		if !ok {
			continue
		}
		cacheKey := spec.String() + "\x1f" + chainKey
		value, cached := transformed[cacheKey]
		if !cached {
			var err error
			value, err = applyTransforms(raw, rule.Transforms)
			if err != nil {
				e.logger.Debug("Transform failed, rule skipped",
					zap.Int("rule_id", rule.ID), zap.String("variable", spec.String()), zap.Error(err))
				return EvaluationResult{}, false
			}
			transformed[cacheKey] = value
		}
		if hit, fingerprint := rule.matchValue(value, e.detector); hit {
			return EvaluationResult{
				RuleID:      rule.ID,
				Message:     rule.Message,
				Variable:    spec.String(),
				Fingerprint: fingerprint,
			}, true
		}
	}
	return EvaluationResult{}, false
}

func (m EvaluationMode) validate() error {
	switch m {
	case ModeFirstMatch, ModeAnomaly, "":
		return nil
	default:
		return fmt.Errorf("invalid evaluation mode %q", m)
	}
}
