package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/pkg/logger"
)

type FailMode string

const (
	// FailOpen reports the error without violations so the change is not blocked.
	FailOpen FailMode = "open"
	// FailClosed reports a synthetic critical deny.
	FailClosed FailMode = "closed"
)

const (
	DefaultRemotePath    = "/v1/data/infragraph/deny"
	DefaultRemoteTimeout = 5 * time.Second
	// UnavailableRuleID identifies the synthetic violation of a fail-closed evaluator.
	UnavailableRuleID = "remote-policy-unavailable"
)

type RemoteConfig struct {
	BaseURL  string
	Path     string
	Timeout  time.Duration
	FailMode FailMode
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
}

// RemoteEvaluator delegates to a policy service over HTTP.
type RemoteEvaluator struct {
	baseURL  string
	path     string
	timeout  time.Duration
	failMode FailMode
	client   *http.Client
	logger   *zap.Logger
}

func NewRemoteEvaluator(cfg RemoteConfig, log *zap.Logger) (*RemoteEvaluator, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("remote policy evaluator: base url is required")
	}
	path := cfg.Path
	if path == "" {
		path = DefaultRemotePath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	mode := cfg.FailMode
	switch mode {
	case "":
		mode = FailClosed
	case FailOpen, FailClosed:
	default:
		return nil, fmt.Errorf("remote policy evaluator: unknown fail mode %q", mode)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &RemoteEvaluator{
		baseURL:  base,
		path:     path,
		timeout:  timeout,
		failMode: mode,
		client:   client,
		logger:   logger.OrNop(log).Named("policy.remote"),
	}, nil
}

func (e *RemoteEvaluator) Type() string { return TypeRemote }

// URL is the evaluation endpoint.
func (e *RemoteEvaluator) URL() string { return e.baseURL + e.path }

// DeniedRuleID names violations decoded from a bare deny message.
const DeniedRuleID = "remote-deny"

// remoteDecision accepts both a bare decision and one wrapped in "result".
type remoteDecision struct {
	OK         *bool       `json:"ok"`
	Allow      *bool       `json:"allow"`
	Violations []Violation `json:"violations"`
}

type remoteResponse struct {
	remoteDecision
	Result json.RawMessage `json:"result"`
}

// decision unwraps "result", which is either a decision object or a deny set:
// an array of messages or violation objects.
func (r *remoteResponse) decision() (*remoteDecision, error) {
	raw := bytes.TrimSpace(r.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &r.remoteDecision, nil
	}
	if raw[0] != '[' {
		var d remoteDecision
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode policy result: %w", err)
		}
		return &d, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode policy deny set: %w", err)
	}
	d := &remoteDecision{Violations: make([]Violation, 0, len(items))}
	for i, item := range items {
		var msg string
		if err := json.Unmarshal(item, &msg); err == nil {
			d.Violations = append(d.Violations, Violation{
				RuleID:   DeniedRuleID,
				Package:  "kubilitics.remote",
				Message:  msg,
				Severity: SeverityHigh,
				Action:   ActionDeny,
			})
			continue
		}
		var v Violation
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, fmt.Errorf("decode policy deny set: item %d: %w", i, err)
		}
		if v.RuleID == "" {
			v.RuleID = DeniedRuleID
		}
		if v.Action == "" {
			v.Action = ActionDeny
		}
		if v.Severity == "" {
			v.Severity = SeverityHigh
		}
		d.Violations = append(d.Violations, v)
	}
	return d, nil
}

func (e *RemoteEvaluator) Evaluate(ctx context.Context, input OpaInput) EvaluationResult {
	start := time.Now()
	decision, err := e.call(ctx, input)
	if err != nil {
		res := e.failure(err)
		res.DurationMs = time.Since(start).Milliseconds()
		e.logger.Warn("remote policy evaluation failed",
			zap.String("url", e.URL()),
			zap.String("fail_mode", string(e.failMode)),
			zap.Error(err))
		record(TypeRemote, res)
		return res
	}

	violations := decision.Violations
	if violations == nil {
		violations = []Violation{}
	}
	ok := len(violations) == 0
	if decision.OK != nil {
		ok = *decision.OK
	} else if decision.Allow != nil {
		ok = *decision.Allow && ok
	}
	res := EvaluationResult{OK: ok, Violations: violations, DurationMs: time.Since(start).Milliseconds()}
	record(TypeRemote, res)
	return res
}

func (e *RemoteEvaluator) call(ctx context.Context, input OpaInput) (*remoteDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, fmt.Errorf("encode policy input: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy service request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("policy service: %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode policy decision: %w", err)
	}
	return out.decision()
}

func (e *RemoteEvaluator) failure(err error) EvaluationResult {
	res := EvaluationResult{OK: false, Violations: []Violation{}, Error: err.Error()}
	if e.failMode == FailClosed {
		res.Violations = append(res.Violations, Violation{
			RuleID:   UnavailableRuleID,
			Package:  "kubilitics.remote",
			Message:  "policy service unavailable: " + err.Error(),
			Severity: SeverityCritical,
			Action:   ActionDeny,
			Metadata: map[string]any{"url": e.URL()},
		})
	}
	return res
}

// HealthCheck reports whether GET /health answers 2xx within the timeout.
func (e *RemoteEvaluator) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
