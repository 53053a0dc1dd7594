package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chimera-gw/chimera/internal/domain/ledger"
	"github.com/chimera-gw/chimera/internal/domain/policy"
	"github.com/chimera-gw/chimera/internal/domain/proxy"
	"github.com/chimera-gw/chimera/internal/domain/risk"
	"github.com/chimera-gw/chimera/internal/domain/sanitize"
	"github.com/chimera-gw/chimera/internal/domain/session"
	"github.com/chimera-gw/chimera/internal/domain/taint"
	"github.com/chimera-gw/chimera/internal/domain/validation"
	"github.com/chimera-gw/chimera/internal/domain/warrant"
	"github.com/chimera-gw/chimera/internal/port/outbound"
	"github.com/chimera-gw/chimera/pkg/mcp"
)

// DefaultClassifierBudget bounds one classification when no budget is
// configured.
const DefaultClassifierBudget = 2 * time.Second

// DefaultForwardTimeout bounds one forwarded backend call when no timeout
// is configured.
const DefaultForwardTimeout = 30 * time.Second

// InterceptionService runs the routing pipeline for every tools/call:
// taint check, classification, risk accumulation, policy evaluation,
// warrant issuance, forward, sanitization, and ledger append. Everything
// else passes through untouched.
//
// Calls within one session are serialized by a session-keyed mutex so the
// taint flag, risk window, and ledger order observe program order. Calls
// on distinct sessions proceed in parallel.
type InterceptionService struct {
	sessions   session.SessionStore
	classifier risk.Classifier
	engine     policy.Engine
	authority  *warrant.Authority
	ledger     ledger.Store
	scrubber   *sanitize.Scrubber
	backend    outbound.BackendClient
	inspector  *taint.Inspector
	attacks    *AttackService
	sanitizer  *validation.Sanitizer

	defaults  map[string]interface{}
	fileTools map[string]string
	budget    time.Duration
	forward   time.Duration

	metrics *GatewayMetrics
	tracer  trace.Tracer
	clock   func() time.Time
	logger  *slog.Logger

	locks sync.Map // session id -> *sync.Mutex
}

// InterceptionOption configures an InterceptionService.
type InterceptionOption func(*InterceptionService)

// WithContextDefaults sets the process-level call context defaults. The
// agent's envelope fields override them per call.
func WithContextDefaults(defaults map[string]interface{}) InterceptionOption {
	return func(s *InterceptionService) {
		s.defaults = defaults
	}
}

// WithFileTools declares which tools read files and which argument carries
// the path, for the taint check.
func WithFileTools(tools map[string]string) InterceptionOption {
	return func(s *InterceptionService) {
		if tools != nil {
			s.fileTools = tools
		}
	}
}

// WithTaintInspector sets the source-trust inspector. Nil disables the
// taint check.
func WithTaintInspector(i *taint.Inspector) InterceptionOption {
	return func(s *InterceptionService) {
		s.inspector = i
	}
}

// WithAttackService wires the attack-session tracker.
func WithAttackService(a *AttackService) InterceptionOption {
	return func(s *InterceptionService) {
		s.attacks = a
	}
}

// WithClassifierBudget bounds one classification.
func WithClassifierBudget(d time.Duration) InterceptionOption {
	return func(s *InterceptionService) {
		if d > 0 {
			s.budget = d
		}
	}
}

// WithForwardTimeout bounds one forwarded backend call.
func WithForwardTimeout(d time.Duration) InterceptionOption {
	return func(s *InterceptionService) {
		if d > 0 {
			s.forward = d
		}
	}
}

// WithGatewayMetrics wires the prometheus counters.
func WithGatewayMetrics(m *GatewayMetrics) InterceptionOption {
	return func(s *InterceptionService) {
		s.metrics = m
	}
}

// WithTracer emits a span per intercepted call with stage events.
func WithTracer(t trace.Tracer) InterceptionOption {
	return func(s *InterceptionService) {
		s.tracer = t
	}
}

// WithInterceptionClock overrides the time source. Tests pin timestamps
// and age risk events with it.
func WithInterceptionClock(clock func() time.Time) InterceptionOption {
	return func(s *InterceptionService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewInterceptionService wires the pipeline. All collaborators are
// required except the inspector, attack tracker, metrics, and tracer.
func NewInterceptionService(
	sessions session.SessionStore,
	classifier risk.Classifier,
	engine policy.Engine,
	authority *warrant.Authority,
	ledgerStore ledger.Store,
	scrubber *sanitize.Scrubber,
	backend outbound.BackendClient,
	logger *slog.Logger,
	opts ...InterceptionOption,
) *InterceptionService {
	s := &InterceptionService{
		sessions:   sessions,
		classifier: classifier,
		engine:     engine,
		authority:  authority,
		ledger:     ledgerStore,
		scrubber:   scrubber,
		backend:    backend,
		sanitizer:  validation.NewSanitizer(),
		fileTools:  map[string]string{"read_file": "filename"},
		budget:     DefaultClassifierBudget,
		forward:    DefaultForwardTimeout,
		clock:      time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Intercept implements proxy.MessageInterceptor. For a tools/call request
// it returns the final agent-facing response (direction flipped to
// BackendToAgent); every other message comes back unchanged and the caller
// forwards it as-is.
func (s *InterceptionService) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction != mcp.AgentToBackend || !msg.IsToolCall() {
		return msg, nil
	}

	tc := msg.ToolCall()
	if tc == nil || tc.Name == "" {
		return nil, validation.NewValidationError(validation.ErrCodeInvalidParams, "Invalid params")
	}
	if err := s.sanitizer.ValidateToolName(tc.Name); err != nil {
		return nil, err
	}
	// Arguments are normalized once here; everything downstream, from the
	// classifier to the ledger, sees the sanitized view.
	if cleaned, err := s.sanitizer.SanitizeValue(tc.Arguments); err == nil {
		if m, ok := cleaned.(map[string]interface{}); ok {
			tc.Arguments = m
		}
	}

	sessionID := msg.SessionID()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "chimera.intercept",
			trace.WithAttributes(
				attribute.String("tool", tc.Name),
				attribute.String("session_id", sessionID),
			))
		defer span.End()
	}

	// Within-session serialization: every pipeline effect of call n lands
	// before call n+1 on the same session begins.
	mu := s.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	return s.runPipeline(ctx, msg, tc, sessionID)
}

func (s *InterceptionService) runPipeline(ctx context.Context, msg *mcp.Message, tc *mcp.ToolCall, sessionID string) (*mcp.Message, error) {
	now := s.clock().UTC()
	start := now

	if _, err := s.sessions.Touch(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("touch session %s: %w", sessionID, err)
	}

	s.checkTaint(ctx, sessionID, tc)

	callCtx := s.assembleContext(ctx, sessionID, tc)

	assessment := s.classify(ctx, tc, callCtx)

	if err := s.sessions.RecordRisk(ctx, sessionID, assessment.Risk, tc.Name, now); err != nil {
		s.logger.Error("record risk", "session_id", sessionID, "error", err)
	}
	accumulated, err := s.sessions.AccumulatedRisk(ctx, sessionID, now)
	if err != nil {
		s.logger.Error("accumulated risk", "session_id", sessionID, "error", err)
	}
	callCtx["accumulated_risk"] = accumulated

	decision := s.engine.Evaluate(policy.Input{
		Tool:            tc.Name,
		Args:            tc.Arguments,
		Context:         callCtx,
		EventRisk:       assessment.Risk,
		Confidence:      assessment.Confidence,
		AccumulatedRisk: accumulated,
	})
	if s.metrics != nil {
		s.metrics.DecisionsTotal.WithLabelValues(string(decision.Route), decision.Phase).Inc()
	}
	s.logger.Info("routing decision",
		"session_id", sessionID,
		"tool", tc.Name,
		"route", decision.Route,
		"rule_id", decision.RuleID,
		"risk", assessment.Risk,
		"accumulated_risk", accumulated,
	)

	issued, err := s.authority.Issue(sessionID, tc.Name, decision.Route)
	if err != nil {
		s.logger.Error("warrant issuance failed", "session_id", sessionID, "tool", tc.Name, "error", err)
		return nil, fmt.Errorf("issue warrant: %w", err)
	}

	frame, err := s.buildForwardFrame(msg.Raw, issued.Token)
	if err != nil {
		return nil, err
	}

	respRaw, forwardErr := s.forwardCall(ctx, frame)
	latency := s.clock().UTC().Sub(start)

	entry := ledger.Entry{
		Timestamp: now,
		EventType: ledger.EventToolInterception,
		SessionID: sessionID,
		Tool:      tc.Name,
		Args:      tc.Arguments,
		Context:   callCtx,
		Trigger: ledger.Trigger{
			RuleID:          decision.RuleID,
			Phase:           decision.Phase,
			Reason:          decision.Reason,
			RiskScore:       assessment.Risk,
			Confidence:      assessment.Confidence,
			AccumulatedRisk: accumulated,
			Tags:            assessment.Tags,
		},
		Action: ledger.Action{
			Route:     string(decision.Route),
			WarrantID: issued.ID,
			KeyID:     issued.KeyID,
		},
		Outcome: ledger.Outcome{
			Status:    ledger.OutcomeForwarded,
			LatencyMS: latency.Milliseconds(),
		},
		RiskHistoryLength: s.riskHistoryLength(ctx, sessionID),
	}
	if decision.Fallback {
		entry.EventType = ledger.EventPolicyFallback
	}

	if forwardErr != nil {
		if errors.Is(forwardErr, proxy.ErrForwardTimeout) {
			entry.EventType = ledger.EventToolTimeout
			entry.Outcome = ledger.Outcome{Status: ledger.OutcomeTimeout, LatencyMS: latency.Milliseconds()}
		} else {
			entry.Outcome = ledger.Outcome{Status: ledger.OutcomeError, LatencyMS: latency.Milliseconds(), Error: "backend call failed"}
		}
		s.appendLedger(ctx, entry)
		return nil, forwardErr
	}

	scrubbed, preview, redactions := s.scrubResponse(respRaw)
	if s.metrics != nil && redactions > 0 {
		s.metrics.RedactionsTotal.Add(float64(redactions))
	}

	if s.attacks != nil && decision.Route == policy.RouteShadow {
		if !s.attacks.Active(sessionID) {
			s.attacks.StartSession(sessionID, decision.Reason, assessment.Risk, callCtx)
		}
		s.attacks.RecordInteraction(sessionID, CapturedCall{
			Tool:            tc.Name,
			Args:            tc.Arguments,
			Risk:            assessment.Risk,
			AccumulatedRisk: accumulated,
			Response:        preview,
			Context:         callCtx,
		})
	}

	s.appendLedger(ctx, entry)

	return s.wrapResponse(scrubbed), nil
}

// checkTaint marks the session tainted when a file-reading tool touches an
// untrusted source. Taint is a label only; routing stays with the policy.
func (s *InterceptionService) checkTaint(ctx context.Context, sessionID string, tc *mcp.ToolCall) {
	if s.inspector == nil {
		return
	}
	argKey, ok := s.fileTools[tc.Name]
	if !ok {
		return
	}
	path, ok := tc.Arguments[argKey].(string)
	if !ok || path == "" {
		return
	}
	if !s.inspector.Taints(path) {
		return
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	alreadyTainted := err == nil && sess.Tainted

	if err := s.sessions.MarkTainted(ctx, sessionID, path); err != nil {
		s.logger.Error("mark tainted", "session_id", sessionID, "error", err)
		return
	}
	if !alreadyTainted {
		if s.metrics != nil {
			s.metrics.TaintMarks.Inc()
		}
		s.logger.Warn("session tainted", "session_id", sessionID, "source", path)
	}
}

// assembleContext merges the call context in spec order: process defaults,
// then the agent's envelope, then derived fields.
func (s *InterceptionService) assembleContext(ctx context.Context, sessionID string, tc *mcp.ToolCall) map[string]interface{} {
	callCtx := make(map[string]interface{}, len(s.defaults)+len(tc.Context)+5)
	for k, v := range s.defaults {
		callCtx[k] = v
	}
	for k, v := range tc.Context {
		callCtx[k] = v
	}
	callCtx["session_id"] = sessionID

	callCtx["is_tainted"] = false
	if sess, err := s.sessions.Get(ctx, sessionID); err == nil {
		callCtx["is_tainted"] = sess.Tainted
		if sess.TaintSource != "" {
			callCtx["taint_source"] = sess.TaintSource
		}
	}
	callCtx["is_suspicious_query"] = s.engine.SuspiciousQuery(tc.Arguments)
	if cat := s.engine.Category(tc.Name); cat != "" {
		callCtx["tool_category"] = cat
	}
	return callCtx
}

// classify runs the classifier under its budget. Failure is recovered
// locally with a zero assessment so the deterministic phases still run.
func (s *InterceptionService) classify(ctx context.Context, tc *mcp.ToolCall, callCtx map[string]interface{}) risk.Assessment {
	cctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	assessment := s.classifier.Classify(cctx, tc.Name, tc.Arguments, callCtx)
	if assessment.Reason == "unavailable" && assessment.Confidence == 0 {
		if s.metrics != nil {
			s.metrics.ClassifierUnavailable.Inc()
		}
		s.logger.Warn("classifier unavailable, using zero assessment", "tool", tc.Name)
	}
	return assessment
}

// buildForwardFrame strips any agent-supplied warrant and injects ours.
func (s *InterceptionService) buildForwardFrame(raw []byte, token string) ([]byte, error) {
	stripped, err := mcp.StripWarrant(raw)
	if err != nil {
		return nil, fmt.Errorf("strip warrant key: %w", err)
	}
	frame, err := mcp.InjectWarrant(stripped, token)
	if err != nil {
		return nil, fmt.Errorf("inject warrant: %w", err)
	}
	return frame, nil
}

// forwardCall sends the frame to the backend under the forward deadline.
func (s *InterceptionService) forwardCall(ctx context.Context, frame []byte) ([]byte, error) {
	fctx, cancel := context.WithTimeout(ctx, s.forward)
	defer cancel()

	resp, err := s.backend.Call(fctx, frame)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(fctx.Err(), context.DeadlineExceeded) {
			if s.metrics != nil {
				s.metrics.ForwardFailures.WithLabelValues("timeout").Inc()
			}
			return nil, fmt.Errorf("%w: %v", proxy.ErrForwardTimeout, err)
		}
		if s.metrics != nil {
			s.metrics.ForwardFailures.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("%w: %v", proxy.ErrBackendUnavailable, err)
	}
	return resp, nil
}

// scrubResponse removes any warrant echo and applies the sanitizer to the
// result subtree. Returns the scrubbed frame, a text preview for the attack
// archive, and the redaction count.
func (s *InterceptionService) scrubResponse(raw []byte) ([]byte, string, int) {
	cleaned, err := mcp.ScrubWarrantEcho(raw)
	if err != nil {
		cleaned = raw
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(cleaned, &top); err != nil {
		return cleaned, "", 0
	}
	encResult, ok := top["result"]
	if !ok || len(encResult) == 0 {
		return cleaned, "", 0
	}

	var result map[string]interface{}
	if err := json.Unmarshal(encResult, &result); err != nil {
		return cleaned, "", 0
	}

	scrubbed, redactions := s.scrubber.ScrubResult(result)
	encScrubbed, err := json.Marshal(scrubbed)
	if err != nil {
		return cleaned, "", redactions
	}
	top["result"] = encScrubbed

	out, err := json.Marshal(top)
	if err != nil {
		return cleaned, "", redactions
	}
	return out, resultPreview(scrubbed), redactions
}

// resultPreview extracts the first text content block, falling back to the
// serialized result.
func resultPreview(result map[string]interface{}) string {
	if content, ok := result["content"].([]interface{}); ok && len(content) > 0 {
		if block, ok := content[0].(map[string]interface{}); ok {
			if text, ok := block["text"].(string); ok {
				return text
			}
		}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(raw)
}

// wrapResponse builds the agent-facing message from the scrubbed frame.
func (s *InterceptionService) wrapResponse(raw []byte) *mcp.Message {
	msg, err := mcp.WrapMessage(raw, mcp.BackendToAgent)
	if err != nil {
		// A backend response we cannot re-decode still goes back verbatim;
		// it already passed the scrubber.
		return &mcp.Message{Raw: raw, Direction: mcp.BackendToAgent, Timestamp: s.clock()}
	}
	return msg
}

// appendLedger records the decision. Routing never hinges on logging: a
// failed append is logged and the store's retry queue takes over.
func (s *InterceptionService) appendLedger(ctx context.Context, entry ledger.Entry) {
	if err := s.ledger.Append(ctx, entry); err != nil {
		s.logger.Error("ledger append", "session_id", entry.SessionID, "error", err)
	}
}

func (s *InterceptionService) riskHistoryLength(ctx context.Context, sessionID string) int {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return 0
	}
	return len(sess.RiskEvents)
}

func (s *InterceptionService) sessionLock(sessionID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// EndSession releases per-session resources when the store evicts a
// session. Wired as the memory store's eviction hook alongside the attack
// tracker's archival.
func (s *InterceptionService) EndSession(sessionID string) {
	s.locks.Delete(sessionID)
}

var _ proxy.MessageInterceptor = (*InterceptionService)(nil)
