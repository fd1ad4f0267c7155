package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seclab/aegis/internal/core/domain"
	"github.com/seclab/aegis/internal/core/ports"
)

// AssessmentWorkflow runs the fixed attack-surface pipeline:
//
//	reconnaissance → port_scan → analysis → [exploitable?] → report
//
// Unlike the free-form agent loop, the step order is hard-wired; only the
// final edge is conditional. Steps accumulate into AttackSurfaceState and the
// state is persisted after every transition, so a crashed run leaves an
// inspectable trail.
type AssessmentWorkflow struct {
	logger   *slog.Logger
	tools    *domain.ToolRegistry
	llm      domain.LLMProvider
	cveIndex *CVEIndex        // optional
	repo     ports.Repository // optional
	tracer   *TraceCollector  // optional
	events   *EventBus        // optional
}

func NewAssessmentWorkflow(
	logger *slog.Logger,
	tools *domain.ToolRegistry,
	llm domain.LLMProvider,
	cveIndex *CVEIndex,
	repo ports.Repository,
	tracer *TraceCollector,
	events *EventBus,
) *AssessmentWorkflow {
	return &AssessmentWorkflow{
		logger:   logger,
		tools:    tools,
		llm:      llm,
		cveIndex: cveIndex,
		repo:     repo,
		tracer:   tracer,
		events:   events,
	}
}

// Run executes the full pipeline against a target and blocks until it
// completes. The returned state is always non-nil; a failed step marks the
// state failed and stops the pipeline rather than returning a bare error.
func (w *AssessmentWorkflow) Run(ctx context.Context, target string) (*domain.AttackSurfaceState, error) {
	state, err := newAssessmentState(target)
	if err != nil {
		return nil, err
	}
	return w.execute(ctx, state), nil
}

// Start launches the pipeline in the background and returns the assessment ID
// immediately. Progress is observable through the repository and event bus.
func (w *AssessmentWorkflow) Start(ctx context.Context, target string, timeout time.Duration) (domain.AssessmentID, error) {
	state, err := newAssessmentState(target)
	if err != nil {
		return "", err
	}
	w.persist(ctx, state)

	go func() {
		runCtx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, timeout)
			defer cancel()
		}
		w.execute(runCtx, state)
	}()

	return state.ID, nil
}

func newAssessmentState(target string) (*domain.AttackSurfaceState, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("target is required")
	}
	now := time.Now()
	state := &domain.AttackSurfaceState{
		ID:        domain.AssessmentID(uuid.New().String()),
		Target:    target,
		Status:    domain.AssessmentRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	state.AppendLog("assessment started for " + target)
	return state, nil
}

func (w *AssessmentWorkflow) execute(ctx context.Context, state *domain.AttackSurfaceState) *domain.AttackSurfaceState {
	var traceID domain.TraceID
	if w.tracer != nil {
		var tctx context.Context
		tctx, traceID, _ = w.tracer.StartTrace(ctx, "assessment: "+state.Target, map[string]string{"assessment_id": string(state.ID)})
		ctx = tctx
	}

	steps := []struct {
		name domain.AssessmentStep
		fn   func(context.Context, *domain.AttackSurfaceState) error
	}{
		{domain.StepReconnaissance, w.stepRecon},
		{domain.StepPortScan, w.stepPortScan},
		{domain.StepAnalysis, w.stepAnalysis},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return w.fail(ctx, traceID, state, "assessment cancelled: "+err.Error())
		}
		if err := w.runStep(ctx, state, step.name, step.fn); err != nil {
			return w.fail(ctx, traceID, state, fmt.Sprintf("step %s failed: %v", step.name, err))
		}
	}

	// Conditional edge: a full report is only worth generating when something
	// looks exploitable; otherwise the summary closes the run.
	if state.Exploitable() {
		if err := w.runStep(ctx, state, domain.StepReport, w.stepReport); err != nil {
			return w.fail(ctx, traceID, state, fmt.Sprintf("step report failed: %v", err))
		}
	} else {
		state.Report = w.shortSummary(state)
		state.AppendLog("no exploitable findings, skipping full report")
	}

	state.Status = domain.AssessmentDone
	state.UpdatedAt = time.Now()
	state.AppendLog("assessment finished")
	w.persist(ctx, state)
	w.publish(state, "assessment.finished")
	if w.tracer != nil && traceID != "" {
		w.tracer.EndTrace(traceID, domain.SpanStatusOK, "")
	}
	return state
}

func (w *AssessmentWorkflow) runStep(ctx context.Context, state *domain.AttackSurfaceState, name domain.AssessmentStep, fn func(context.Context, *domain.AttackSurfaceState) error) error {
	state.Step = name
	state.UpdatedAt = time.Now()
	state.AppendLog("entering step " + string(name))
	w.persist(ctx, state)
	w.publish(state, "assessment.step")

	var spanID domain.SpanID
	if w.tracer != nil {
		ctx, spanID = w.tracer.StartSpan(ctx, "step."+string(name), domain.SpanKindStep, nil)
	}

	err := fn(ctx, state)

	if w.tracer != nil && spanID != "" {
		if err != nil {
			w.tracer.EndSpan(spanID, domain.SpanStatusError, "", err.Error())
		} else {
			w.tracer.EndSpan(spanID, domain.SpanStatusOK, "", "")
		}
	}
	return err
}

// stepRecon resolves the target and pulls exposure data from Shodan. Recon is
// best-effort: a missing Shodan key degrades to DNS-only results instead of
// failing the run.
func (w *AssessmentWorkflow) stepRecon(ctx context.Context, state *domain.AttackSurfaceState) error {
	if ip := net.ParseIP(state.Target); ip != nil {
		state.Hosts = append(state.Hosts, state.Target)
	} else if w.tools.Has("shodan_dns_resolve") {
		out, err := w.tools.Execute(ctx, "shodan_dns_resolve", map[string]interface{}{"hostnames": state.Target})
		if err != nil {
			state.AppendLog("dns resolve via shodan failed: " + err.Error())
		} else {
			for _, ip := range parseResolvedIPs(formatToolOutput(out), state.Target) {
				state.Hosts = append(state.Hosts, ip)
			}
		}
	}
	if len(state.Hosts) == 0 {
		// Fall back to the local resolver so the scan step still has a host.
		addrs, err := net.DefaultResolver.LookupHost(ctx, state.Target)
		if err != nil {
			return fmt.Errorf("could not resolve target: %w", err)
		}
		state.Hosts = append(state.Hosts, addrs[0])
	}
	state.AppendLog(fmt.Sprintf("resolved %d host(s)", len(state.Hosts)))

	if !w.tools.Has("shodan_host") {
		state.AppendLog("shodan_host unavailable, skipping exposure lookup")
		return nil
	}

	for _, host := range state.Hosts {
		out, err := w.tools.Execute(ctx, "shodan_host", map[string]interface{}{"ip": host})
		if err != nil {
			state.AppendLog("shodan lookup failed for " + host + ": " + err.Error())
			continue
		}
		for _, po := range parseShodanHost(formatToolOutput(out), host) {
			state.OpenPorts = append(state.OpenPorts, po)
		}
	}
	state.AppendLog(fmt.Sprintf("shodan reports %d exposed port(s)", len(state.OpenPorts)))
	return nil
}

// stepPortScan verifies exposure with an active sandboxed scan.
func (w *AssessmentWorkflow) stepPortScan(ctx context.Context, state *domain.AttackSurfaceState) error {
	if !w.tools.Has("port_scan") {
		state.AppendLog("port_scan unavailable, relying on passive data only")
		return nil
	}

	for _, host := range state.Hosts {
		out, err := w.tools.Execute(ctx, "port_scan", map[string]interface{}{
			"target":            host,
			"service_detection": true,
		})
		if err != nil {
			state.AppendLog("scan failed for " + host + ": " + err.Error())
			continue
		}
		obs := ParseGreppableScan(formatToolOutput(out))
		state.OpenPorts = mergeObservations(state.OpenPorts, obs)
		state.AppendLog(fmt.Sprintf("scan of %s confirmed %d open port(s)", host, len(obs)))
	}
	return nil
}

// stepAnalysis asks the decision collaborator to judge the gathered surface,
// enriched with nearest CVE matches for each observed service.
func (w *AssessmentWorkflow) stepAnalysis(ctx context.Context, state *domain.AttackSurfaceState) error {
	if len(state.OpenPorts) == 0 {
		state.AppendLog("no open ports observed, nothing to analyze")
		return nil
	}

	var surface strings.Builder
	for _, po := range state.OpenPorts {
		fmt.Fprintf(&surface, "- %s:%d/%s %s %s\n", po.Host, po.Port, po.Proto, po.Service, po.Banner)
		if w.cveIndex != nil && po.Service != "" {
			query := strings.TrimSpace(po.Service + " " + po.Banner)
			if matches, err := w.cveIndex.Search(ctx, query, 3); err == nil {
				for _, m := range matches {
					fmt.Fprintf(&surface, "  candidate %s (%s): %s\n", m.Record.ID, m.Record.Severity, truncate(m.Record.Summary, 160))
				}
			}
		}
	}

	prompt := fmt.Sprintf(`You are a security analyst reviewing an attack surface.

Target: %s

Observed services and candidate CVEs:
%s
For each service that represents a risk, emit one finding. Respond with ONLY a JSON array:
[{"host": "...", "port": 22, "service": "...", "severity": "info|low|medium|high|critical", "title": "...", "detail": "...", "exploitable": true|false}]

Return [] if nothing is noteworthy.`, state.Target, surface.String())

	reply, err := w.llm.GenerateText(ctx, prompt)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCollaboratorUnavailable, err)
	}

	findings := parseFindings(reply)
	now := time.Now()
	for i := range findings {
		findings[i].ID = uuid.New().String()
		findings[i].AssessmentID = state.ID
		findings[i].CreatedAt = now
		if findings[i].Severity == "" {
			findings[i].Severity = domain.SeverityInfo
		}
		state.Findings = append(state.Findings, findings[i])
		if w.repo != nil {
			if err := w.repo.SaveFinding(ctx, findings[i]); err != nil {
				w.logger.Warn("failed to persist finding", "error", err)
			}
		}
	}
	state.AppendLog(fmt.Sprintf("analysis produced %d finding(s)", len(findings)))
	return nil
}

// stepReport writes the full narrative report for runs with exploitable
// findings.
func (w *AssessmentWorkflow) stepReport(ctx context.Context, state *domain.AttackSurfaceState) error {
	data, _ := json.MarshalIndent(struct {
		Target    string                   `json:"target"`
		Hosts     []string                 `json:"hosts"`
		OpenPorts []domain.PortObservation `json:"open_ports"`
		Findings  []domain.Finding         `json:"findings"`
	}{state.Target, state.Hosts, state.OpenPorts, state.Findings}, "", "  ")

	prompt := fmt.Sprintf(`Write a concise security assessment report in markdown for the data below.
Sections: Executive Summary, Attack Surface, Findings (ordered by severity), Recommendations.
Be factual; do not invent data that is not present.

%s`, string(data))

	report, err := w.llm.GenerateText(ctx, prompt)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCollaboratorUnavailable, err)
	}
	state.Report = report
	state.AppendLog("report generated")
	return nil
}

func (w *AssessmentWorkflow) shortSummary(state *domain.AttackSurfaceState) string {
	return fmt.Sprintf(
		"Assessment of %s: %d host(s), %d open port(s), %d finding(s), none judged exploitable.",
		state.Target, len(state.Hosts), len(state.OpenPorts), len(state.Findings),
	)
}

func (w *AssessmentWorkflow) fail(ctx context.Context, traceID domain.TraceID, state *domain.AttackSurfaceState, reason string) *domain.AttackSurfaceState {
	w.logger.Warn("assessment failed", "assessment_id", string(state.ID), "reason", reason)
	state.Status = domain.AssessmentFailed
	state.Error = reason
	state.UpdatedAt = time.Now()
	state.AppendLog(reason)
	w.persist(ctx, state)
	w.publish(state, "assessment.failed")
	if w.tracer != nil && traceID != "" {
		w.tracer.EndTrace(traceID, domain.SpanStatusError, reason)
	}
	return state
}

func (w *AssessmentWorkflow) persist(ctx context.Context, state *domain.AttackSurfaceState) {
	if w.repo == nil {
		return
	}
	if err := w.repo.SaveAssessment(ctx, state); err != nil {
		w.logger.Error("failed to persist assessment", "assessment_id", string(state.ID), "error", err)
	}
}

func (w *AssessmentWorkflow) publish(state *domain.AttackSurfaceState, event string) {
	if w.events == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"status": state.Status, "step": state.Step})
	w.events.Publish(Event{
		Key:       string(state.ID),
		Type:      EventType(event),
		Data:      string(payload),
		Timestamp: time.Now().Unix(),
	})
}

// --- parsing helpers ---

// parseResolvedIPs handles Shodan's /dns/resolve payload: {"example.com": "93.184.216.34"}.
func parseResolvedIPs(payload, hostname string) []string {
	var m map[string]string
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil
	}
	var ips []string
	if ip, ok := m[hostname]; ok && ip != "" {
		ips = append(ips, ip)
	} else {
		for _, ip := range m {
			if ip != "" {
				ips = append(ips, ip)
			}
		}
	}
	return ips
}

// parseShodanHost extracts port/service data from a /shodan/host/{ip} payload.
func parseShodanHost(payload, host string) []domain.PortObservation {
	var doc struct {
		Data []struct {
			Port      int    `json:"port"`
			Transport string `json:"transport"`
			Product   string `json:"product"`
			Banner    string `json:"data"`
		} `json:"data"`
		Ports []int `json:"ports"`
	}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil
	}

	var obs []domain.PortObservation
	seen := make(map[int]bool)
	for _, d := range doc.Data {
		proto := d.Transport
		if proto == "" {
			proto = "tcp"
		}
		obs = append(obs, domain.PortObservation{
			Host:    host,
			Port:    d.Port,
			Proto:   proto,
			Service: d.Product,
			Banner:  truncate(strings.TrimSpace(d.Banner), 200),
		})
		seen[d.Port] = true
	}
	for _, p := range doc.Ports {
		if !seen[p] {
			obs = append(obs, domain.PortObservation{Host: host, Port: p, Proto: "tcp"})
		}
	}
	return obs
}

// mergeObservations unions scan results into the existing set, preferring the
// richer entry when the same host/port/proto shows up twice.
func mergeObservations(existing, incoming []domain.PortObservation) []domain.PortObservation {
	type key struct {
		host  string
		port  int
		proto string
	}
	index := make(map[key]int, len(existing))
	for i, po := range existing {
		index[key{po.Host, po.Port, po.Proto}] = i
	}
	for _, po := range incoming {
		k := key{po.Host, po.Port, po.Proto}
		if i, ok := index[k]; ok {
			if existing[i].Service == "" {
				existing[i].Service = po.Service
			}
			if existing[i].Banner == "" {
				existing[i].Banner = po.Banner
			}
			continue
		}
		index[k] = len(existing)
		existing = append(existing, po)
	}
	return existing
}

// parseFindings pulls a JSON array of findings out of the model reply,
// tolerating prose around it.
func parseFindings(reply string) []domain.Finding {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil
	}

	var findings []domain.Finding
	if err := json.Unmarshal([]byte(reply[start:end+1]), &findings); err != nil {
		return nil
	}
	return findings
}
