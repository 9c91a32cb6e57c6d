// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rules turns scored anomalies into Suricata rules. The emitter
// is the only writer of the canonical rule file; a run scores one batch
// of unprocessed events, synthesizes rules under the anti-false-positive
// policy, rewrites the file atomically and asks the IDS to reload.
package rules

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"math/big"
	"net/netip"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"grimm.is/sml/internal/artifacts"
	"grimm.is/sml/internal/calibrate"
	"grimm.is/sml/internal/config"
	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/features"
	"grimm.is/sml/internal/logging"
	"grimm.is/sml/internal/metrics"
	"grimm.is/sml/internal/mode"
	"grimm.is/sml/internal/model"
	"grimm.is/sml/internal/store"
)

const (
	// SID bases. Port-scan aggregate rules live in [2000000, 2900000);
	// per-flow rules in [3000000, 3500000); contextual range rules in
	// [3000000, 3900000).
	portScanSIDBase  = 2000000
	portScanSIDRange = 900000
	flowSIDBase      = 3000000
	flowSIDRange     = 500000
	contextSIDBase   = 3000000
	contextSIDRange  = 900000

	// portScanFanout is the distinct-src-port threshold that marks a
	// source as scanning within one batch.
	portScanFanout = 10
	// historyFanout is the past-event count that earns a source a
	// contextual range rule.
	historyFanout = 10
)

// Outcome summarizes one emitter run.
type Outcome struct {
	Batch     int
	Anomalies int
	NewRules  int
	Reloaded  bool
	Training  bool
	Threshold float64
}

// Emitter scores unprocessed events and maintains the rule file.
type Emitter struct {
	store  *store.Store
	modes  *mode.Controller
	layout artifacts.Layout
	cfg    *config.Config
	logger *logging.Logger

	// Single-writer convention: concurrent runs would contend for the
	// rule file and the processed bit.
	mu sync.Mutex

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, name string, args ...string) (string, error)
}

// NewEmitter wires an Emitter.
func NewEmitter(s *store.Store, m *mode.Controller, layout artifacts.Layout, cfg *config.Config, logger *logging.Logger) *Emitter {
	if logger == nil {
		logger = logging.WithComponent("emitter")
	}
	return &Emitter{
		store:      s,
		modes:      m,
		layout:     layout,
		cfg:        cfg,
		logger:     logger,
		runCommand: runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// candidate is one scored event surviving the policy filters.
type candidate struct {
	event store.Event
	score float64
}

// Run executes one emitter batch. It returns a non-error Outcome for the
// empty and training cases; contract violations and write failures abort
// without advancing the processed flags.
func (e *Emitter) Run(ctx context.Context) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := time.Now()
	defer func() {
		metrics.BatchDuration.Observe(time.Since(started).Seconds())
	}()

	events, err := e.store.Unprocessed(ctx, e.cfg.Emitter.BatchSize)
	if err != nil {
		return Outcome{}, err
	}
	if len(events) == 0 {
		e.logger.Debug("No unprocessed events")
		return Outcome{}, nil
	}
	out := Outcome{Batch: len(events)}

	// Training short-circuit: these events are labeled corpus, not
	// candidates for blocking.
	st, err := e.modes.Current(ctx)
	if err != nil {
		return out, err
	}
	if st.Mode.Training() {
		e.logger.Info("Training mode active, marking batch processed without rules", "batch", len(events))
		out.Training = true
		return out, e.markProcessed(ctx, events)
	}

	scores, err := e.scoreBatch(events)
	if err != nil {
		return out, err
	}

	thr := e.threshold()
	out.Threshold = thr
	candidates, stats := e.filterCandidates(events, scores, thr)
	out.Anomalies = stats.anomalous
	if len(candidates) == 0 {
		e.logger.Info("No anomalies in batch", "batch", len(events), "threshold", thr)
		return out, e.markProcessed(ctx, events)
	}

	newRules, err := e.synthesize(ctx, candidates, stats, thr)
	if err != nil {
		return out, err
	}
	out.NewRules = len(newRules)

	if len(newRules) > 0 {
		if err := e.writeRules(newRules); err != nil {
			// File write failure aborts the batch: nothing is processed.
			return out, err
		}
		out.Reloaded = e.reload(ctx)
	}

	// The rule file is authoritative: processed advances regardless of
	// the reload result.
	return out, e.markProcessed(ctx, events)
}

func (e *Emitter) markProcessed(ctx context.Context, events []store.Event) error {
	hashes := make([]string, len(events))
	for i, ev := range events {
		hashes[i] = ev.Hash
	}
	return e.store.MarkProcessed(ctx, hashes)
}

// scoreBatch projects the batch onto the model's feature manifest and
// scores it. Manifest columns the extractor cannot supply impute zero
// with a warning; a model/manifest disagreement is a contract violation.
func (e *Emitter) scoreBatch(events []store.Event) ([]float64, error) {
	forest, err := model.Load(e.layout)
	if err != nil {
		return nil, err
	}
	manifest, err := model.LoadManifest(e.layout)
	if err != nil {
		return nil, err
	}
	if len(manifest) != len(forest.FeatureNames) {
		return nil, errors.Errorf(errors.KindContract,
			"manifest has %d columns, model expects %d", len(manifest), len(forest.FeatureNames))
	}

	table := features.Extract(events)
	table.RobustScale()
	if missing := table.MissingColumns(manifest); len(missing) > 0 {
		e.logger.Warn("Imputing zero for unknown manifest columns", "columns", strings.Join(missing, ","))
	}

	scores, err := forest.ScoreAll(table.Matrix(manifest))
	if err != nil {
		return nil, err
	}

	// Scores come back in the table's time-sorted order; re-key them to
	// the batch order by event hash.
	byID := make(map[string]float64, len(scores))
	for i, r := range table.Rows {
		byID[r.EventID] = scores[i]
	}
	out := make([]float64, len(events))
	for i, ev := range events {
		out[i] = byID[ev.Hash]
		metrics.Scores.Observe(out[i])
	}
	return out, nil
}

// threshold loads the calibrated artifact, falling back to the configured
// constant when none exists.
func (e *Emitter) threshold() float64 {
	thr, err := calibrate.LoadThreshold(e.layout)
	if err != nil {
		if errors.GetKind(err) != errors.KindNotFound {
			e.logger.WithError(err).Warn("Threshold artifact unreadable, using configured fallback")
		}
		return e.cfg.Policy.AnomalyThreshold
	}
	return thr
}

// flowKey identifies a (src_ip, dest_port) pair for batch frequency.
type flowKey struct {
	srcIP    string
	destPort int
}

// batchStats carries the pre-deduplication aggregates of the anomalous
// rows: per-(src_ip, dest_port) frequency for the drop gate and the
// per-source port fanout for scan detection.
type batchStats struct {
	anomalous int
	freq      map[flowKey]int
	srcPorts  map[string]map[int]struct{}
	srcOrder  []string
}

// filterCandidates applies the anti-false-positive policy: local-service
// destinations are exempt, only below-threshold scores survive. The
// frequency and fanout aggregates are counted before deduplication per
// (proto, src_ip, dest_ip, dest_port), which keeps the lowest score.
func (e *Emitter) filterCandidates(events []store.Event, scores []float64, thr float64) ([]candidate, batchStats) {
	local := e.cfg.Policy.LocalServiceSet()

	type key struct {
		proto, srcIP, destIP string
		destPort             int
	}
	stats := batchStats{
		freq:     map[flowKey]int{},
		srcPorts: map[string]map[int]struct{}{},
	}
	best := map[key]candidate{}
	var order []key
	for i, ev := range events {
		if _, protected := local[ev.DestIP]; protected {
			continue
		}
		if scores[i] >= thr {
			continue
		}
		stats.anomalous++
		stats.freq[flowKey{srcIP: ev.SrcIP, destPort: ev.DestPort}]++
		if stats.srcPorts[ev.SrcIP] == nil {
			stats.srcPorts[ev.SrcIP] = map[int]struct{}{}
			stats.srcOrder = append(stats.srcOrder, ev.SrcIP)
		}
		stats.srcPorts[ev.SrcIP][ev.SrcPort] = struct{}{}

		k := key{proto: ev.Proto, srcIP: ev.SrcIP, destIP: ev.DestIP, destPort: ev.DestPort}
		if prev, seen := best[k]; seen {
			if scores[i] < prev.score {
				best[k] = candidate{event: ev, score: scores[i]}
			}
			continue
		}
		best[k] = candidate{event: ev, score: scores[i]}
		order = append(order, k)
	}

	out := make([]candidate, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out, stats
}

// synthesize builds the new rule lines for a candidate set: the port-scan
// aggregate per fanning-out source, one per-flow rule per candidate, and
// contextual range rules from historical aggregates. Lines already in the
// rule file (by text or by pattern) are skipped.
func (e *Emitter) synthesize(ctx context.Context, candidates []candidate, stats batchStats, thr float64) ([]string, error) {
	existing, patterns, _, err := loadExisting(e.cfg.RulesPath())
	if err != nil {
		return nil, err
	}

	var newRules []string
	add := func(rule string) bool {
		pattern := rulePattern(rule)
		if _, dup := existing[rule]; dup {
			return false
		}
		if _, dup := patterns[pattern]; dup {
			return false
		}
		newRules = append(newRules, rule)
		patterns[pattern] = struct{}{}
		return true
	}

	// Port-scan aggregation: one alert rule per source fanning out over
	// more than portScanFanout distinct source ports in this batch.
	for _, src := range stats.srcOrder {
		if len(stats.srcPorts[src]) <= portScanFanout {
			continue
		}
		ip, err := netip.ParseAddr(src)
		if err != nil {
			e.logger.Warn("Skipping port-scan rule for unparseable source", "src_ip", src)
			continue
		}
		sid := portScanSIDBase + hashMod(ip.String(), portScanSIDRange)
		rule := fmt.Sprintf(`alert ip %s any -> any any (msg:"Detected port scanning activity from %s"; sid:%d; rev:1;)`,
			ip, ip, sid)
		if add(rule) {
			metrics.RulesEmitted.WithLabelValues("portscan").Inc()
			e.logger.Info("Port-scan rule added", "src_ip", src, "ports", len(stats.srcPorts[src]), "sid", sid)
		}
	}

	// Per-flow rules.
	alertOnly := e.cfg.Policy.AlertOnlyPortSet()
	for _, c := range candidates {
		rule, action, ok := e.flowRule(c, stats.freq[flowKey{srcIP: c.event.SrcIP, destPort: c.event.DestPort}], alertOnly, thr)
		if !ok {
			continue
		}
		if add(rule) {
			metrics.RulesEmitted.WithLabelValues(action).Inc()
		}
	}

	// Contextual range rules from long-lived history.
	ctxRules, err := e.contextualRules(ctx, stats.srcOrder)
	if err != nil {
		e.logger.WithError(err).Warn("Skipping contextual rules")
	} else {
		for _, rule := range ctxRules {
			if add(rule) {
				metrics.RulesEmitted.WithLabelValues("contextual").Inc()
			}
		}
	}

	return newRules, nil
}

// flowRule renders one per-flow rule. Rows outside {tcp,udp} or without a
// real destination port are skipped; alert-only ports and the policy
// gates decide drop versus alert.
func (e *Emitter) flowRule(c candidate, batchFreq int, alertOnly map[int]struct{}, thr float64) (rule, action string, ok bool) {
	ev := c.event
	proto := strings.ToLower(ev.Proto)
	if proto != "tcp" && proto != "udp" {
		return "", "", false
	}
	if ev.DestPort <= 0 {
		return "", "", false
	}
	srcIP, err1 := netip.ParseAddr(ev.SrcIP)
	destIP, err2 := netip.ParseAddr(ev.DestIP)
	if err1 != nil || err2 != nil {
		return "", "", false
	}

	_, alertOnlyPort := alertOnly[ev.DestPort]
	shouldDrop := ev.AlertSeverity >= e.cfg.Policy.MinSeverityToDrop &&
		batchFreq >= e.cfg.Policy.MinFreqToDrop &&
		!alertOnlyPort

	action = "alert"
	severityStr := "suspicious"
	if shouldDrop && c.score < thr {
		action = "drop"
		severityStr = "HIGH risk"
	}

	sid := flowSIDBase + hashMod(fmt.Sprintf("%s-%s-%s-%d-%d-%d-%g",
		srcIP, destIP, proto, ev.DestPort, ev.AlertSeverity, ev.PacketLength, roundTo(c.score, 3)), flowSIDRange)

	rule = fmt.Sprintf(`%s %s %s %d -> %s %d (msg:"%s traffic (score: %.2f, len: %d, severity: %d, thr: %.2f)"; sid:%d; rev:1;)`,
		action, proto, srcIP, ev.SrcPort, destIP, ev.DestPort,
		severityStr, c.score, ev.PacketLength, ev.AlertSeverity, thr, sid)
	return rule, action, true
}

// contextualRules emits an alert over the historically observed dest-port
// range for sources with more than historyFanout past events.
func (e *Emitter) contextualRules(ctx context.Context, srcIPs []string) ([]string, error) {
	if len(srcIPs) == 0 {
		return nil, nil
	}
	histories, err := e.store.SourceHistories(ctx, srcIPs)
	if err != nil {
		return nil, err
	}

	var rules []string
	for _, src := range srcIPs {
		h, ok := histories[src]
		if !ok || h.Count <= historyFanout {
			continue
		}
		ip, err := netip.ParseAddr(src)
		if err != nil {
			continue
		}
		if h.MinDestPort <= 0 || h.MaxDestPort < h.MinDestPort {
			continue
		}
		sid := contextSIDBase + hashMod(ip.String()+"-range", contextSIDRange)
		rules = append(rules, fmt.Sprintf(
			`alert ip %s any -> any %d:%d (msg:"Persistent anomalous source %s (%d events)"; sid:%d; rev:1;)`,
			ip, h.MinDestPort, h.MaxDestPort, ip, h.Count, sid))
	}
	sort.Strings(rules)
	return rules, nil
}

// loadExisting reads the current rule file into text and pattern sets,
// plus the comment lines in file order so rewrites can carry them
// through verbatim. A missing file is an empty set.
func loadExisting(path string) (existing, patterns map[string]struct{}, comments []string, err error) {
	existing = map[string]struct{}{}
	patterns = map[string]struct{}{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return existing, patterns, nil, nil
		}
		return nil, nil, nil, errors.Wrapf(err, errors.KindTransient, "failed to read rule file %s", path)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			comments = append(comments, line)
			continue
		}
		existing[line] = struct{}{}
		patterns[rulePattern(line)] = struct{}{}
	}
	return existing, patterns, comments, nil
}

// rulePattern is everything before the first '(' — the match portion.
func rulePattern(rule string) string {
	if i := strings.IndexByte(rule, '('); i >= 0 {
		return strings.TrimSpace(rule[:i])
	}
	return strings.TrimSpace(rule)
}

// writeRules rewrites the rule file atomically: comment lines and lines
// the core did not emit (anything not starting with "drop ip"/"alert ip"
// and our own tcp/udp flow rules) are preserved, the new rules are
// appended.
func (e *Emitter) writeRules(newRules []string) error {
	existing, _, comments, err := loadExisting(e.cfg.RulesPath())
	if err != nil {
		return err
	}

	var kept []string
	for line := range existing {
		if isCoreRule(line) {
			kept = append(kept, line)
		}
	}
	sort.Strings(kept) // set iteration order is random; keep the file stable

	var manual []string
	for line := range existing {
		if !isCoreRule(line) {
			manual = append(manual, line)
		}
	}
	sort.Strings(manual)

	var b strings.Builder
	for _, line := range comments {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, line := range manual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, line := range kept {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, line := range newRules {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	if err := artifacts.WriteFileAtomic(e.cfg.RulesPath(), []byte(b.String()), 0644); err != nil {
		return err
	}
	e.logger.Info("Rule file written",
		"path", e.cfg.RulesPath(), "new", len(newRules), "kept", len(kept), "manual", len(manual))
	return nil
}

// isCoreRule reports whether a line was emitted by this pipeline: the
// ip-aggregate forms plus our own per-flow drop/alert tcp/udp rules.
func isCoreRule(line string) bool {
	for _, prefix := range []string{
		"drop ip ", "alert ip ",
		"drop tcp ", "alert tcp ", "drop udp ", "alert udp ",
	} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// reload asks the IDS to reload its rules. Success requires exit code 0
// and an OK marker on stdout; failure is logged but never rolls back the
// file write.
func (e *Emitter) reload(ctx context.Context) bool {
	timeout, err := e.cfg.ReloadTimeout()
	if err != nil {
		timeout = 35 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.runCommand(cctx, e.cfg.SuricataCtl, "-c", "reload-rules")
	if err == nil && strings.Contains(out, "OK") {
		metrics.ReloadResults.WithLabelValues("ok").Inc()
		e.logger.Info("IDS rules reloaded")
		return true
	}
	metrics.ReloadResults.WithLabelValues("error").Inc()
	e.logger.Warn("IDS reload failed, rule file remains authoritative",
		"error", err, "output", strings.TrimSpace(out))
	return false
}

// hashMod maps a string to [0, mod) via SHA-256, matching the stable SID
// derivation used since the first rule generation pass.
func hashMod(s string, mod int64) int64 {
	sum := sha256.Sum256([]byte(s))
	n := new(big.Int).SetBytes(sum[:])
	return new(big.Int).Mod(n, big.NewInt(mod)).Int64()
}

// roundTo rounds v to the given number of decimal places.
func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
