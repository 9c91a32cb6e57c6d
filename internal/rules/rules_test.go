// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sml/internal/artifacts"
	"grimm.is/sml/internal/config"
	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/features"
	"grimm.is/sml/internal/mode"
	"grimm.is/sml/internal/model"
	"grimm.is/sml/internal/store"
)

type fixture struct {
	store   *store.Store
	modes   *mode.Controller
	layout  artifacts.Layout
	cfg     *config.Config
	emitter *Emitter
	reloads []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.DBPath = "unused"
	cfg.ModelDir = t.TempDir()
	cfg.RulesDir = t.TempDir()

	f := &fixture{
		store:  s,
		modes:  mode.NewController(s, nil),
		layout: artifacts.NewLayout(cfg.ModelDir),
		cfg:    cfg,
	}
	f.emitter = NewEmitter(s, f.modes, f.layout, cfg, nil)
	f.emitter.runCommand = func(ctx context.Context, name string, args ...string) (string, error) {
		f.reloads = append(f.reloads, name+" "+strings.Join(args, " "))
		return "Success:\nOK\n", nil
	}

	f.seedModel(t)
	return f
}

// seedModel trains a small forest on bland traffic so scoring works; the
// tests steer decisions through the threshold artifact instead.
func (f *fixture) seedModel(t *testing.T) {
	t.Helper()
	base := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)
	var events []store.Event
	for i := 0; i < 60; i++ {
		events = append(events, store.Event{
			Hash:         fmt.Sprintf("train-%03d", i),
			EventType:    "flow",
			Timestamp:    base.Add(time.Duration(i) * time.Second),
			Proto:        "TCP",
			SrcIP:        "10.0.0.2",
			DestIP:       "192.168.10.20",
			SrcPort:      40000 + i,
			DestPort:     443,
			PacketLength: 500,
		})
	}
	table := features.Extract(events)
	table.RobustScale()
	forest, err := model.Train(table.Matrix(features.ModelColumns), features.ModelColumns, model.Options{})
	require.NoError(t, err)
	require.NoError(t, model.Save(f.layout, forest))
}

func (f *fixture) setThreshold(t *testing.T, thr float64) {
	t.Helper()
	require.NoError(t, artifacts.WriteFileAtomic(f.layout.SelectedThreshold(),
		[]byte(strconv.FormatFloat(thr, 'g', -1, 64)+"\n"), 0644))
}

func (f *fixture) insert(t *testing.T, ev store.Event) {
	t.Helper()
	outcome, err := f.store.InsertIfNew(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, store.Inserted, outcome)
}

func scanEvent(i int, destPort, severity int) store.Event {
	return store.Event{
		Hash:          fmt.Sprintf("scan-%03d", i),
		EventType:     "alert",
		Timestamp:     time.Date(2026, 2, 3, 10, 0, i, 0, time.UTC),
		Proto:         "TCP",
		SrcIP:         "10.0.0.5",
		DestIP:        "192.168.10.20",
		SrcPort:       1001 + i,
		DestPort:      destPort,
		PacketLength:  60,
		AlertSeverity: severity,
	}
}

func (f *fixture) rulesFile(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.cfg.RulesPath())
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func TestPortScanAggregation(t *testing.T) {
	f := newFixture(t)
	f.setThreshold(t, 100) // everything scores below: all candidates

	// Eleven events from one source over distinct source ports.
	for i := 0; i < 11; i++ {
		f.insert(t, scanEvent(i, 80, 3))
	}

	out, err := f.emitter.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 11, out.Batch)
	assert.Equal(t, 11, out.Anomalies)

	content := f.rulesFile(t)
	scanRules := regexp.MustCompile(`(?m)^alert ip 10\.0\.0\.5 any -> any any .*$`).FindAllString(content, -1)
	require.Len(t, scanRules, 1, "exactly one port-scan rule")

	sidRe := regexp.MustCompile(`sid:(\d+);`)
	sid, err := strconv.Atoi(sidRe.FindStringSubmatch(scanRules[0])[1])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sid, 2000000)
	assert.Less(t, sid, 2900000)

	// The per-flow rules collapse to one line for the repeated 4-tuple.
	flowRules := regexp.MustCompile(`(?m)^(alert|drop) tcp .*$`).FindAllString(content, -1)
	assert.Len(t, flowRules, 1)
}

func TestAlertOnlyPortNeverDrops(t *testing.T) {
	f := newFixture(t)
	f.setThreshold(t, 100)

	// High severity, high frequency, but 443 is alert-only.
	for i := 0; i < 6; i++ {
		ev := scanEvent(i, 443, 3)
		ev.SrcPort = 1001 // keep fanout under the scan threshold
		ev.Hash = fmt.Sprintf("ao-%03d", i)
		ev.DestIP = fmt.Sprintf("192.168.10.%d", 30+i) // distinct flows
		f.insert(t, ev)
	}

	_, err := f.emitter.Run(context.Background())
	require.NoError(t, err)

	content := f.rulesFile(t)
	assert.NotContains(t, content, "drop ")
	assert.Contains(t, content, "alert tcp 10.0.0.5")
}

func TestDropRequiresSeverityAndFrequency(t *testing.T) {
	f := newFixture(t)
	f.setThreshold(t, 100)

	// Six repeats on a non-alert-only port with qualifying severity.
	for i := 0; i < 6; i++ {
		ev := scanEvent(i, 8443, 2)
		ev.SrcPort = 1001
		ev.Hash = fmt.Sprintf("drop-%03d", i)
		f.insert(t, ev)
	}
	// A single low-severity event elsewhere stays an alert.
	lone := scanEvent(50, 9000, 1)
	lone.SrcPort = 2001
	lone.Hash = "lone-event"
	f.insert(t, lone)

	_, err := f.emitter.Run(context.Background())
	require.NoError(t, err)

	content := f.rulesFile(t)
	assert.Contains(t, content, "drop tcp 10.0.0.5 1001 -> 192.168.10.20 8443")
	assert.Contains(t, content, "alert tcp 10.0.0.5 2001 -> 192.168.10.20 9000")
}

func TestLocalServicesExcluded(t *testing.T) {
	f := newFixture(t)
	f.setThreshold(t, 100)

	ev := scanEvent(0, 8443, 3)
	ev.DestIP = "10.0.2.3" // configured local service
	f.insert(t, ev)

	out, err := f.emitter.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, out.Anomalies)
	assert.NotContains(t, f.rulesFile(t), "10.0.2.3")
}

func TestTrainingModeShortCircuits(t *testing.T) {
	f := newFixture(t)
	_, err := f.modes.Set(context.Background(), mode.Normal, true)
	require.NoError(t, err)

	f.insert(t, scanEvent(0, 80, 3))

	out, err := f.emitter.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Training)
	assert.Zero(t, out.NewRules)
	assert.Empty(t, f.rulesFile(t))

	left, err := f.store.Unprocessed(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, left, "training batch still marks processed")
}

func TestProcessedAdvancesDespiteReloadFailure(t *testing.T) {
	f := newFixture(t)
	f.setThreshold(t, 100)
	f.emitter.runCommand = func(ctx context.Context, name string, args ...string) (string, error) {
		return "socket error", fmt.Errorf("exit status 1")
	}

	for i := 0; i < 11; i++ {
		f.insert(t, scanEvent(i, 80, 3))
	}

	out, err := f.emitter.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, out.Reloaded)
	assert.NotEmpty(t, f.rulesFile(t), "rule file written despite reload failure")

	left, err := f.store.Unprocessed(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestWriteFailureLeavesBatchUnprocessed(t *testing.T) {
	f := newFixture(t)
	f.setThreshold(t, 100)
	// Point the rule path below a regular file so the write must fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	f.cfg.RulesDir = filepath.Join(blocker, "rules")

	for i := 0; i < 11; i++ {
		f.insert(t, scanEvent(i, 80, 3))
	}

	_, err := f.emitter.Run(context.Background())
	require.Error(t, err)

	left, err := f.store.Unprocessed(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, left, 11, "no events advance on write failure")
}

func TestMissingModelAborts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.layout.Model()))
	f.insert(t, scanEvent(0, 80, 3))

	_, err := f.emitter.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	left, lerr := f.store.Unprocessed(context.Background(), 10)
	require.NoError(t, lerr)
	assert.Len(t, left, 1)
}

func TestThresholdFallsBackToConfig(t *testing.T) {
	f := newFixture(t)
	// No threshold artifact: the configured constant applies and nothing
	// in this bland batch scores far enough below it.
	f.insert(t, scanEvent(0, 80, 3))

	out, err := f.emitter.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.cfg.Policy.AnomalyThreshold, out.Threshold)
}

func TestRunsAreDeterministicAndIdempotent(t *testing.T) {
	f := newFixture(t)
	f.setThreshold(t, 100)

	for i := 0; i < 11; i++ {
		f.insert(t, scanEvent(i, 80, 3))
	}
	_, err := f.emitter.Run(context.Background())
	require.NoError(t, err)
	first := f.rulesFile(t)

	// Re-inject the same traffic; patterns already on disk are not
	// duplicated and the file keeps every previous line.
	for i := 0; i < 11; i++ {
		ev := scanEvent(i, 80, 3)
		ev.Hash = fmt.Sprintf("again-%03d", i)
		f.insert(t, ev)
	}
	out, err := f.emitter.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, out.NewRules)

	second := f.rulesFile(t)
	assert.ElementsMatch(t, strings.Fields(first), strings.Fields(second))

	lines := map[string]int{}
	for _, l := range strings.Split(strings.TrimSpace(second), "\n") {
		lines[l]++
	}
	for l, n := range lines {
		assert.Equal(t, 1, n, "duplicate rule line: %s", l)
	}
}

func TestManualRulesSurviveRewrite(t *testing.T) {
	f := newFixture(t)
	f.setThreshold(t, 100)

	manual := `pass tcp any any -> any 22 (msg:"operator exemption"; sid:99; rev:1;)`
	require.NoError(t, os.MkdirAll(f.cfg.RulesDir, 0o755))
	require.NoError(t, os.WriteFile(f.cfg.RulesPath(),
		[]byte("# operator rules\n"+manual+"\n"), 0o644))

	for i := 0; i < 11; i++ {
		f.insert(t, scanEvent(i, 80, 3))
	}
	_, err := f.emitter.Run(context.Background())
	require.NoError(t, err)

	content := f.rulesFile(t)
	assert.Contains(t, content, manual)
	// Comment lines ride through the rewrite verbatim.
	assert.Contains(t, content, "# operator rules")
}

func TestContextualRuleForPersistentSource(t *testing.T) {
	f := newFixture(t)
	f.setThreshold(t, 100)

	// History: a dozen already-processed events across a port range.
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		ev := scanEvent(i, 2000+i*100, 1)
		ev.Hash = fmt.Sprintf("hist-%03d", i)
		f.insert(t, ev)
	}
	var hashes []string
	for i := 0; i < 12; i++ {
		hashes = append(hashes, fmt.Sprintf("hist-%03d", i))
	}
	require.NoError(t, f.store.MarkProcessed(ctx, hashes))

	// Fresh anomaly from the same source.
	ev := scanEvent(99, 8443, 2)
	ev.Hash = "fresh-anomaly"
	f.insert(t, ev)

	_, err := f.emitter.Run(ctx)
	require.NoError(t, err)

	content := f.rulesFile(t)
	ctxRules := regexp.MustCompile(`(?m)^alert ip 10\.0\.0\.5 any -> any 2000:8443 .*$`).FindAllString(content, -1)
	require.Len(t, ctxRules, 1)
	sid, err := strconv.Atoi(regexp.MustCompile(`sid:(\d+);`).FindStringSubmatch(ctxRules[0])[1])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sid, 3000000)
	assert.Less(t, sid, 3900000)
}

func TestReloadInvocation(t *testing.T) {
	f := newFixture(t)
	f.setThreshold(t, 100)

	for i := 0; i < 11; i++ {
		f.insert(t, scanEvent(i, 80, 3))
	}
	out, err := f.emitter.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Reloaded)
	require.Len(t, f.reloads, 1)
	assert.Equal(t, "suricatasc -c reload-rules", f.reloads[0])
}
