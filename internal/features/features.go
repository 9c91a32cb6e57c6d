// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package features turns stored events into the fixed numeric feature
// table the detector consumes. Extraction is a batch pass: every derived
// column is computed over the whole batch, rows are ordered by timestamp,
// and the measurement columns are robust-scaled before the table is
// persisted. Column order is frozen; the model manifest is a projection
// of it.
package features

import (
	"math"
	"math/big"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"grimm.is/sml/internal/store"
)

// NumericColumns is the frozen order of the numeric columns of the
// preprocessed table. The label column `anomaly` is last; `event_id` is
// carried separately and appended when writing CSV.
var NumericColumns = []string{
	"src_ip_num", "dest_ip_num", "proto_code", "src_port", "dest_port",
	"alert_severity", "packet_length", "hour", "is_night", "ports_used",
	"conn_per_ip", "port_rarity", "ip_rarity", "conn_5m", "port_entropy",
	"failed_ratio", "hour_anomaly", "conn_velocity", "proto_pkt_mean",
	"proto_pkt_std", "proto_ports", "pkt_anomaly", "anomaly",
}

// ModelColumns is the manifest of columns fed to the detector: the
// measurement columns without the raw address encodings (unique per host,
// no predictive value) and without the label.
var ModelColumns = []string{
	"proto_code", "src_port", "dest_port", "alert_severity",
	"packet_length", "hour", "is_night", "ports_used", "conn_per_ip",
	"port_rarity", "ip_rarity", "conn_5m", "port_entropy", "failed_ratio",
	"hour_anomaly", "conn_velocity", "proto_pkt_mean", "proto_pkt_std",
	"proto_ports", "pkt_anomaly",
}

const (
	rarityEpsilon    = 1e-6
	entropySmoothing = 1e-10
	velocityWindow   = 5
	connWindow       = 5 * time.Minute

	// LabelUnknown marks rows from events captured outside training mode.
	LabelUnknown = -1
	// LabelNormal and LabelAnomaly mirror the stored training label.
	LabelNormal  = 0
	LabelAnomaly = 1
)

// Row is one event's feature vector, aligned with NumericColumns.
type Row struct {
	EventID string
	Values  []float64
}

// Table is the preprocessed feature table.
type Table struct {
	Rows []Row

	colIndex map[string]int
}

// NewTable returns an empty table with the frozen column layout.
func NewTable() *Table {
	t := &Table{colIndex: make(map[string]int, len(NumericColumns))}
	for i, c := range NumericColumns {
		t.colIndex[c] = i
	}
	return t
}

// ColumnIndex returns the position of a numeric column, or -1.
func (t *Table) ColumnIndex(name string) int {
	if i, ok := t.colIndex[name]; ok {
		return i
	}
	return -1
}

// Column returns one column as a slice.
func (t *Table) Column(name string) []float64 {
	i := t.ColumnIndex(name)
	if i < 0 {
		return nil
	}
	out := make([]float64, len(t.Rows))
	for j, r := range t.Rows {
		out[j] = r.Values[i]
	}
	return out
}

// Labels returns the anomaly column as ints.
func (t *Table) Labels() []int {
	i := t.ColumnIndex("anomaly")
	out := make([]int, len(t.Rows))
	for j, r := range t.Rows {
		out[j] = int(r.Values[i])
	}
	return out
}

// Matrix projects the table onto the given column order, one vector per
// row. Unknown columns impute zero; the caller warns on them.
func (t *Table) Matrix(cols []string) [][]float64 {
	out := make([][]float64, len(t.Rows))
	idx := make([]int, len(cols))
	for i, c := range cols {
		idx[i] = t.ColumnIndex(c)
	}
	for j, r := range t.Rows {
		vec := make([]float64, len(cols))
		for i, ci := range idx {
			if ci >= 0 {
				vec[i] = r.Values[ci]
			}
		}
		out[j] = vec
	}
	return out
}

// MissingColumns reports manifest columns the table cannot supply.
func (t *Table) MissingColumns(cols []string) []string {
	var missing []string
	for _, c := range cols {
		if t.ColumnIndex(c) < 0 {
			missing = append(missing, c)
		}
	}
	return missing
}

// Extract computes the feature table for a batch of events. The batch is
// ordered by timestamp (ties broken by hash) so that rolling windows and
// output row order are deterministic. Empty input yields an empty table.
func Extract(events []store.Event) *Table {
	t := NewTable()
	if len(events) == 0 {
		return t
	}

	batch := make([]store.Event, len(events))
	copy(batch, events)
	sort.SliceStable(batch, func(i, j int) bool {
		if !batch[i].Timestamp.Equal(batch[j].Timestamp) {
			return batch[i].Timestamp.Before(batch[j].Timestamp)
		}
		return batch[i].Hash < batch[j].Hash
	})

	protoCodes := protoCodes(batch)
	protoStats := protoStats(batch)
	src := srcAggregates(batch)
	portFreq := normalizedFreq(batch, func(e store.Event) string { return strconv.Itoa(e.DestPort) })
	ipFreq := normalizedFreq(batch, func(e store.Event) string { return e.DestIP })
	conn5m := rollingCounts(batch)
	velocity := connVelocities(batch)

	t.Rows = make([]Row, 0, len(batch))
	for i, ev := range batch {
		sa := src[ev.SrcIP]
		ps := protoStats[ev.Proto]
		hour, night := hourOfDay(ev.Timestamp)

		pktAnomaly := 0.0
		if math.Abs(float64(ev.PacketLength)-ps.mean) > 2*ps.std {
			pktAnomaly = 1
		}
		hourAnomaly := 0.0
		if math.Abs(hour-float64(sa.modalHour)) > 3 {
			hourAnomaly = 1
		}

		v := make([]float64, len(NumericColumns))
		v[0] = ipToNumeric(ev.SrcIP)
		v[1] = ipToNumeric(ev.DestIP)
		v[2] = float64(protoCodes[ev.Proto])
		v[3] = float64(ev.SrcPort)
		v[4] = float64(ev.DestPort)
		v[5] = float64(ev.AlertSeverity)
		v[6] = float64(ev.PacketLength)
		v[7] = hour
		v[8] = night
		v[9] = float64(sa.portsUsed)
		v[10] = float64(sa.connCount)
		v[11] = 1 / (rarityEpsilon + portFreq[strconv.Itoa(ev.DestPort)])
		v[12] = 1 / (rarityEpsilon + ipFreq[ev.DestIP])
		v[13] = conn5m[i]
		v[14] = sa.portEntropy
		v[15] = sa.failedRatio
		v[16] = hourAnomaly
		v[17] = velocity[i]
		v[18] = ps.mean
		v[19] = ps.std
		v[20] = float64(ps.distinctPorts)
		v[21] = pktAnomaly
		v[22] = float64(label(ev))

		t.Rows = append(t.Rows, Row{EventID: ev.Hash, Values: v})
	}
	return t
}

func label(ev store.Event) int {
	if !ev.TrainingMode {
		return LabelUnknown
	}
	if ev.TrainingLabel == "anomaly" {
		return LabelAnomaly
	}
	return LabelNormal
}

// ipToNumeric encodes an address as its integer form (IPv4 32-bit, IPv6
// 128-bit, widened to float64). Invalid addresses encode as 0.
func ipToNumeric(s string) float64 {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return 0
	}
	if addr.Is4() {
		b := addr.As4()
		return float64(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
	}
	b := addr.As16()
	f, _ := new(big.Float).SetInt(new(big.Int).SetBytes(b[:])).Float64()
	return f
}

// protoCodes assigns each proto its rank in the sorted set of distinct
// protos seen in the batch. Stable for a fixed batch composition.
func protoCodes(batch []store.Event) map[string]int {
	seen := map[string]struct{}{}
	for _, ev := range batch {
		seen[ev.Proto] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for p := range seen {
		names = append(names, p)
	}
	sort.Strings(names)
	codes := make(map[string]int, len(names))
	for i, p := range names {
		codes[p] = i
	}
	return codes
}

func hourOfDay(ts time.Time) (hour, night float64) {
	if ts.IsZero() {
		return 0, 1
	}
	h := float64(ts.UTC().Hour())
	if h < 7 || h > 20 {
		return h, 1
	}
	return h, 0
}

type protoStat struct {
	mean, std     float64
	distinctPorts int
}

// protoStats computes packet-length mean and sample stddev plus the
// distinct dest-port count per proto. A single sample has stddev 0.
func protoStats(batch []store.Event) map[string]protoStat {
	lengths := map[string][]float64{}
	ports := map[string]map[int]struct{}{}
	for _, ev := range batch {
		lengths[ev.Proto] = append(lengths[ev.Proto], float64(ev.PacketLength))
		if ports[ev.Proto] == nil {
			ports[ev.Proto] = map[int]struct{}{}
		}
		ports[ev.Proto][ev.DestPort] = struct{}{}
	}
	out := make(map[string]protoStat, len(lengths))
	for proto, xs := range lengths {
		var sum float64
		for _, x := range xs {
			sum += x
		}
		mean := sum / float64(len(xs))
		var std float64
		if len(xs) > 1 {
			var ss float64
			for _, x := range xs {
				d := x - mean
				ss += d * d
			}
			std = math.Sqrt(ss / float64(len(xs)-1))
		}
		out[proto] = protoStat{mean: mean, std: std, distinctPorts: len(ports[proto])}
	}
	return out
}

type srcAggregate struct {
	portsUsed   int
	connCount   int
	portEntropy float64
	failedRatio float64
	modalHour   int
}

// srcAggregates computes the per-source columns: distinct dest ports,
// event count, Shannon entropy of the dest-port distribution (natural
// log, smoothed), mean of severity>0 as the failed-connection proxy, and
// the modal hour (ties break toward the smaller hour).
func srcAggregates(batch []store.Event) map[string]srcAggregate {
	portCounts := map[string]map[int]int{}
	totals := map[string]int{}
	failed := map[string]int{}
	hourCounts := map[string][24]int{}

	for _, ev := range batch {
		if portCounts[ev.SrcIP] == nil {
			portCounts[ev.SrcIP] = map[int]int{}
		}
		portCounts[ev.SrcIP][ev.DestPort]++
		totals[ev.SrcIP]++
		if ev.AlertSeverity > 0 {
			failed[ev.SrcIP]++
		}
		h, _ := hourOfDay(ev.Timestamp)
		hc := hourCounts[ev.SrcIP]
		hc[int(h)]++
		hourCounts[ev.SrcIP] = hc
	}

	out := make(map[string]srcAggregate, len(totals))
	for src, total := range totals {
		var entropy float64
		for _, n := range portCounts[src] {
			p := float64(n) / float64(total)
			entropy -= p * math.Log(p+entropySmoothing)
		}
		modal, best := 0, -1
		for h, n := range hourCounts[src] {
			if n > best {
				modal, best = h, n
			}
		}
		out[src] = srcAggregate{
			portsUsed:   len(portCounts[src]),
			connCount:   total,
			portEntropy: entropy,
			failedRatio: float64(failed[src]) / float64(total),
			modalHour:   modal,
		}
	}
	return out
}

// normalizedFreq returns value → count/total over the batch.
func normalizedFreq(batch []store.Event, key func(store.Event) string) map[string]float64 {
	counts := map[string]int{}
	for _, ev := range batch {
		counts[key(ev)]++
	}
	out := make(map[string]float64, len(counts))
	for k, n := range counts {
		out[k] = float64(n) / float64(len(batch))
	}
	return out
}

// rollingCounts computes, per source, how many of its events fall in the
// trailing five-minute window ending at each event. The batch is already
// time-ordered. Rows without a parseable timestamp count 0.
func rollingCounts(batch []store.Event) []float64 {
	out := make([]float64, len(batch))
	perSrc := map[string][]int{}
	for i, ev := range batch {
		perSrc[ev.SrcIP] = append(perSrc[ev.SrcIP], i)
	}
	for _, idx := range perSrc {
		lo := 0
		for hi, i := range idx {
			if batch[i].Timestamp.IsZero() {
				continue
			}
			cutoff := batch[i].Timestamp.Add(-connWindow)
			for !batch[idx[lo]].Timestamp.After(cutoff) {
				lo++
			}
			out[i] = float64(hi - lo + 1)
		}
	}
	return out
}

// connVelocities computes the trailing mean of up to the last five
// inter-arrival gaps (seconds) per source. A source's first event, having
// no gap, scores 0.
func connVelocities(batch []store.Event) []float64 {
	out := make([]float64, len(batch))
	lastTS := map[string]time.Time{}
	gaps := map[string][]float64{}
	for i, ev := range batch {
		if prev, ok := lastTS[ev.SrcIP]; ok {
			gap := ev.Timestamp.Sub(prev).Seconds()
			g := append(gaps[ev.SrcIP], gap)
			if len(g) > velocityWindow {
				g = g[1:]
			}
			gaps[ev.SrcIP] = g
			var sum float64
			for _, x := range g {
				sum += x
			}
			out[i] = sum / float64(len(g))
		}
		lastTS[ev.SrcIP] = ev.Timestamp
	}
	return out
}

// RobustScale centers and scales each measurement column in place by
// (x − median)/IQR. A degenerate IQR scales by 1. The label column is
// left untouched so training can still select normal rows.
func (t *Table) RobustScale() {
	if len(t.Rows) == 0 {
		return
	}
	labelIdx := t.ColumnIndex("anomaly")
	for ci := range NumericColumns {
		if ci == labelIdx {
			continue
		}
		col := make([]float64, len(t.Rows))
		for j, r := range t.Rows {
			col[j] = r.Values[ci]
		}
		med := quantile(col, 0.5)
		iqr := quantile(col, 0.75) - quantile(col, 0.25)
		if iqr == 0 {
			iqr = 1
		}
		for j := range t.Rows {
			t.Rows[j].Values[ci] = (t.Rows[j].Values[ci] - med) / iqr
		}
	}
}

// quantile computes a linearly interpolated quantile over a copy of xs.
func quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Quantile is quantile exported for threshold selection.
func Quantile(xs []float64, q float64) float64 {
	return quantile(xs, q)
}
