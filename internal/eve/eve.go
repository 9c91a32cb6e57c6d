// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package eve parses Suricata EVE records (line-delimited JSON) and
// normalizes them into stored events. The content hash computed here is
// the store's idempotency key: replaying a log line can never produce a
// second row.
package eve

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"grimm.is/sml/internal/errors"
	"grimm.is/sml/internal/store"
)

// Record is the subset of an EVE JSON object the pipeline reads.
type Record struct {
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	FlowID    int64           `json:"flow_id"`
	Proto     string          `json:"proto"`
	SrcIP     string          `json:"src_ip"`
	DestIP    string          `json:"dest_ip"`
	SrcPort   int             `json:"src_port"`
	DestPort  int             `json:"dest_port"`
	Alert     *alertObject    `json:"alert"`
	Packet    *packetObject   `json:"packet"`
	DNS       *dnsObject      `json:"dns"`
	TLS       *tlsObject      `json:"tls"`
	HTTP      *httpObject     `json:"http"`
	FileInfo  *fileinfoObject `json:"fileinfo"`
}

type alertObject struct {
	Severity  int    `json:"severity"`
	Signature string `json:"signature"`
}

type packetObject struct {
	Length int `json:"length"`
}

type dnsObject struct {
	RRName string `json:"rrname"`
}

type tlsObject struct {
	SNI string `json:"sni"`
}

type httpObject struct {
	Hostname string `json:"hostname"`
	URL      string `json:"url"`
}

type fileinfoObject struct {
	Magic    string `json:"magic"`
	MimeType string `json:"mime_type"`
}

// Parse decodes a single EVE line.
func Parse(line []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "malformed EVE line")
	}
	return &rec, nil
}

// timestampLayouts covers ISO-8601 as Suricata emits it: RFC 3339 with or
// without fractional seconds, numeric offsets with and without a colon,
// and a trailing Z.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999-0700",
	"2006-01-02T15:04:05-0700",
}

// ParseTimestamp parses an EVE timestamp into a UTC instant.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf(errors.KindParse, "unparseable timestamp %q", s)
}

// Hash derives the content hash that deduplicates events in the store.
// The field list is fixed; changing it invalidates every stored hash.
func (r *Record) Hash() string {
	fields := []string{
		r.EventType,
		r.Timestamp,
		r.SrcIP,
		r.DestIP,
		r.Proto,
		strconv.Itoa(r.SrcPort),
		strconv.Itoa(r.DestPort),
		strconv.FormatInt(r.FlowID, 10),
		r.alertSignature(),
		r.dnsQuery(),
		r.tlsSNI(),
		r.httpHostname(),
		r.httpURL(),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

func (r *Record) alertSignature() string {
	if r.Alert == nil {
		return ""
	}
	return r.Alert.Signature
}

func (r *Record) dnsQuery() string {
	if r.DNS == nil {
		return ""
	}
	return r.DNS.RRName
}

func (r *Record) tlsSNI() string {
	if r.TLS == nil {
		return ""
	}
	return r.TLS.SNI
}

func (r *Record) httpHostname() string {
	if r.HTTP == nil {
		return ""
	}
	return r.HTTP.Hostname
}

func (r *Record) httpURL() string {
	if r.HTTP == nil {
		return ""
	}
	return r.HTTP.URL
}

// Labeling carries the mode fields stamped onto an event at insertion time.
type Labeling struct {
	TrainingMode bool
	Label        string // normal | anomaly | unknown
	Session      string
}

// Normalize converts a parsed record into a store event with typed defaults
// for missing fields, and stamps the labeling. Mode fields are fixed here
// and never mutated by later passes.
func (r *Record) Normalize(lab Labeling) store.Event {
	ev := store.Event{
		Hash:      r.Hash(),
		EventType: r.EventType,
		FlowID:    r.FlowID,
		Proto:     strings.ToUpper(defaultString(r.Proto, "UNKNOWN")),
		SrcIP:     defaultString(r.SrcIP, "0.0.0.0"),
		DestIP:    defaultString(r.DestIP, "0.0.0.0"),
		SrcPort:   maxInt(r.SrcPort, 0),
		DestPort:  maxInt(r.DestPort, 0),
	}

	if ts, err := ParseTimestamp(r.Timestamp); err == nil {
		ev.Timestamp = ts
	}

	if r.Alert != nil {
		ev.AlertSeverity = maxInt(r.Alert.Severity, 0)
		ev.AlertSignature = r.Alert.Signature
	}
	if r.Packet != nil {
		ev.PacketLength = maxInt(r.Packet.Length, 0)
	}
	if r.DNS != nil {
		ev.DNSQuery = r.DNS.RRName
	}
	if r.TLS != nil {
		ev.TLSSNI = r.TLS.SNI
	}
	if r.HTTP != nil {
		ev.HTTPHostname = r.HTTP.Hostname
		ev.HTTPURL = r.HTTP.URL
	}
	if r.FileInfo != nil {
		ev.FileMagic = r.FileInfo.Magic
		ev.FileMime = r.FileInfo.MimeType
	}

	ev.TrainingMode = lab.TrainingMode
	if lab.TrainingMode {
		ev.TrainingLabel = lab.Label
		ev.TrainingSession = lab.Session
		if lab.Label == "anomaly" {
			ev.Anomaly = 1
		}
	} else {
		ev.TrainingLabel = "unknown"
	}
	ev.Processed = false

	return ev
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func maxInt(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}

// acceptedTrainingTypes are the event types ingested while training.
var acceptedTrainingTypes = map[string]struct{}{
	"flow": {}, "http": {}, "dns": {}, "tls": {}, "alert": {},
}

// Accepted reports whether the record's event type passes the mode filter:
// outside training only alerts are kept; in training the flow, http, dns,
// tls and alert types are all accepted.
func (r *Record) Accepted(training bool) bool {
	if !training {
		return r.EventType == "alert"
	}
	_, ok := acceptedTrainingTypes[r.EventType]
	return ok
}
