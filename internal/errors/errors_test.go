// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindParse, "malformed event line")
	if err.Error() != "malformed event line" {
		t.Errorf("expected 'malformed event line', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to ingest")
	if wrapped.Error() != "failed to ingest: malformed event line" {
		t.Errorf("expected 'failed to ingest: malformed event line', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindContract, "feature count mismatch")
	if GetKind(err) != KindContract {
		t.Errorf("expected KindContract, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(New(KindTransient, "database is locked")) {
		t.Error("KindTransient should be retryable")
	}
	if IsTransient(New(KindContract, "missing manifest")) {
		t.Error("KindContract should not be retryable")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindParse, "invalid address")
	err = Attr(err, "field", "src_ip")
	err = Attr(err, "value", "not-an-ip")

	attrs := GetAttributes(err)
	if attrs["field"] != "src_ip" {
		t.Errorf("expected src_ip, got %v", attrs["field"])
	}
	if attrs["value"] != "not-an-ip" {
		t.Errorf("expected not-an-ip, got %v", attrs["value"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "operation", "ingest")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["field"] != "src_ip" || allAttrs["operation"] != "ingest" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindTransient:  "transient",
		KindParse:      "parse",
		KindContract:   "contract",
		KindMode:       "mode",
		KindDegenerate: "degenerate",
		KindNotFound:   "not_found",
		KindUnknown:    "unknown",
	}
	for k, want := range cases {
		if k.String() != want {
			t.Errorf("Kind(%d).String() = %s, want %s", k, k.String(), want)
		}
	}
}
