// Copyright 2025 James Ross
package queue

import (
	"testing"
)

func TestContentHashIsCaseInsensitiveOnTitleAndCompany(t *testing.T) {
	a := NewJob("Data Analyst", "Acme", "https://x/1")
	b := NewJob("data analyst", "ACME", "https://x/1")
	if a.ContentHash() != b.ContentHash() {
		t.Fatalf("expected equal hashes for case variants")
	}
	c := NewJob("Data Analyst", "Acme", "https://x/2")
	if a.ContentHash() == c.ContentHash() {
		t.Fatalf("expected different hashes for different urls")
	}
}

func TestMarshalPreservesDeadLetterFields(t *testing.T) {
	j := NewJob("X", "Y", "u")
	j.ErrorReason = "missing_required_fields"
	j.FailedAt = "2025-06-01T10:00:00Z"
	j.Stage = "processing"
	s, err := j.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalJob(s)
	if err != nil {
		t.Fatal(err)
	}
	if got.ErrorReason != j.ErrorReason || got.FailedAt != j.FailedAt || got.Stage != j.Stage {
		t.Fatalf("dead-letter fields lost in round trip: %+v", got)
	}
}

func TestUnmarshalKeepsUnknownProducerFields(t *testing.T) {
	payload := `{"title":"T","company":"C","raw_data":{"novel_field":"kept","rank":3}}`
	j, err := UnmarshalJob(payload)
	if err != nil {
		t.Fatal(err)
	}
	if j.RawData["novel_field"] != "kept" {
		t.Fatalf("expected raw_data passthrough, got %#v", j.RawData)
	}
}

func TestToMapContainsCoreFields(t *testing.T) {
	j := NewJob("Engineer", "Acme", "u1")
	m := j.ToMap()
	if m["title"] != "Engineer" || m["company"] != "Acme" {
		t.Fatalf("unexpected map: %#v", m)
	}
	if _, ok := m["content_hash"]; ok {
		t.Fatalf("content hash is derived, not serialized")
	}
}
