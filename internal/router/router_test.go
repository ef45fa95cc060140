package router

import (
	"testing"

	"github.com/sendzone/sendzoned/internal/envelope"
	"github.com/sendzone/sendzoned/internal/xerrors"
)

func TestFindZoneFor_HeaderTakesPriority(t *testing.T) {
	tbl := Tables{
		RoutingHeaders:  map[string]map[string]string{"x-route": {"bulk": "zone-bulk"}},
		RecipientDomain: map[string]string{"example.org": "zone-recipient"},
		Default:         "zone-default",
	}
	env := &envelope.Envelope{From: "a@example.com"}
	headers := []HeaderLine{{Name: "X-Route", Value: "bulk"}}

	zone, err := tbl.FindZoneFor(env, headers, "b@example.org")
	if err != nil {
		t.Fatalf("FindZoneFor: %v", err)
	}
	if zone != "zone-bulk" {
		t.Fatalf("got %q, want zone-bulk", zone)
	}
}

func TestFindZoneFor_HeaderMatchesLastToFirst(t *testing.T) {
	tbl := Tables{
		RoutingHeaders: map[string]map[string]string{
			"x-route": {"first": "zone-first", "second": "zone-second"},
		},
	}
	headers := []HeaderLine{
		{Name: "X-Route", Value: "first"},
		{Name: "X-Route", Value: "second"},
	}
	zone, err := tbl.FindZoneFor(&envelope.Envelope{}, headers, "x@example.com")
	if err != nil {
		t.Fatalf("FindZoneFor: %v", err)
	}
	if zone != "zone-second" {
		t.Fatalf("got %q, want zone-second (last header wins)", zone)
	}
}

func TestFindZoneFor_SenderDomainBeforeRecipientDomain(t *testing.T) {
	tbl := Tables{
		SenderDomain:    map[string]string{"example.com": "zone-sender"},
		RecipientDomain: map[string]string{"example.org": "zone-recipient"},
	}
	zone, err := tbl.FindZoneFor(&envelope.Envelope{From: "a@example.com"}, nil, "b@example.org")
	if err != nil {
		t.Fatalf("FindZoneFor: %v", err)
	}
	if zone != "zone-sender" {
		t.Fatalf("got %q, want zone-sender", zone)
	}
}

func TestFindZoneFor_OriginBeforeDefault(t *testing.T) {
	tbl := Tables{
		Origin:  map[string]string{"198.51.100.1": "zone-origin"},
		Default: "zone-default",
	}
	zone, err := tbl.FindZoneFor(&envelope.Envelope{Origin: "198.51.100.1"}, nil, "x@example.com")
	if err != nil {
		t.Fatalf("FindZoneFor: %v", err)
	}
	if zone != "zone-origin" {
		t.Fatalf("got %q, want zone-origin", zone)
	}
}

func TestFindZoneFor_NoMatchNoDefaultBounces(t *testing.T) {
	tbl := Tables{}
	_, err := tbl.FindZoneFor(&envelope.Envelope{}, nil, "x@example.com")
	if err == nil {
		t.Fatal("expected an error when no zone resolves and no default is set")
	}
	if xerrors.IsTemporaryOrUnspec(err) {
		t.Fatal("expected a permanent error")
	}
}
