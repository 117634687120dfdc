package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRegistryValidateForAppendNormalizes(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Type: "study.created"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	stamp := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.FixedZone("X", 3600))

	got, err := registry.ValidateForAppend(Event{
		StreamID:    "  s-1 ",
		Type:        "study.created",
		Timestamp:   stamp,
		PayloadJSON: []byte("{ \"name\" : \"A\" }"),
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.StreamID != "s-1" {
		t.Fatalf("stream id = %q, want s-1", got.StreamID)
	}
	if string(got.PayloadJSON) != `{"name":"A"}` {
		t.Fatalf("payload = %s", got.PayloadJSON)
	}
	if got.Timestamp.Location() != time.UTC || got.Timestamp.Nanosecond() != 123000000 {
		t.Fatalf("timestamp = %v, want UTC truncated to ms", got.Timestamp)
	}
}

func TestRegistryValidateForAppendRejects(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{
		Type: "study.suspended",
		ValidatePayload: func(raw json.RawMessage) error {
			var payload struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return err
			}
			if payload.Reason == "" {
				return errors.New("reason is required")
			}
			return nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := []struct {
		name string
		evt  Event
		want error
	}{
		{name: "missing stream", evt: Event{Type: "study.suspended"}, want: ErrStreamIDRequired},
		{name: "missing type", evt: Event{StreamID: "s"}, want: ErrTypeRequired},
		{name: "unknown type", evt: Event{StreamID: "s", Type: "study.unknown"}, want: ErrTypeUnknown},
		{name: "bad json", evt: Event{StreamID: "s", Type: "study.suspended", PayloadJSON: []byte("{")}, want: ErrPayloadInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.ValidateForAppend(tc.evt)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := registry.ValidateForAppend(Event{StreamID: "s", Type: "study.suspended", PayloadJSON: []byte(`{}`)}); err == nil {
		t.Fatal("expected payload validator to reject empty reason")
	}
}

func TestRegistryRegisterRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Type: "study.created"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(Definition{Type: "study.created"}); !errors.Is(err, ErrTypeAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrTypeAlreadyRegistered", err)
	}
	if err := registry.Register(Definition{Type: " "}); !errors.Is(err, ErrTypeRequired) {
		t.Fatalf("err = %v, want ErrTypeRequired", err)
	}
	if got := registry.Types(); len(got) != 1 || got[0] != "study.created" {
		t.Fatalf("types = %v", got)
	}
}
