package fastloop

import (
	"context"
	"testing"

	"github.com/beam-cloud/fastloop/loop"
)

func TestSchemaValidate(t *testing.T) {
	schema := EventSchema{
		Type: "pr_opened",
		Fields: map[string]FieldSpec{
			"repo_url": {Kind: FieldString, Required: true},
			"count":    {Kind: FieldNumber},
			"flags":    {Kind: FieldList},
			"meta":     {Kind: FieldObject},
			"anything": {Kind: FieldAny},
		},
	}

	cases := []struct {
		name     string
		payload  map[string]any
		wantErrs int
	}{
		{"valid minimal", map[string]any{"repo_url": "u"}, 0},
		{"valid full", map[string]any{
			"repo_url": "u",
			"count":    float64(3),
			"flags":    []any{"a"},
			"meta":     map[string]any{"k": "v"},
			"anything": true,
		}, 0},
		{"missing required", map[string]any{}, 1},
		{"wrong types", map[string]any{"repo_url": 1, "count": "three"}, 2},
		{"undeclared fields pass through", map[string]any{"repo_url": "u", "extra": 9}, 0},
		{"optional nil treated as absent", map[string]any{"repo_url": "u", "count": nil}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := schema.Validate(tc.payload)
			if len(errs) != tc.wantErrs {
				t.Fatalf("errors = %v, want %d", errs, tc.wantErrs)
			}
		})
	}
}

func TestRegisterEventRejectsDuplicates(t *testing.T) {
	app, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("building app: %v", err)
	}

	if err := app.RegisterEvent(EventSchema{Type: "ping"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := app.RegisterEvent(EventSchema{Type: "ping"}); err == nil {
		t.Fatal("duplicate type must be rejected")
	}
	if err := app.RegisterEvent(EventSchema{}); err == nil {
		t.Fatal("empty type must be rejected")
	}
}

func TestLoopRegistrationRules(t *testing.T) {
	app, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("building app: %v", err)
	}
	if err := app.RegisterEvent(EventSchema{Type: "go"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	noop := func(ctx context.Context, c *loop.Context) error { return nil }

	if err := app.Loop("", LoopOptions{StartEvent: "go"}, noop); err == nil {
		t.Fatal("empty name must be rejected")
	}
	if err := app.Loop("l", LoopOptions{}, noop); err == nil {
		t.Fatal("missing start event must be rejected")
	}
	if err := app.Loop("l", LoopOptions{StartEvent: "unregistered"}, noop); err == nil {
		t.Fatal("unregistered start event must be rejected")
	}
	if err := app.Loop("l", LoopOptions{StartEvent: "go"}, noop); err != nil {
		t.Fatalf("valid registration: %v", err)
	}
	if err := app.Loop("l", LoopOptions{StartEvent: "go"}, noop); err == nil {
		t.Fatal("duplicate loop name must be rejected")
	}
}
