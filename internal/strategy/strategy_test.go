package strategy

import (
	"errors"
	"testing"

	"evbacktest/internal/domain"
	"evbacktest/internal/engine"
)

// stubStrategy is a minimal Strategy implementation used in registry tests.
type stubStrategy struct {
	name string
	thr  float64
}

func (s *stubStrategy) Name() string                   { return s.name }
func (s *stubStrategy) Decide(Context) engine.Decision { return engine.Hold() }

func stubFactory(name string) Factory {
	return func(thr float64) (Strategy, error) { return &stubStrategy{name: name, thr: thr}, nil }
}

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	r.Register("test-strategy", stubFactory("test-strategy"))

	if !r.Has("test-strategy") {
		t.Fatal("Has returned false for registered strategy")
	}
	got, err := r.New("test-strategy", 1.5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got.Name() != "test-strategy" {
		t.Errorf("New returned strategy with Name() = %q, want %q", got.Name(), "test-strategy")
	}
	if thr := got.(*stubStrategy).thr; thr != 1.5 {
		t.Errorf("factory got threshold %v, want 1.5", thr)
	}
}

func TestRegistryNew_NotFound(t *testing.T) {
	r := NewRegistry()
	if r.Has("nonexistent") {
		t.Error("Has returned true for unregistered strategy")
	}
	if _, err := r.New("nonexistent", 1); !errors.Is(err, domain.ErrInvalidConfiguration) {
		t.Errorf("New(nonexistent) error = %v, want ErrInvalidConfiguration", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register("beta", stubFactory("beta"))
	r.Register("alpha", stubFactory("alpha"))

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	// List returns sorted names.
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
}

func TestParamsValidate(t *testing.T) {
	valid := Params{Strategy: "x", InitialAmount: 1000, SMAWindow: 24, Threshold: 2}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate(valid) = %v", err)
	}

	tests := []struct {
		name string
		mod  func(p *Params)
	}{
		{"zero amount", func(p *Params) { p.InitialAmount = 0 }},
		{"negative amount", func(p *Params) { p.InitialAmount = -5 }},
		{"zero window", func(p *Params) { p.SMAWindow = 0 }},
		{"zero threshold", func(p *Params) { p.Threshold = 0 }},
		{"no strategy", func(p *Params) { p.Strategy = "" }},
		{"negative fixed cost", func(p *Params) { p.Costs.Fixed = -1 }},
		{"negative proportional cost", func(p *Params) { p.Costs.Proportional = -0.01 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mod(&p)
			if err := p.Validate(); !errors.Is(err, domain.ErrInvalidConfiguration) {
				t.Errorf("Validate() = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}
