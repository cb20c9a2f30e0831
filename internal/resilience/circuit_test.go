package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func transientErr() error {
	return NewChannelUnavailable("webhook", errors.New("gateway unreachable"), 503)
}

func TestCircuit_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return transientErr()
		})
	}

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open circuit, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuit_SuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return transientErr()
		})
	}
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return transientErr()
	})

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed circuit after reset, got %s", cb.State())
	}
}

func TestCircuit_NonTransientDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("permanent: bad payload")
		})
	}

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed circuit, got %s", cb.State())
	}
}

func TestCircuit_HalfOpenProbeRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return transientErr()
	})
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open circuit, got %s", cb.State())
	}

	// Before the reset timeout the probe is rejected.
	err := cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection before reset timeout, got %v", err)
	}

	// After the reset timeout a successful probe closes the circuit.
	now = now.Add(11 * time.Second)
	err = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if err != nil {
		t.Fatalf("probe should pass through, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed circuit after probe success, got %s", cb.State())
	}
}

func TestCircuit_HalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return transientErr()
	})

	now = now.Add(11 * time.Second)
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return transientErr()
	})

	if cb.State() != CircuitOpen {
		t.Errorf("expected reopened circuit after failed probe, got %s", cb.State())
	}
}

func TestCircuit_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return transientErr()
	})

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}
