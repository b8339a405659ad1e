package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

func comp(name string, order *[]string, startErr error) Component {
	return Func{
		ComponentName: name,
		OnStart: func(ctx context.Context) error {
			if startErr != nil {
				return startErr
			}
			*order = append(*order, "start:"+name)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			*order = append(*order, "stop:"+name)
			return nil
		},
	}
}

func TestStartupAndTeardownOrder(t *testing.T) {
	var order []string
	m := NewManager()
	m.Add(comp("transport", &order, nil))
	m.Add(comp("codec", &order, nil))
	m.Add(comp("session", &order, nil))

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{
		"start:transport", "start:codec", "start:session",
		"stop:session", "stop:codec", "stop:transport",
	}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s (full: %v)", i, order[i], want[i], order)
		}
	}
}

func TestStartFailureUnwindsStartedComponents(t *testing.T) {
	var order []string
	m := NewManager()
	m.Add(comp("a", &order, nil))
	m.Add(comp("b", &order, nil))
	m.Add(comp("c", &order, errors.New("boom")))

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("expected start error")
	}

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestStopTimeoutForceCancels(t *testing.T) {
	cancelled := make(chan struct{})

	m := NewManager()
	m.Add(Func{
		ComponentName: "stuck",
		OnStop: func(ctx context.Context) error {
			<-ctx.Done()
			close(cancelled)
			// Simulate a component that still takes too long after cancel.
			time.Sleep(5 * time.Second)
			return nil
		},
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err := m.Stop(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrStopTimeout) {
		t.Errorf("err = %v, want ErrStopTimeout", err)
	}
	if elapsed > 4*time.Second {
		t.Errorf("Stop took %v, force-cancel should bound it near 2s", elapsed)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("stuck component's context was never cancelled")
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	var order []string
	m := NewManager()
	m.Add(comp("x", &order, nil))
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("order = %v, want empty", order)
	}
}
