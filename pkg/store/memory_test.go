package store

import (
	"context"
	"testing"
)

func TestMemory_Contract(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestMemory_CancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.WithTx(ctx, func(context.Context, Tx) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Errorf("WithTx(cancelled) = %v, called = %v; want error and no call", err, called)
	}
}

func TestMemory_Keys(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	insertGraph(ctx, t, m, contractGraph("b"), t0)
	insertGraph(ctx, t, m, contractGraph("a"), t0)

	keys := m.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys() = %v, want [a b]", keys)
	}
}
