package ffi

import (
	"context"
	"testing"

	"github.com/oriys/theatre/internal/domain"
	"github.com/oriys/theatre/internal/value"
)

func echoFunc() Func {
	return Func{
		Name:  "echo",
		Arity: 1,
		Handler: func(ctx context.Context, args []value.Value) (value.Value, error) {
			return args[0], nil
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoFunc())

	fn, ok := r.Lookup("echo")
	if !ok {
		t.Fatalf("echo not found after Register")
	}
	if fn.Arity != 1 {
		t.Fatalf("Arity = %d, want 1", fn.Arity)
	}

	if _, ok := r.Lookup("missing"); ok {
		t.Fatalf("Lookup(missing) should report not found")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoFunc())

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic registering a duplicate name")
		}
	}()
	r.Register(echoFunc())
}

func TestInvokeUnknownFunction(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Invoke(context.Background(), "nope", nil); err == nil {
		t.Fatalf("expected ffi_function_not_found error")
	}
}

func TestInvokeEnforcesPermission(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Func{
		Name:       "restricted",
		Arity:      0,
		Permission: domain.Permission("net.fetch"),
		Handler: func(ctx context.Context, args []value.Value) (value.Value, error) {
			return value.Bool(true), nil
		},
	})

	if _, err := r.Invoke(context.Background(), "restricted", nil); err == nil {
		t.Fatalf("expected permission_denied invoking without the grant")
	}

	granted := NewRegistry([]domain.Permission{"net.fetch"})
	granted.Register(Func{
		Name:       "restricted",
		Permission: domain.Permission("net.fetch"),
		Handler: func(ctx context.Context, args []value.Value) (value.Value, error) {
			return value.Bool(true), nil
		},
	})
	v, err := granted.Invoke(context.Background(), "restricted", nil)
	if err != nil {
		t.Fatalf("Invoke with granted permission: %v", err)
	}
	if b, _ := v.AsBool(); !b {
		t.Fatalf("result = %v, want true", v)
	}
}

func TestInvokeCallsHandlerWithArgs(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoFunc())

	v, err := r.Invoke(context.Background(), "echo", []value.Value{value.Int(7)})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got, _ := v.AsInt(); got != 7 {
		t.Fatalf("echo(7) = %d, want 7", got)
	}
}

func TestWithGrantsSharesCatalogueDifferentGrants(t *testing.T) {
	base := NewRegistry(nil)
	base.Register(Func{
		Name:       "restricted",
		Permission: domain.Permission("net.fetch"),
		Handler: func(ctx context.Context, args []value.Value) (value.Value, error) {
			return value.Bool(true), nil
		},
	})

	if _, err := base.Invoke(context.Background(), "restricted", nil); err == nil {
		t.Fatalf("base registry should not have the grant")
	}

	scoped := base.WithGrants([]domain.Permission{"net.fetch"})
	if _, err := scoped.Invoke(context.Background(), "restricted", nil); err != nil {
		t.Fatalf("scoped registry should have the grant: %v", err)
	}

	// Sharing the catalogue means a function registered on one is visible
	// through the other.
	if _, ok := scoped.Lookup("restricted"); !ok {
		t.Fatalf("WithGrants should share the underlying function catalogue")
	}
}
