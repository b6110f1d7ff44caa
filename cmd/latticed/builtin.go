package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/dispatch"
	"github.com/roasbeef/lattice/internal/silo"
	"github.com/roasbeef/lattice/internal/state"
	"github.com/roasbeef/lattice/internal/wire"
)

// kvActor is the built-in "kv" actor type: a persistent string cell per
// identity, handy for cluster smoke tests. It keeps its value under
// optimistic concurrency so two silos fighting over the same identity
// surface a conflict instead of losing a write.
type kvActor struct {
	actorID string
	states  state.Store

	value   []byte
	version fn.Option[int64]
}

const kvStateName = "value"

func (a *kvActor) OnActivate(ctx context.Context) error {
	snap, err := a.states.Load(ctx, "kv:"+a.actorID, kvStateName)
	if err != nil {
		return err
	}

	snap.WhenSome(func(s state.Snapshot) {
		a.value = s.Data
		a.version = fn.Some(s.Version)
	})

	return nil
}

func (a *kvActor) get() ([]byte, error) {
	conv := wire.JSONConverter[string]{}
	out, err := conv.Marshal(string(a.value))
	if err != nil {
		return nil, err
	}

	return wire.EncodeParams(out)
}

func (a *kvActor) set(ctx context.Context, payload []byte) ([]byte, error) {
	params, err := wire.DecodeParams(payload, 1)
	if err != nil {
		return nil, err
	}

	conv := wire.JSONConverter[string]{}
	v, err := conv.Unmarshal(params[0])
	if err != nil {
		return nil, err
	}

	data := []byte(v.(string))
	version, err := a.states.SaveWithVersion(
		ctx, "kv:"+a.actorID, kvStateName, data, a.version,
	)
	if err != nil {
		return nil, err
	}

	a.value = data
	a.version = fn.Some(version)

	vconv := wire.JSONConverter[int64]{}
	out, err := vconv.Marshal(version)
	if err != nil {
		return nil, err
	}

	return wire.EncodeParams(out)
}

func (a *kvActor) clear(ctx context.Context) ([]byte, error) {
	err := a.states.Delete(ctx, "kv:"+a.actorID, kvStateName)
	if err != nil {
		return nil, err
	}

	a.value = nil
	a.version = fn.None[int64]()

	return wire.EncodeParams()
}

// registerBuiltins wires the daemon's built-in actor types: "kv" backed by
// the state store and a stateless "echo".
func registerBuiltins(factories *silo.FactoryRegistry,
	dispatchers *dispatch.Registry, states state.Store) error {

	err := factories.Register("kv", func(actorID string) (any, error) {
		return &kvActor{actorID: actorID, states: states}, nil
	})
	if err != nil {
		return err
	}

	kv := dispatch.NewDispatcher("kv")
	kv.MustRegister("get", func(_ context.Context, target any,
		_ []byte) ([]byte, error) {

		return target.(*kvActor).get()
	})
	kv.MustRegister("set", func(ctx context.Context, target any,
		payload []byte) ([]byte, error) {

		return target.(*kvActor).set(ctx, payload)
	})
	kv.MustRegister("clear", func(ctx context.Context, target any,
		_ []byte) ([]byte, error) {

		return target.(*kvActor).clear(ctx)
	})
	if err := dispatchers.Register(kv); err != nil {
		return err
	}

	err = factories.Register("echo", func(string) (any, error) {
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	echo := dispatch.NewDispatcher("echo")
	echo.MustRegister("echo", func(_ context.Context, _ any,
		payload []byte) ([]byte, error) {

		return payload, nil
	})

	return dispatchers.Register(echo)
}

// splitIdentity parses a "Type:id" identity string.
func splitIdentity(identity string) (string, string, error) {
	actorType, actorID, ok := strings.Cut(identity, ":")
	if !ok || actorType == "" || actorID == "" {
		return "", "", fmt.Errorf("malformed actor identity %q",
			identity)
	}

	return actorType, actorID, nil
}
