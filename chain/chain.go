// Package chain provides the call-chain-scoped context store shared by
// all handlers running within one logical call chain.
//
// A chain is the tree of intercepted calls sharing one outermost
// triggering call on one execution context (goroutine). Every handler
// invoked within the chain, regardless of which hook module it belongs
// to, sees the same Context and can exchange typed values through it.
// The store is discarded when the outermost call of the chain completes,
// so pooled goroutines never leak entries into unrelated later chains.
//
// Values are typed per key: a Key[T] can only store and retrieve values
// of type T, so lookups are never ambiguous. Keys are process-wide
// tokens resolved by name, which lets independently loaded hook modules
// share a key by agreeing on its name.
package chain

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/naddame/promagent/id"
)

// ErrTypeConflict is returned when a key name is registered a second
// time with a different value type. This is a programming error in a
// hook module and is surfaced to the registering caller rather than
// swallowed.
var ErrTypeConflict = errors.New("chain: key type conflict")

// keyToken is the process-wide unique identity of a context key.
// Tokens are interned by name so two modules that register the same
// name (with the same type) share one token and therefore one slot.
type keyToken struct {
	name string
	typ  reflect.Type
}

var keyTable = struct {
	mu     sync.Mutex
	byName map[string]*keyToken
}{byName: make(map[string]*keyToken)}

// Key is a typed handle for one context store slot.
// The zero Key is invalid; obtain keys with NewKey or MustKey.
type Key[T any] struct {
	tok *keyToken
}

// NewKey returns the key registered under name, creating it if needed.
// Two NewKey calls with the same name and the same type T return keys
// addressing the same slot. Registering an existing name with a
// different type returns ErrTypeConflict.
func NewKey[T any](name string) (Key[T], error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()

	keyTable.mu.Lock()
	defer keyTable.mu.Unlock()

	if tok, ok := keyTable.byName[name]; ok {
		if tok.typ != typ {
			return Key[T]{}, fmt.Errorf("%w: key %q registered as %s, requested as %s",
				ErrTypeConflict, name, tok.typ, typ)
		}
		return Key[T]{tok: tok}, nil
	}

	tok := &keyToken{name: name, typ: typ}
	keyTable.byName[name] = tok

	return Key[T]{tok: tok}, nil
}

// MustKey is like NewKey but panics on type conflict.
// Use for package-level key variables.
func MustKey[T any](name string) Key[T] {
	k, err := NewKey[T](name)
	if err != nil {
		panic(err)
	}
	return k
}

// Name returns the registered name of the key.
func (k Key[T]) Name() string {
	if k.tok == nil {
		return ""
	}
	return k.tok.name
}

// Context is the store for one call chain. A Context is confined to the
// execution context (goroutine) performing the chain's calls and is not
// synchronized; two concurrent chains each have their own Context.
type Context struct {
	id      id.ChainID
	entries map[*keyToken]any
}

// New creates an empty context store for a new call chain.
func New() *Context {
	return &Context{
		id:      id.NewChainID(),
		entries: make(map[*keyToken]any),
	}
}

// ID returns the unique identifier of this call chain.
func (c *Context) ID() id.ChainID { return c.id }

// Len returns the number of entries currently in the store.
func (c *Context) Len() int { return len(c.entries) }

// Clear removes all entries. The dispatcher calls this when the
// outermost call of the chain completes.
func (c *Context) Clear() {
	clear(c.entries)
}

// Get returns the value stored under k and whether it was present.
func Get[T any](c *Context, k Key[T]) (T, bool) {
	v, ok := c.entries[k.tok]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// GetOr returns the value stored under k, or fallback if absent.
func GetOr[T any](c *Context, k Key[T], fallback T) T {
	if v, ok := Get(c, k); ok {
		return v
	}
	return fallback
}

// Put stores v under k, replacing any previous value.
func Put[T any](c *Context, k Key[T], v T) {
	c.entries[k.tok] = v
}

// Delete removes the entry stored under k, if any.
func Delete[T any](c *Context, k Key[T]) {
	delete(c.entries, k.tok)
}

// ctxKey is the context.Context key under which the active chain
// Context travels down the dispatch call stack.
type ctxKey struct{}

// NewContext returns a copy of ctx carrying c as the active chain.
func NewContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the active chain Context carried by ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Context)
	return c, ok
}

// Enter returns ctx with an active chain Context, creating a fresh one
// when ctx carries none. The returned bool reports whether this call is
// the outermost of the chain; the caller owning the outermost call must
// Clear the Context when the call completes.
func Enter(ctx context.Context) (context.Context, *Context, bool) {
	if c, ok := FromContext(ctx); ok {
		return ctx, c, false
	}
	c := New()
	return NewContext(ctx, c), c, true
}
