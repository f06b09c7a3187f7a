// Package dht abstracts the distributed hash table used as the rendezvous
// signaling medium. The connection manager only needs put, get and listen on
// opaque keys; the real DHT client is injected by the owning account.
package dht

import "context"

// Token identifies an active listen registration.
type Token uint64

// ValueCallback receives values appearing under a listened or fetched key.
// Returning false cancels further delivery for that registration.
type ValueCallback func(value []byte) bool

// DoneCallback reports completion of an asynchronous put or get.
type DoneCallback func(ok bool)

// Runner is the injected DHT client.
type Runner interface {
	// Put publishes a value under key. done, if non-nil, is invoked once
	// with the outcome.
	Put(ctx context.Context, key, value []byte, done DoneCallback)

	// Get fetches current values under key, invoking cb per value and done
	// once afterwards.
	Get(ctx context.Context, key []byte, cb ValueCallback, done DoneCallback)

	// Listen delivers existing and future values under key until the
	// returned token is cancelled or cb returns false.
	Listen(key []byte, cb ValueCallback) Token

	// CancelListen stops a listen registration. Cancelling an unknown or
	// already-cancelled token is a no-op.
	CancelListen(token Token)
}
