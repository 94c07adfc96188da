// Package credentials stores the transport identity used to resume a paired
// messaging session.
//
// # Overview
//
// The identity is a single opaque bundle: a registration flag, the account and
// device identifiers issued by the network, and the secret material needed to
// reconnect without pairing again. It is created on the first connect attempt,
// persisted across reconnects and replaced wholesale on logout or when a fresh
// session is forced.
//
// # Backends
//
//   - MemoryStore: process-local, lost on restart
//   - SQLiteStore: single-file database using modernc.org/sqlite
//   - RedisStore: shared key using github.com/redis/go-redis/v9
//   - BadgerStore: embedded key-value store using github.com/dgraph-io/badger/v4
//
// All backends serialize the identity as JSON and return ErrNotFound from
// Load when nothing has been saved (or after Reset).
//
// # Usage
//
//	store := credentials.NewMemoryStore()
//	id, err := store.Load(ctx)
//	if errors.Is(err, credentials.ErrNotFound) {
//	    id = credentials.NewIdentity()
//	}
package credentials
