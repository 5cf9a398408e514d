// Package tx defines the transaction boundary the consumption engine plugs
// into.
//
// A System hands out transactions and arbitrates commits; participants
// implementing Aware buffer their mutations for the active transaction and
// persist them only when the Context finishes it. The engine never starts or
// finishes transactions on its own.
//
// Manager is an in-process System with optimistic change-set conflict
// detection, suitable for a single node and for tests.
package tx
