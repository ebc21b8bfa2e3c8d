// Package lock defines the lock service consumed by the locking engine and
// ships in-memory and Redis implementations of it. A Service hands out
// handles for named locks, combines them into composite handles that are
// acquired and released all at once, and applies an optional lease after
// which an acquired lock expires on its own. Release notifications can be
// shared across processes through a syncbus.Bus so that waiters retry as
// soon as a lock is freed.
package lock
