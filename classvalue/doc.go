/*
Package classvalue associates lazily computed values with Go types.

A Value computes its value for a type on first use and remembers it. Lookups go through a small
lock-free cache kept per type; on a miss they fall back to a locked table for that type, which is
the authority for what has been computed. Remove and Put bump the Value's generation, which makes
every cached entry of that Value stale at once without having to find them.

Concurrent first lookups for the same type and generation run the compute function once. The other
callers wait for it and then read the stored result. If the computation fails, nothing is stored:
the caller that ran it gets the error, and the waiters retry.
*/
package classvalue
