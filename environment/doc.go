/*
Package environment implements validated environment variable sets and their encoding into the
block format consumed by OS process creation.

Names may not be empty or contain NUL or '='. The Windows flavor additionally allows a leading '='
(the per-drive "=C:" variables), treats names case-insensitively while preserving the spelling they
were first stored with, and orders names by comparing upper-cased runes.

The block is a sequence of NAME=VALUE entries, each terminated by NUL, with one more NUL at the end:

	A=1\0Z=3\0_=2\0\0

An empty environment is encoded as two NULs.

System returns a snapshot of this process's environment that is captured once and never changes.
Callers that need to modify an environment take a Clone of it.
*/
package environment
