// Package state persists run state across process runs.
//
// Repository is the load/append/set surface the dispatch loop depends on.
// Files keeps a plain-text layout in a state directory:
//   - next.txt: a single integer, the next batch index to attempt
//   - failed.txt: one failed batch index per line, append-only
//
// Memory implements the same interface in-process.
package state
