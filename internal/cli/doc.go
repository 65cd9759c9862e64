// Package cli wires configuration, delivery, state and metrics into the
// batchsend command line.
package cli
