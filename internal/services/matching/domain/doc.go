// Package domain implements the matching core: signed action tokens,
// selection arbitration, and guide reliability scoring.
//
// The package holds no process-wide mutable state. Persistence, clocks,
// and id generation are injected, and the only concurrency-sensitive
// operation (accepting a selection) delegates its atomicity to the
// storage layer's conditional write.
package domain
