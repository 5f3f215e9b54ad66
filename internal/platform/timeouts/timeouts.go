// Package timeouts defines shared timeout constants used across the
// service. Centralizing these values prevents drift between boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// Storage caps the time allowed for a single storage operation. A storage
// call that exceeds it is reported as a retryable failure to the caller.
const Storage = 5 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// EmailSend caps one delivery attempt against the email sender.
const EmailSend = 10 * time.Second
