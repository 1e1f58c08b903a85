// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// IdentityVerify caps a single identity verification round trip so a slow
// identity service cannot stall a match.
const IdentityVerify = 3 * time.Second

// HandoffRequest caps one create-match delivery attempt from the room
// service to the match service.
const HandoffRequest = 5 * time.Second

// LiveSend caps one snapshot write to a live channel so a viewer that
// stopped draining is detached instead of stalling the match's sender.
const LiveSend = 10 * time.Second
