// Package shipper maintains the agent's TCP connection to the aggregation
// server and writes protocol frames to it.
//
// Shipper.Run() dials the server and, on every successful connect, writes the
// announce sequence (node frame, then bind frame) before the state becomes
// Connected. When the socket fails it reconnects with truncated exponential
// backoff: 1s, 2s, 4s … capped at 60s, reset to 1s after a successful connect.
// Retries never stop; only cancelling the context ends Run.
//
// Shipper.Send() writes a frame only while Connected. Otherwise the message is
// dropped; there is no queue. Setting agent.replay_buffer > 0 instead keeps
// the newest N log messages (oldest evicted) and writes them right after the
// next announce.
//
// The dialFn and clock fields are injectable for testing (net.Pipe, loopback
// listeners, clock.Fake).
package shipper
