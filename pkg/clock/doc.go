// Package clock provides an injectable time source so that retry and polling
// loops (existence polling in the tailer, reconnect backoff in the shipper)
// can be tested without wall-clock sleeps.
//
// Components hold a Clock field defaulting to Real(). Tests construct
// Fake(start), start the component, call WaitForTimers(n) until the component
// has registered its timer, then Advance past the deadline.
package clock
