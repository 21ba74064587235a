// Package forwarder wires the agent together: one Tailer per configured log
// stream and one Shipper for the server connection. Every line a Tailer emits
// is framed as a log message for this node and handed to the Shipper, which
// writes it only while connected.
package forwarder
