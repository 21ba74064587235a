package shipper

import "github.com/tailship/tailship/pkg/protocol"

// SendLine frames one line read from the named stream as a log message for
// this node and sends it. See Send for the delivery rules.
//
// The text is not escaped. A line containing the configured delimiter is
// split into separate records on the server.
func (s *Shipper) SendLine(source, text string) bool {
	return s.Send(protocol.Log(source, s.cfg.NodeName, text))
}
