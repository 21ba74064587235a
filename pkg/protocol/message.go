package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultDelimiter terminates every frame unless configured otherwise.
const DefaultDelimiter = "\r\n"

// LevelInfo is the only level the agent emits on log frames.
const LevelInfo = "info"

// Type identifies a frame kind.
type Type string

const (
	TypeNode Type = "node"
	TypeBind Type = "bind"
	TypeLog  Type = "log"
)

// ErrMalformed is returned by Parse for frames that do not match the grammar.
var ErrMalformed = errors.New("protocol: malformed frame")

// Message is one protocol frame before delimiting: a type followed by an
// ordered list of pipe-separated arguments.
type Message struct {
	Type Type
	Args []string
}

// Node announces a node and the names of the streams it will send, in
// configuration order.
func Node(nodeName string, sources []string) Message {
	return Message{Type: TypeNode, Args: []string{nodeName, strings.Join(sources, ",")}}
}

// Bind binds the current connection to nodeName.
func Bind(nodeName string) Message {
	return Message{Type: TypeBind, Args: []string{"node", nodeName}}
}

// Log carries one line read from source on nodeName.
func Log(source, nodeName, text string) Message {
	return Message{Type: TypeLog, Args: []string{source, nodeName, LevelInfo, text}}
}

// Announce returns the handshake sent after every successful connect:
// a node frame followed by a bind frame.
func Announce(nodeName string, sources []string) []Message {
	return []Message{Node(nodeName, sources), Bind(nodeName)}
}

// String renders the message without its delimiter.
func (m Message) String() string {
	var b strings.Builder
	b.WriteString(string(m.Type))
	for _, a := range m.Args {
		b.WriteByte('|')
		b.WriteString(a)
	}
	return b.String()
}

// Encode renders the message followed by delim. Neither the pipe nor the
// delimiter is escaped inside arguments.
func (m Message) Encode(delim string) []byte {
	return []byte(m.String() + delim)
}

// Parse decodes a single frame with its delimiter already removed.
//
// A log frame is split into at most five fields so that pipes inside the
// line text survive.
func Parse(frame string) (Message, error) {
	head, rest, _ := strings.Cut(frame, "|")
	switch Type(head) {
	case TypeNode:
		args := strings.SplitN(rest, "|", 2)
		if len(args) != 2 || args[0] == "" {
			return Message{}, fmt.Errorf("%w: node wants 2 fields: %q", ErrMalformed, frame)
		}
		return Message{Type: TypeNode, Args: args}, nil
	case TypeBind:
		args := strings.Split(rest, "|")
		if len(args) != 2 || args[0] != "node" || args[1] == "" {
			return Message{}, fmt.Errorf("%w: bind wants node|<name>: %q", ErrMalformed, frame)
		}
		return Message{Type: TypeBind, Args: args}, nil
	case TypeLog:
		args := strings.SplitN(rest, "|", 4)
		if len(args) != 4 || args[0] == "" || args[1] == "" {
			return Message{}, fmt.Errorf("%w: log wants 4 fields: %q", ErrMalformed, frame)
		}
		return Message{Type: TypeLog, Args: args}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, head)
	}
}

// Sources returns the stream names carried by a node frame.
func (m Message) Sources() []string {
	if m.Type != TypeNode || len(m.Args) < 2 || m.Args[1] == "" {
		return nil
	}
	return strings.Split(m.Args[1], ",")
}
