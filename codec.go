package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errUnrecognizedMessage = errors.New("unrecognized message structure")

// DecodeMessage parses one wire message and classifies it by its envelope fields: method and id make a
// Request, method alone a Notification, and id, result or error without method a Response. Anything
// else, including a jsonrpc field other than "2.0", is reported as a *DecodeError carrying the raw
// content.
func DecodeMessage(data []byte) (Message, error) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Raw: string(data), Err: err}
	}

	if msg.JSONRPC != JSONRPCVersion {
		return nil, &DecodeError{
			Raw: string(data),
			Err: fmt.Errorf("invalid jsonrpc version %q", msg.JSONRPC),
		}
	}

	switch {
	case msg.Method != "" && msg.ID != "":
		return &Request{ID: msg.ID, Method: msg.Method, Params: msg.Params}, nil
	case msg.Method != "":
		return &Notification{Method: msg.Method, Params: msg.Params}, nil
	case msg.ID != "" || msg.Result != nil || msg.Error != nil:
		return &Response{ID: msg.ID, Result: msg.Result, Error: msg.Error}, nil
	default:
		return nil, &DecodeError{Raw: string(data), Err: errUnrecognizedMessage}
	}
}

// EncodeMessage serializes msg as a single newline-terminated line.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	return append(bs, '\n'), nil
}
