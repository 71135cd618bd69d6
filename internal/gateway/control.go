package gateway

import (
	"encoding/json"
	"fmt"
)

// frame is the control-plane envelope. Requests arrive as
// {type:"req", id, method, params}; replies go out as
// {type:"res", id, ok, payload|error}. Server events ride the same socket
// as bare {type, channel, payload} objects, distinguishable because their
// type is an event name rather than req/res.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *connection) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendError("", "invalid_frame", err.Error())
		return
	}
	if f.Type == "" {
		f.Type = "req"
	}
	if f.Type != "req" {
		c.sendError(f.ID, "invalid_frame", fmt.Sprintf("unsupported frame type %q", f.Type))
		return
	}
	if f.Method == "" {
		c.sendError(f.ID, "invalid_frame", "method is required")
		return
	}
	if c.hub.dispatcher == nil {
		c.sendError(f.ID, "unavailable", "control plane disabled")
		return
	}

	// Requests run off the read loop so a slow operation cannot starve
	// pong handling. Responses carry the request id, so clients do not
	// depend on arrival order.
	go func() {
		result, err := c.hub.dispatcher.Dispatch(c.ctx, f.Method, f.Params)
		if err != nil {
			c.sendError(f.ID, "request_failed", err.Error())
			return
		}
		c.sendResponse(f.ID, true, result, nil)
	}()
}

func (c *connection) sendResponse(id string, ok bool, payload any, ferr *frameError) {
	data, err := json.Marshal(frame{Type: "res", ID: id, OK: &ok, Payload: payload, Error: ferr})
	if err != nil {
		c.hub.logger.Error("marshal ws response", "id", id, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *connection) sendError(id, code, message string) {
	c.sendResponse(id, false, nil, &frameError{Code: code, Message: message})
}
