package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"deploy-agent/internal/command"
	"deploy-agent/internal/notify"
)

// RequestPayload is the JSON body of a request message
type RequestPayload struct {
	RequestID         string         `json:"request_id,omitempty"`
	RequesterClientID string         `json:"requester_client_id,omitempty"`
	Metrics           map[string]any `json:"metrics,omitempty"`
}

// ResponsePayload is the JSON body of a reply message
type ResponsePayload struct {
	ResponseCode     int            `json:"response_code"`
	Timestamp        time.Time      `json:"timestamp"`
	Metrics          map[string]any `json:"metrics,omitempty"`
	Body             string         `json:"body,omitempty"`
	ExceptionMessage string         `json:"exception_message,omitempty"`
	ExceptionStack   string         `json:"exception_stack,omitempty"`
}

// NotificationPayload is the JSON body of a NOTIFY message
type NotificationPayload struct {
	Type              string         `json:"type"`
	ClientID          string         `json:"client_id"`
	RequesterClientID string         `json:"requester_client_id"`
	Timestamp         time.Time      `json:"timestamp"`
	Metrics           map[string]any `json:"metrics"`
}

// DecodeRequest builds a command request from a message payload. Numbers
// are kept as json.Number so integer parameters survive unchanged. A
// request without id gets a fresh one.
func DecodeRequest(verb command.Verb, resources []string, data []byte) (*command.Request, error) {
	var p RequestPayload
	if len(bytes.TrimSpace(data)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("failed to decode request payload: %w", err)
		}
	}
	if p.RequestID == "" {
		p.RequestID = uuid.New().String()
	}
	if p.Metrics == nil {
		p.Metrics = map[string]any{}
	}
	return &command.Request{
		ID:                p.RequestID,
		Verb:              verb,
		Resources:         resources,
		RequesterClientID: p.RequesterClientID,
		Metrics:           p.Metrics,
	}, nil
}

// EncodeRequest renders a request payload
func EncodeRequest(p RequestPayload) ([]byte, error) {
	return json.Marshal(p)
}

// EncodeResponse renders a command response as a reply payload
func EncodeResponse(resp *command.Response) ([]byte, error) {
	return json.Marshal(ResponsePayload{
		ResponseCode:     int(resp.Code),
		Timestamp:        resp.Timestamp,
		Metrics:          resp.Metrics,
		Body:             string(resp.Body),
		ExceptionMessage: resp.ExceptionMessage,
		ExceptionStack:   resp.ExceptionStack,
	})
}

// DecodeResponse parses a reply payload back into a command response
func DecodeResponse(data []byte) (*command.Response, error) {
	var p ResponsePayload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode response payload: %w", err)
	}
	resp := command.NewResponse(command.Code(p.ResponseCode))
	resp.Timestamp = p.Timestamp
	if p.Metrics != nil {
		resp.Metrics = p.Metrics
	}
	if p.Body != "" {
		resp.Body = []byte(p.Body)
	}
	resp.ExceptionMessage = p.ExceptionMessage
	resp.ExceptionStack = p.ExceptionStack
	return resp, nil
}

// EncodeNotification renders a notification sent by clientID
func EncodeNotification(clientID string, n *notify.Notification) ([]byte, error) {
	return json.Marshal(NotificationPayload{
		Type:              string(n.Type),
		ClientID:          clientID,
		RequesterClientID: n.RequesterClientID,
		Timestamp:         n.Timestamp,
		Metrics:           n.Metrics,
	})
}

// DecodeNotification parses a NOTIFY payload
func DecodeNotification(data []byte) (*NotificationPayload, error) {
	var p NotificationPayload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode notification payload: %w", err)
	}
	return &p, nil
}
