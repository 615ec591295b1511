package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Client request kinds on the duplex connection
const (
	requestGetHistory  = "get_history"
	requestUserMessage = "user_message"
)

// Inline error texts for malformed input. The connection stays open.
const (
	errInvalidJSON   = "Invalid JSON format"
	errMissingFields = "Missing fields in JSON"
)

// inboundMessage is one client-to-server frame
type inboundMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

const inboundSchemaJSON = `{
	"oneOf": [
		{
			"type": "object",
			"properties": {
				"type": {"const": "get_history"}
			},
			"required": ["type"]
		},
		{
			"type": "object",
			"properties": {
				"type": {"const": "user_message"},
				"message": {"type": "string", "minLength": 1},
				"message_id": {"type": "string", "minLength": 1}
			},
			"required": ["type", "message", "message_id"]
		}
	]
}`

func compileInboundSchema() (*gojsonschema.Schema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(inboundSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to compile inbound schema: %w", err)
	}
	return schema, nil
}

// parseInbound validates and decodes one client frame. The returned error
// text is the inline reply for the client.
func (s *Server) parseInbound(payload []byte) (*inboundMessage, string) {
	if !json.Valid(payload) {
		return nil, errInvalidJSON
	}

	result, err := s.inboundSchema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil || !result.Valid() {
		return nil, errMissingFields
	}

	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errInvalidJSON
	}
	return &msg, ""
}
