package transport

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed frame.schema.json
var frameSchemaJSON []byte

const frameSchemaURL = "frame.schema.json"

type outboundFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type inboundFrame struct {
	Type string `json:"type"`

	Event      string `json:"event,omitempty"`
	Seq        uint64 `json:"seq,omitempty"`
	Code       string `json:"code,omitempty"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
	Reason     string `json:"reason,omitempty"`
	User       string `json:"user,omitempty"`
	From       string `json:"from,omitempty"`
	Text       string `json:"text,omitempty"`

	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (f inboundFrame) event(link uint64) Event {
	return Event{
		Type:   EventType(f.Event),
		Link:   link,
		Seq:    f.Seq,
		Code:   f.Code,
		TTL:    time.Duration(f.TTLSeconds) * time.Second,
		Reason: f.Reason,
		User:   f.User,
		From:   f.From,
		Text:   f.Text,
	}
}

type frameDecoder struct {
	schema *jsonschema.Schema
}

func newFrameDecoder() (*frameDecoder, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(frameSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &frameDecoder{schema: schema}, nil
}

// decode validates data against the frame schema before unmarshalling.
func (d *frameDecoder) decode(data []byte) (inboundFrame, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return inboundFrame{}, fmt.Errorf("frame is not json: %w", err)
	}
	if err := d.schema.Validate(instance); err != nil {
		return inboundFrame{}, fmt.Errorf("invalid frame: %w", err)
	}
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return inboundFrame{}, err
	}
	return frame, nil
}
