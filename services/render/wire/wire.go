// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wire encodes reconcile messages as JSON.
//
// One message is one JSON object:
//
//	{"metadata": {"parent_block": {"container": "main", "path": [0]}, "delta_id": 1},
//	 "delta": {"new_element": {"kind": "markdown", "payload": {"body": "hi"}}}}
//
// The delta object holds exactly one of "new_element", "new_block" or
// "add_rows". Element payloads are protobuf Structs in their protojson form.
// Streams are JSON lines; see Decoder.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/deltatree/services/render/address"
	"github.com/AleutianAI/deltatree/services/render/content"
	"github.com/AleutianAI/deltatree/services/render/reconcile"
	"github.com/AleutianAI/deltatree/services/render/table"
	"github.com/AleutianAI/deltatree/services/render/tree"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrMalformed is returned for input that is not a valid message.
	ErrMalformed = errors.New("malformed message")

	// ErrUnsupportedContent is returned when encoding content that is not a
	// *content.Element.
	ErrUnsupportedContent = errors.New("unsupported content type")
)

type envelope struct {
	Metadata *address.Metadata `json:"metadata,omitempty"`
	Delta    deltaBody         `json:"delta"`
}

type deltaBody struct {
	NewElement *elementBody        `json:"new_element,omitempty"`
	NewBlock   *blockBody          `json:"new_block,omitempty"`
	AddRows    *table.NamedDataset `json:"add_rows,omitempty"`
}

type elementBody struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type blockBody struct {
	Layout tree.Layout `json:"layout"`
}

// Encode returns the JSON form of msg, without a trailing newline.
func Encode(msg reconcile.Message) ([]byte, error) {
	env := envelope{Metadata: msg.Metadata}

	switch d := msg.Delta.(type) {
	case *reconcile.NewElement:
		el, ok := d.Content.(*content.Element)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedContent, d.Content)
		}
		payload, err := protojson.Marshal(el.Payload())
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", el.Kind(), err)
		}
		env.Delta.NewElement = &elementBody{Kind: el.Kind(), Payload: payload}
	case *reconcile.AddBlock:
		env.Delta.NewBlock = &blockBody{Layout: d.Layout}
	case *reconcile.AddRows:
		ds := d.Dataset
		env.Delta.AddRows = &ds
	case nil:
		return nil, reconcile.ErrNilDelta
	default:
		return nil, fmt.Errorf("%w: %T", reconcile.ErrUnknownDelta, msg.Delta)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses one message.
func Decode(data []byte) (reconcile.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return reconcile.Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	set := 0
	for _, present := range []bool{env.Delta.NewElement != nil, env.Delta.NewBlock != nil, env.Delta.AddRows != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return reconcile.Message{}, fmt.Errorf("%w: delta must hold exactly one operation, found %d", ErrMalformed, set)
	}

	msg := reconcile.Message{Metadata: env.Metadata}
	switch {
	case env.Delta.NewElement != nil:
		el, err := decodeElement(env.Delta.NewElement)
		if err != nil {
			return reconcile.Message{}, err
		}
		msg.Delta = &reconcile.NewElement{Content: el}
	case env.Delta.NewBlock != nil:
		msg.Delta = &reconcile.AddBlock{Layout: env.Delta.NewBlock.Layout}
	case env.Delta.AddRows != nil:
		if err := env.Delta.AddRows.Data.Validate(); err != nil {
			return reconcile.Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		msg.Delta = &reconcile.AddRows{Dataset: *env.Delta.AddRows}
	}
	return msg, nil
}

func decodeElement(body *elementBody) (*content.Element, error) {
	payload := &structpb.Struct{}
	if len(body.Payload) > 0 && string(body.Payload) != "null" {
		if err := protojson.Unmarshal(body.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %w", ErrMalformed, body.Kind, err)
		}
	}
	el, err := content.New(body.Kind, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return el, nil
}
