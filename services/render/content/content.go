// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package content provides the concrete content snapshot stored in leaves.
//
// An Element is a declared kind ("markdown", "dataframe", ...) plus a
// protobuf Struct payload. Equality is proto.Equal over the payload, which
// gives the value semantics the reconciler relies on to keep a leaf's
// identity across re-runs. Elements are never mutated; every With* method
// clones.
package content

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/deltatree/services/render/tree"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Element kinds produced by the upstream script runner.
const (
	KindText              = "text"
	KindMarkdown          = "markdown"
	KindJSON              = "json"
	KindAlert             = "alert"
	KindException         = "exception"
	KindEmpty             = "empty"
	KindImage             = "imgs"
	KindAudio             = "audio"
	KindVideo             = "video"
	KindIFrame            = "iframe"
	KindDataFrame         = "data_frame"
	KindTable             = "table"
	KindLineChart         = "line_chart"
	KindAreaChart         = "area_chart"
	KindBarChart          = "bar_chart"
	KindVegaLiteChart     = "vega_lite_chart"
	KindPlotlyChart       = "plotly_chart"
	KindDeckGLChart       = "deck_gl_json_chart"
	KindProgress          = "progress"
	KindSlider            = "slider"
	KindCheckbox          = "checkbox"
	KindTextInput         = "text_input"
	KindComponentInstance = "component_instance"
)

// Payload field names with a fixed meaning.
const (
	FieldComponentName = "component_name"
	FieldData          = "data"
	FieldDatasets      = "datasets"
)

// ErrEmptyKind is returned when an element is built without a kind.
var ErrEmptyKind = errors.New("element kind must not be empty")

var tabularKinds = map[string]bool{
	KindDataFrame:     true,
	KindTable:         true,
	KindLineChart:     true,
	KindAreaChart:     true,
	KindBarChart:      true,
	KindVegaLiteChart: true,
	KindDeckGLChart:   true,
}

// IsTabular reports whether kind carries row data that can be appended to.
func IsTabular(kind string) bool {
	return tabularKinds[kind]
}

// Element is an immutable content snapshot.
type Element struct {
	kind    string
	payload *structpb.Struct
}

var (
	_ tree.Content        = (*Element)(nil)
	_ tree.ComponentNamer = (*Element)(nil)
)

// New builds an element. The payload is cloned; nil means empty.
func New(kind string, payload *structpb.Struct) (*Element, error) {
	if kind == "" {
		return nil, ErrEmptyKind
	}
	if payload == nil {
		payload = &structpb.Struct{Fields: map[string]*structpb.Value{}}
	} else {
		payload = proto.Clone(payload).(*structpb.Struct)
	}
	return &Element{kind: kind, payload: payload}, nil
}

// FromMap builds an element from plain Go values, as accepted by
// structpb.NewStruct.
func FromMap(kind string, fields map[string]any) (*Element, error) {
	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build %s payload: %w", kind, err)
	}
	return New(kind, payload)
}

// MustFromMap is FromMap for fixtures and literals; it panics on error.
func MustFromMap(kind string, fields map[string]any) *Element {
	e, err := FromMap(kind, fields)
	if err != nil {
		panic(err)
	}
	return e
}

// Kind implements tree.Content.
func (e *Element) Kind() string { return e.kind }

// Equal implements tree.Content.
func (e *Element) Equal(other tree.Content) bool {
	o, ok := other.(*Element)
	if !ok || o == nil || e == nil {
		return false
	}
	if e == o {
		return true
	}
	return e.kind == o.kind && proto.Equal(e.payload, o.payload)
}

// ComponentName implements tree.ComponentNamer. Only component instances
// have a name.
func (e *Element) ComponentName() (string, bool) {
	if e.kind != KindComponentInstance {
		return "", false
	}
	v, ok := e.payload.GetFields()[FieldComponentName]
	if !ok {
		return "", false
	}
	name, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || name.StringValue == "" {
		return "", false
	}
	return name.StringValue, true
}

// Field returns a payload field. The value is shared and must not be
// modified.
func (e *Element) Field(name string) (*structpb.Value, bool) {
	v, ok := e.payload.GetFields()[name]
	return v, ok
}

// Payload returns a copy of the payload.
func (e *Element) Payload() *structpb.Struct {
	return proto.Clone(e.payload).(*structpb.Struct)
}

// WithField returns a copy of e with field set to v.
func (e *Element) WithField(name string, v *structpb.Value) *Element {
	payload := e.Payload()
	if payload.Fields == nil {
		payload.Fields = map[string]*structpb.Value{}
	}
	payload.Fields[name] = v
	return &Element{kind: e.kind, payload: payload}
}

// AsMap returns the payload as plain Go values.
func (e *Element) AsMap() map[string]any {
	return e.payload.AsMap()
}

// String is a short human description used by renderers.
func (e *Element) String() string {
	if name, ok := e.ComponentName(); ok {
		return fmt.Sprintf("%s(%s)", e.kind, name)
	}
	if v, ok := e.Field("body"); ok {
		if s, isString := v.GetKind().(*structpb.Value_StringValue); isString {
			return fmt.Sprintf("%s %q", e.kind, s.StringValue)
		}
	}
	return e.kind
}
