package ports

import (
	"fmt"
	"strconv"
)

// TypeKind discriminates the data type algebra
type TypeKind string

const (
	KindPrimitive TypeKind = "primitive"
	KindList      TypeKind = "list"
	KindMap       TypeKind = "map"
	KindContract  TypeKind = "contract"
)

// PrimitiveName is the closed set of primitive port types
type PrimitiveName string

const (
	PrimAny     PrimitiveName = "any"
	PrimText    PrimitiveName = "text"
	PrimNumber  PrimitiveName = "number"
	PrimBoolean PrimitiveName = "boolean"
	PrimSecret  PrimitiveName = "secret"
	PrimFile    PrimitiveName = "file"
	PrimJSON    PrimitiveName = "json"
)

// DataType describes the type carried by a port.
// Exactly one of the shape fields is populated, selected by Kind.
type DataType struct {
	Kind TypeKind `json:"kind"`

	// Primitive
	Name       PrimitiveName   `json:"name,omitempty"`
	CoerceFrom []PrimitiveName `json:"coerceFrom,omitempty"`

	// List
	Element *DataType `json:"element,omitempty"`

	// Map
	Value *DataType `json:"value,omitempty"`

	// Contract
	Contract   string `json:"contract,omitempty"`
	Credential bool   `json:"credential,omitempty"`
}

// Primitive constructs a primitive data type
func Primitive(name PrimitiveName) DataType {
	return DataType{Kind: KindPrimitive, Name: name}
}

// PrimitiveFrom constructs a primitive that additionally accepts the listed
// primitives through declared coercion
func PrimitiveFrom(name PrimitiveName, from ...PrimitiveName) DataType {
	return DataType{Kind: KindPrimitive, Name: name, CoerceFrom: from}
}

// List constructs a list type
func List(element DataType) DataType {
	return DataType{Kind: KindList, Element: &element}
}

// Map constructs a map type with string keys
func Map(value DataType) DataType {
	return DataType{Kind: KindMap, Value: &value}
}

// Contract constructs a nominal contract type
func Contract(name string, credential bool) DataType {
	return DataType{Kind: KindContract, Contract: name, Credential: credential}
}

// Any is the top and bottom of the primitive lattice
func Any() DataType {
	return Primitive(PrimAny)
}

// String renders the type for diagnostics
func (t DataType) String() string {
	switch t.Kind {
	case KindPrimitive:
		return string(t.Name)
	case KindList:
		return fmt.Sprintf("list<%s>", t.Element)
	case KindMap:
		return fmt.Sprintf("map<%s>", t.Value)
	case KindContract:
		if t.Credential {
			return fmt.Sprintf("contract<%s,credential>", t.Contract)
		}
		return fmt.Sprintf("contract<%s>", t.Contract)
	}
	return "unknown"
}

// Equal reports structural equality of two types
func (t DataType) Equal(other DataType) bool {
	if t.Kind != other.Kind {
		return false
	}
	switch t.Kind {
	case KindPrimitive:
		return t.Name == other.Name
	case KindList:
		return t.Element.Equal(*other.Element)
	case KindMap:
		return t.Value.Equal(*other.Value)
	case KindContract:
		return t.Contract == other.Contract && t.Credential == other.Credential
	}
	return false
}

// Compatible reports whether a value of type src may flow into a port of type
// dst. The rules:
//   - src = dst
//   - src or dst is primitive any
//   - dst primitive lists src in its coercion table
//   - both lists / both maps with compatible element types
//   - both contracts with equal name and credential flag
func Compatible(src, dst DataType) bool {
	if dst.Kind == KindPrimitive && dst.Name == PrimAny {
		return true
	}
	if src.Kind == KindPrimitive && src.Name == PrimAny {
		return true
	}
	if src.Kind != dst.Kind {
		return false
	}
	switch dst.Kind {
	case KindPrimitive:
		if src.Name == dst.Name {
			return true
		}
		for _, from := range dst.CoerceFrom {
			if src.Name == from {
				return true
			}
		}
		return false
	case KindList:
		return Compatible(*src.Element, *dst.Element)
	case KindMap:
		return Compatible(*src.Value, *dst.Value)
	case KindContract:
		return src.Contract == dst.Contract && src.Credential == dst.Credential
	}
	return false
}

// Coerce converts a runtime value to the target type where the runtime
// coercion table allows it: text<->number and text<->boolean in both
// directions, anything into any, lists element-wise. The second return is
// false when the value cannot be represented in the target type; callers
// treat that as a warning, not an error.
func Coerce(value any, target DataType) (any, bool) {
	if value == nil {
		return nil, false
	}
	switch target.Kind {
	case KindPrimitive:
		return coercePrimitive(value, target.Name)
	case KindList:
		items, ok := value.([]any)
		if !ok {
			return nil, false
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			coerced, ok := Coerce(item, *target.Element)
			if !ok {
				return nil, false
			}
			out = append(out, coerced)
		}
		return out, true
	case KindMap:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		out := make(map[string]any, len(m))
		for k, v := range m {
			coerced, ok := Coerce(v, *target.Value)
			if !ok {
				return nil, false
			}
			out[k] = coerced
		}
		return out, true
	case KindContract:
		// Contracts are nominal; the value passes through untouched
		return value, true
	}
	return nil, false
}

func coercePrimitive(value any, name PrimitiveName) (any, bool) {
	switch name {
	case PrimAny, PrimJSON, PrimFile, PrimSecret:
		return value, true
	case PrimText:
		switch v := value.(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case int:
			return strconv.Itoa(v), true
		case int64:
			return strconv.FormatInt(v, 10), true
		case bool:
			return strconv.FormatBool(v), true
		}
		return nil, false
	case PrimNumber:
		switch v := value.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, false
			}
			return f, true
		}
		return nil, false
	case PrimBoolean:
		switch v := value.(type) {
		case bool:
			return v, true
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, false
			}
			return b, true
		}
		return nil, false
	}
	return nil, false
}
