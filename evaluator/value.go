// Package evaluator transforms a parsed .pc document plus resolved imports
// and bound data into a virtual document, deterministically: identical
// inputs produce byte-identical output, including CSS rule order and
// semantic id assignment.
package evaluator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Value is JSON-shaped bound data: nil, bool, float64, string,
// []interface{}, or map[string]interface{}.
type Value = interface{}

// truthy implements conditional semantics: nil, false, zero, the empty
// string, and empty collections are false.
func truthy(v Value) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	}
	return true
}

// stringify renders a value the way it appears in text nodes and
// attributes. Whole numbers print without a decimal point.
func stringify(v Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case string:
		return t
	}
	return canonical(v)
}

// canonical renders any value in a stable form: map keys sorted, no
// whitespace. Used for auto-derived repeat keys.
func canonical(v Value) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v Value) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool, float64, int:
		sb.WriteString(stringify(t))
	case string:
		sb.WriteString(strconv.Quote(t))
	case []interface{}:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	default:
		fmt.Fprintf(sb, "%v", t)
	}
}

// contentKey derives the stable auto key for a repeat item.
func contentKey(v Value) string {
	return fmt.Sprintf("%08x", xxhash.Sum64String(canonical(v))&0xffffffff)
}

// shortHash condenses a source id into the 8-character form used in
// semantic id segments and generated selectors.
func shortHash(sourceID string) string {
	if len(sourceID) >= 8 {
		return sourceID[:8]
	}
	return sourceID
}

// scope is a lexical binding chain. The frame scope at the bottom falls
// back to the bound data: first by field name, then to the whole value,
// so previews can bind a single sample record to a component parameter.
type scope struct {
	parent *scope
	name   string
	value  Value
	// frameData is set only on the root scope.
	frameData Value
	isFrame   bool
}

func frameScope(data Value) *scope {
	return &scope{frameData: data, isFrame: true}
}

func (s *scope) child(name string, value Value) *scope {
	return &scope{parent: s, name: name, value: value}
}

func (s *scope) lookup(name string) (Value, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.isFrame {
			if m, ok := cur.frameData.(map[string]interface{}); ok {
				if v, exists := m[name]; exists {
					return v, true
				}
			}
			if cur.frameData != nil {
				return cur.frameData, true
			}
			return nil, false
		}
		if cur.name == name {
			return cur.value, true
		}
	}
	return nil, false
}
