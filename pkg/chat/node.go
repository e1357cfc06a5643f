package chat

import (
	"fmt"
	"strconv"
)

// anyToString renders a JSON-decoded scalar the way it appeared in the
// document: whole numbers lose the trailing ".0" float form.
func anyToString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}

// nodeString returns the node field as a string, or "" when absent.
func nodeString(node Node, key string) string {
	if node == nil {
		return ""
	}
	v, ok := node[key]
	if !ok || v == nil {
		return ""
	}
	return anyToString(v)
}

// nodeStringPtr returns the node field as a string pointer, or nil when the
// field is absent or not a string.
func nodeStringPtr(node Node, key string) *string {
	if node == nil {
		return nil
	}
	if s, ok := node[key].(string); ok {
		return &s
	}
	return nil
}

// nodeInt returns the node field as an int. JSON numbers decode as float64.
func nodeInt(node Node, key string) (int, bool) {
	if node == nil {
		return 0, false
	}
	switch value := node[key].(type) {
	case float64:
		return int(value), true
	case int:
		return value, true
	}
	return 0, false
}

// nodeIntPtr returns the node field as an int pointer, or nil when absent.
func nodeIntPtr(node Node, key string) *int {
	if n, ok := nodeInt(node, key); ok {
		return &n
	}
	return nil
}
