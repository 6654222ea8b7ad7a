// Package render turns arbitrary message field values into plain,
// printable, deterministic text suitable for appending to a session log.
//
// Value never panics.  Strings carrying control or non-ASCII bytes are
// hex-encoded, containers are expanded one element per line, and opaque
// objects are reduced to their String form or their type name.
package render

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// MaxDepth bounds container nesting.  Anything deeper renders as "...".
const MaxDepth = 32

// MaxElements bounds the number of container elements rendered for a
// single value.  Once spent, each open container ends with a "..." line.
const MaxElements = 1 << 16

// DefaultIndent is the indent applied to the first nesting level of a
// field dump.
const DefaultIndent = 2

// Empty is written in place of a zero-length string.
const Empty = "(empty)"

// Field is one named value of a decoded message.  Message kinds supply
// their fields as an ordered slice so the dump follows wire order.
type Field struct {
	Name  string
	Value any
}

// Fields renders a field dump: one " name: value" line per field, with
// trailing whitespace removed.
func Fields(fields []Field) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(Value(f.Value, DefaultIndent))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), " \t\r\n")
}

// Value renders v.  indent is the number of spaces placed before the
// elements of a container; each nested level adds one.  A map or slice
// that contains itself renders the inner occurrence as "...".
func Value(v any, indent int) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = typeName(v)
		}
	}()
	return newWalker().value(v, indent, 0)
}

// visit identifies a map or slice on the current rendering path.
type visit struct {
	ptr uintptr
	len int
	typ reflect.Type
}

type walker struct {
	path map[visit]struct{}
	left int
}

func newWalker() *walker {
	return &walker{path: make(map[visit]struct{}), left: MaxElements}
}

// enter records rv on the path.  It reports false when rv is already
// being rendered further up.
func (w *walker) enter(rv reflect.Value) (visit, bool) {
	k := visit{ptr: rv.Pointer(), typ: rv.Type()}
	if k.ptr == 0 {
		return k, true
	}
	if rv.Kind() == reflect.Slice {
		k.len = rv.Len()
	}
	if _, ok := w.path[k]; ok {
		return k, false
	}
	w.path[k] = struct{}{}
	return k, true
}

func (w *walker) leave(k visit) {
	delete(w.path, k)
}

func (w *walker) value(v any, indent, depth int) string {
	if depth > MaxDepth {
		return "..."
	}

	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return printable(x)
	case []byte:
		return printable(string(x))
	case []Field:
		k, ok := w.enter(reflect.ValueOf(x))
		if !ok {
			return "..."
		}
		defer w.leave(k)
		return w.fieldList(x, indent, depth)
	case fmt.Stringer:
		return describe(x, x.String)
	case error:
		return describe(x, x.Error)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return printable(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128, reflect.Bool:
		return fmt.Sprint(v)
	case reflect.Slice:
		if rv.IsNil() {
			return "Array:"
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return printable(string(rv.Bytes()))
		}
		k, ok := w.enter(rv)
		if !ok {
			return "..."
		}
		defer w.leave(k)
		return w.sequence(rv, indent, depth)
	case reflect.Array:
		return w.sequence(rv, indent, depth)
	case reflect.Map:
		k, ok := w.enter(rv)
		if !ok {
			return "..."
		}
		defer w.leave(k)
		return w.mapping(rv, indent, depth)
	default:
		// structs, pointers, funcs, channels: never look inside
		return typeName(v)
	}
}

// take spends one element of the budget.  When none is left it closes
// the container with a "..." line and reports false.
func (w *walker) take(b *strings.Builder, indent int) bool {
	if w.left <= 0 {
		b.WriteByte('\n')
		b.WriteString(strings.Repeat(" ", indent))
		b.WriteString("...")
		return false
	}
	w.left--
	return true
}

// printable returns s as-is when every byte is printable ASCII, a
// 0x-prefixed hex dump otherwise.
func printable(s string) string {
	if s == "" {
		return Empty
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return "0x" + hex.EncodeToString([]byte(s))
		}
	}
	return s
}

// describe calls an object's own textual form, falling back to the type
// name for nil receivers and methods that panic.
func describe(v any, text func() string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = typeName(v)
		}
	}()
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return typeName(v)
	}
	return printable(text())
}

func (w *walker) fieldList(fields []Field, indent, depth int) string {
	var b strings.Builder
	b.WriteString("Array:")
	for _, f := range fields {
		if !w.take(&b, indent) {
			break
		}
		line(&b, f.Name, w.value(f.Value, indent+1, depth+1), indent)
	}
	return b.String()
}

func (w *walker) sequence(rv reflect.Value, indent, depth int) string {
	var b strings.Builder
	b.WriteString("Array:")
	for i := 0; i < rv.Len(); i++ {
		if !w.take(&b, indent) {
			break
		}
		line(&b, fmt.Sprint(i), w.value(rv.Index(i).Interface(), indent+1, depth+1), indent)
	}
	return b.String()
}

func (w *walker) mapping(rv reflect.Value, indent, depth int) string {
	type entry struct {
		key, val string
		v        reflect.Value
	}
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key := iter.Key().Interface()
		entries = append(entries, entry{
			key: newWalker().value(key, 0, MaxDepth),
			val: typeName(key),
			v:   iter.Value(),
		})
	}
	// Values are rendered in key order so the element budget is spent
	// the same way on every call.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return entries[i].val < entries[j].val
	})

	var b strings.Builder
	b.WriteString("Array:")
	n := 0
	for ; n < len(entries); n++ {
		if w.left <= 0 {
			break
		}
		w.left--
		entries[n].val = w.value(entries[n].v.Interface(), indent+1, depth+1)
	}
	done := entries[:n]
	// Equal rendered keys (1 and "1" in a map[any]any) fall back to the
	// value so the output never depends on map iteration order.
	sort.Slice(done, func(i, j int) bool {
		if done[i].key != done[j].key {
			return done[i].key < done[j].key
		}
		return done[i].val < done[j].val
	})
	for _, e := range done {
		line(&b, e.key, e.val, indent)
	}
	if n < len(entries) {
		w.take(&b, indent)
	}
	return b.String()
}

func line(b *strings.Builder, key, rendered string, indent int) {
	b.WriteByte('\n')
	b.WriteString(strings.Repeat(" ", indent))
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(rendered)
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return reflect.TypeOf(v).String()
}
