package chainlog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chainlog/chainlog/internal/buffer"
)

// Formatter turns a record into its serialized byte form. Implementations
// must be pure: no I/O, no shared mutable state beyond their configuration.
// Any type satisfying the interface can be registered with a registry, no
// embedding required.
type Formatter interface {
	Format(rec *Record) ([]byte, error)
}

// DefaultTextTemplate is the line layout used by TextFormatter unless
// overridden. Placeholders are written {field} or {field:width}; width pads
// the rendered value with spaces on the right.
const DefaultTextTemplate = "{time} | {level:8} | {name} | {message} | {ctx}"

// DefaultTimeFormat renders timestamps as second-precision ISO-8601.
const DefaultTimeFormat = "2006-01-02T15:04:05"

// TextFormatter renders records as a delimited human-readable line. The
// field set and order follow the template; a captured error and stack are
// appended on their own lines. Map-valued fields (ctx, extras) render with
// sorted keys so the output is stable.
type TextFormatter struct {
	// Template is the line layout. Recognized fields: time, level, name,
	// message, args, extras, ctx, file, line, function.
	Template string

	// TimeFormat is the Go layout used for the time field.
	TimeFormat string
}

// NewTextFormatter returns a text formatter with the default template.
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		Template:   DefaultTextTemplate,
		TimeFormat: DefaultTimeFormat,
	}
}

// Format renders the record according to the template.
func (f *TextFormatter) Format(rec *Record) ([]byte, error) {
	buf := buffer.Get()
	defer buffer.Put(buf)

	template := f.Template
	if template == "" {
		template = DefaultTextTemplate
	}

	for {
		open := strings.IndexByte(template, '{')
		if open < 0 {
			buf.WriteString(template)
			break
		}
		closing := strings.IndexByte(template[open:], '}')
		if closing < 0 {
			buf.WriteString(template)
			break
		}
		closing += open
		buf.WriteString(template[:open])

		field := template[open+1 : closing]
		width := 0
		if i := strings.IndexByte(field, ':'); i >= 0 {
			if w, err := strconv.Atoi(field[i+1:]); err == nil {
				width = w
			}
			field = field[:i]
		}
		value := f.fieldValue(rec, field)
		buf.WriteString(value)
		for pad := width - len(value); pad > 0; pad-- {
			buf.WriteByte(' ')
		}
		template = template[closing+1:]
	}

	if rec.Err != nil {
		buf.WriteByte('\n')
		buf.WriteString(fmt.Sprintf("%T: %v", rec.Err, rec.Err))
	}
	if rec.Stack != "" {
		buf.WriteByte('\n')
		buf.WriteString(rec.Stack)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (f *TextFormatter) fieldValue(rec *Record, field string) string {
	switch field {
	case "time":
		layout := f.TimeFormat
		if layout == "" {
			layout = DefaultTimeFormat
		}
		return rec.Time.Format(layout)
	case "level":
		return rec.Level.String()
	case "name":
		return rec.Name
	case "message":
		return rec.Message
	case "args":
		if len(rec.Args) == 0 {
			return ""
		}
		return fmt.Sprintf("%v", rec.Args)
	case "extras":
		return formatFields(rec.Extras)
	case "ctx":
		return formatFields(rec.Ctx)
	case "file":
		return rec.File
	case "line":
		if rec.Line == 0 {
			return ""
		}
		return strconv.Itoa(rec.Line)
	case "function":
		return rec.Function
	default:
		// Unknown placeholders render literally so template typos are
		// visible in the output instead of silently vanishing.
		return "{" + field + "}"
	}
}

// formatFields renders a map as {k=v k2=v2} with sorted keys.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		fmt.Fprintf(&sb, "%v", fields[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

// SerializerFunc encodes a value to bytes; JSONFormatter's pluggable codec.
type SerializerFunc func(v interface{}) ([]byte, error)

// JSONFormatter renders records as a single-line JSON object with a fixed
// field set and order: time, level, name, message, args, extras, ctx,
// error, file, line, function. The field set and order are an external
// contract for downstream aggregation; do not reorder.
type JSONFormatter struct {
	// Serializer encodes the assembled object. Defaults to encoding/json.
	Serializer SerializerFunc

	// TimeFormat is the Go layout used for the time field.
	TimeFormat string
}

// NewJSONFormatter returns a JSON formatter using encoding/json.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{
		Serializer: json.Marshal,
		TimeFormat: DefaultTimeFormat,
	}
}

type jsonError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Stack   string `json:"stack,omitempty"`
}

type jsonRecord struct {
	Time     string                 `json:"time"`
	Level    string                 `json:"level"`
	Name     string                 `json:"name"`
	Message  string                 `json:"message"`
	Args     []interface{}          `json:"args,omitempty"`
	Extras   map[string]interface{} `json:"extras,omitempty"`
	Ctx      map[string]interface{} `json:"ctx,omitempty"`
	Error    *jsonError             `json:"error,omitempty"`
	File     string                 `json:"file,omitempty"`
	Line     int                    `json:"line,omitempty"`
	Function string                 `json:"function,omitempty"`
}

// Format serializes the record. If the serializer rejects a value (an extras
// entry holding a channel, say), the formatter degrades by stringifying the
// offending maps and serializing again rather than failing the log call.
func (f *JSONFormatter) Format(rec *Record) ([]byte, error) {
	layout := f.TimeFormat
	if layout == "" {
		layout = DefaultTimeFormat
	}
	obj := jsonRecord{
		Time:     rec.Time.Format(layout),
		Level:    rec.Level.String(),
		Name:     rec.Name,
		Message:  rec.Message,
		Args:     rec.Args,
		Extras:   rec.Extras,
		Ctx:      rec.Ctx,
		File:     rec.File,
		Line:     rec.Line,
		Function: rec.Function,
	}
	if rec.Err != nil {
		obj.Error = &jsonError{
			Message: rec.Err.Error(),
			Type:    fmt.Sprintf("%T", rec.Err),
			Stack:   rec.Stack,
		}
	}

	serialize := f.Serializer
	if serialize == nil {
		serialize = json.Marshal
	}
	out, err := serialize(obj)
	if err == nil {
		return out, nil
	}

	obj.Args = stringifySlice(rec.Args)
	obj.Extras = stringifyMap(rec.Extras)
	obj.Ctx = stringifyMap(rec.Ctx)
	return serialize(obj)
}

func stringifySlice(in []interface{}) []interface{} {
	if in == nil {
		return nil
	}
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = fmt.Sprintf("%v", v)
	}
	return out
}

func stringifyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
