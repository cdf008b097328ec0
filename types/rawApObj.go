package types

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// RawApObj is a semi-structured activity document. Only known fields are interpreted.
type RawApObj struct {
	data map[string]any
}

func NewRawApObj(data map[string]any) *RawApObj {
	if data == nil {
		data = map[string]any{}
	}
	return &RawApObj{data}
}

func LoadAsRawApObj(body []byte) (*RawApObj, error) {
	var data map[string]any
	err := json.Unmarshal(body, &data)
	if err != nil {
		return nil, errors.Wrap(ErrNotAnObject, err.Error())
	}
	if data == nil {
		return nil, ErrNotAnObject
	}
	return &RawApObj{data}, nil
}

func (r *RawApObj) GetData() map[string]any {
	return r.data
}

func (r *RawApObj) Set(key string, value any) {
	if r.data == nil {
		r.data = map[string]any{}
	}
	r.data[key] = value
}

func (r *RawApObj) Delete(key string) {
	delete(r.data, key)
}

// Clone returns a deep copy.
func (r *RawApObj) Clone() *RawApObj {
	b, err := json.Marshal(r.data)
	if err != nil {
		return NewRawApObj(nil)
	}
	clone, err := LoadAsRawApObj(b)
	if err != nil {
		return NewRawApObj(nil)
	}
	return clone
}

func (r *RawApObj) get(key string) (any, bool) {
	keys := strings.Split(key, ".")
	var value any = r.data
	for _, k := range keys {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[k]
		if !ok || value == nil {
			return nil, false
		}
	}
	return value, true
}

func (r *RawApObj) GetRaw(key string) (*RawApObj, bool) {
	value, ok := r.get(key)
	if !ok {
		return nil, false
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return &RawApObj{m}, true
}

func (r *RawApObj) GetString(key string) (string, bool) {
	value, ok := r.get(key)
	if !ok {
		return "", false
	}

	if arr, ok := value.([]any); ok {
		if len(arr) == 0 {
			return "", false
		}
		str, ok := arr[0].(string)
		return str, ok
	}

	str, ok := value.(string)
	return str, ok
}

func (r *RawApObj) MustGetString(key string) string {
	str, ok := r.GetString(key)
	if !ok {
		return ""
	}
	return str
}

// GetList flattens a field that may hold a single reference, a list of references,
// or embedded objects into a list of ids.
func (r *RawApObj) GetList(key string) []string {
	value, ok := r.get(key)
	if !ok {
		return nil
	}
	return refList(value)
}

func refList(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return []string{id}
		}
		if href, ok := v["href"].(string); ok {
			return []string{href}
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, refList(item)...)
		}
		return out
	}
	return nil
}

func refID(value any) string {
	ids := refList(value)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func (r *RawApObj) ID() string {
	return r.MustGetString("id")
}

func (r *RawApObj) Type() ApType {
	return ApType(r.MustGetString("type"))
}

// ActorID returns the id behind actor, falling back to attributedTo.
func (r *RawApObj) ActorID() string {
	for _, key := range []string{"actor", "attributedTo"} {
		if value, ok := r.get(key); ok {
			if id := refID(value); id != "" {
				return id
			}
		}
	}
	return ""
}

// ObjectID returns the id of the object field, whether it is a reference or embedded.
func (r *RawApObj) ObjectID() string {
	value, ok := r.get("object")
	if !ok {
		return ""
	}
	return refID(value)
}

// Object returns the embedded object, if the object field is not a bare reference.
func (r *RawApObj) Object() (*RawApObj, bool) {
	return r.GetRaw("object")
}

// InReplyTo is nil for top-level objects.
func (r *RawApObj) InReplyTo() *string {
	value, ok := r.get("inReplyTo")
	if !ok {
		return nil
	}
	id := refID(value)
	if id == "" {
		return nil
	}
	return &id
}

func (r *RawApObj) Tags() []*RawApObj {
	value, ok := r.get("tag")
	if !ok {
		return nil
	}
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	}
	tags := make([]*RawApObj, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			tags = append(tags, &RawApObj{m})
		}
	}
	return tags
}

// Recipients returns to, cc, bto and bcc in that order.
func (r *RawApObj) Recipients() []string {
	var out []string
	for _, key := range []string{"to", "cc", "bto", "bcc"} {
		out = append(out, r.GetList(key)...)
	}
	return out
}

// ContentHash is a stable digest of the whole document, used as ap_id for payloads without one.
func (r *RawApObj) ContentHash() string {
	b, _ := json.Marshal(r.data)
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (r RawApObj) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.data)
}

func (r *RawApObj) UnmarshalJSON(b []byte) error {
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}
	r.data = data
	return nil
}

func (r RawApObj) Value() (driver.Value, error) {
	b, err := json.Marshal(r.data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *RawApObj) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		r.data = map[string]any{}
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return errors.Errorf("unsupported type for RawApObj: %T", value)
	}
	return r.UnmarshalJSON(b)
}

func (RawApObj) GormDataType() string {
	return "text"
}

// WrapObjectIfNeeded wraps a bare Note/Article/Question in the Create it was first delivered in.
// Edits travel as Update activities stored on their own. Activities are returned unchanged.
func WrapObjectIfNeeded(obj *RawApObj) *RawApObj {
	if !obj.Type().IsObject() {
		return obj
	}

	inner := obj.Clone()
	inner.Delete("@context")

	context, ok := obj.get("@context")
	if !ok {
		context = ActivityStreamsContext
	}

	wrapped := map[string]any{
		"@context": context,
		"actor":    obj.ActorID(),
		"object":   inner.data,
		"type":     string(TypeCreate),
		"id":       obj.ID() + "/activity",
	}
	for _, key := range []string{"to", "cc", "published"} {
		if v, ok := obj.get(key); ok {
			wrapped[key] = v
		}
	}
	return &RawApObj{wrapped}
}
