// Package domain defines the profile record shared by the built-in catalog,
// the local overlay and the combined view.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Reserved JSON keys owned by Profile itself. Every other key is opaque.
const (
	KeyID        = "id"
	KeyCreatedAt = "createdAt"
	KeyUpdatedAt = "updatedAt"
)

// Profile is one animal-care record. Only the identity and timestamp fields are
// understood here; every other field is carried as raw JSON and re-emitted
// unchanged. Raw values are held in compact form.
type Profile struct {
	ID        string
	CreatedAt string // ISO-8601, caller supplied
	UpdatedAt string // ISO-8601, caller supplied
	Fields    map[string]json.RawMessage
}

// Patch maps field names to replacement raw JSON values. A JSON null removes
// an opaque field.
type Patch map[string]json.RawMessage

// PatchError reports a patch entry that cannot be applied.
type PatchError struct {
	Field  string
	Reason string
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patch field %q: %s", e.Field, e.Reason)
}

func isReserved(name string) bool {
	return name == KeyID || name == KeyCreatedAt || name == KeyUpdatedAt
}

// Clone returns a deep copy; raw field bytes are not shared.
func (p Profile) Clone() Profile {
	cp := p
	if p.Fields != nil {
		cp.Fields = make(map[string]json.RawMessage, len(p.Fields))
		for k, v := range p.Fields {
			cp.Fields[k] = append(json.RawMessage(nil), v...)
		}
	}
	return cp
}

// Field returns the raw value of an opaque field.
func (p Profile) Field(name string) (json.RawMessage, bool) {
	v, ok := p.Fields[name]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

// DecodeField unmarshals an opaque field into dst. It reports false when the
// field is absent.
func (p Profile) DecodeField(name string, dst any) (bool, error) {
	raw, ok := p.Fields[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode field %s: %w", name, err)
	}
	return true, nil
}

// SetField marshals value into an opaque field. Reserved keys must be set via
// the struct fields.
func (p *Profile) SetField(name string, value any) error {
	if isReserved(name) {
		return fmt.Errorf("field %s is reserved", name)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty field name")
	}
	b, err := Encode(value, "")
	if err != nil {
		return fmt.Errorf("encode field %s: %w", name, err)
	}
	if p.Fields == nil {
		p.Fields = make(map[string]json.RawMessage)
	}
	p.Fields[name] = b
	return nil
}

// Equal reports whether both profiles carry the same identity, timestamps
// and field bytes.
func (p Profile) Equal(o Profile) bool {
	if p.ID != o.ID || p.CreatedAt != o.CreatedAt || p.UpdatedAt != o.UpdatedAt {
		return false
	}
	if len(p.Fields) != len(o.Fields) {
		return false
	}
	for k, v := range p.Fields {
		ov, ok := o.Fields[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Apply returns a copy of p with the patch applied. The id may appear in the
// patch only with its current value. Timestamps must be strings.
func (p Profile) Apply(patch Patch) (Profile, error) {
	out := p.Clone()
	names := make([]string, 0, len(patch))
	for name := range patch {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		raw := patch[name]
		if !json.Valid(raw) {
			return Profile{}, &PatchError{Field: name, Reason: "invalid JSON value"}
		}
		if isReserved(name) {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return Profile{}, &PatchError{Field: name, Reason: "must be a string"}
			}
			switch name {
			case KeyID:
				if s != p.ID {
					return Profile{}, &PatchError{Field: name, Reason: "id cannot be changed"}
				}
			case KeyCreatedAt:
				out.CreatedAt = s
			case KeyUpdatedAt:
				out.UpdatedAt = s
			}
			continue
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			delete(out.Fields, name)
			continue
		}
		compacted, err := compact(raw)
		if err != nil {
			return Profile{}, &PatchError{Field: name, Reason: err.Error()}
		}
		if out.Fields == nil {
			out.Fields = make(map[string]json.RawMessage)
		}
		out.Fields[name] = compacted
	}
	return out, nil
}

// MarshalJSON emits a flat object: id, createdAt, updatedAt, then opaque
// fields sorted by key.
func (p Profile) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := writeMember(&buf, KeyID, p.ID, true); err != nil {
		return nil, err
	}
	if err := writeMember(&buf, KeyCreatedAt, p.CreatedAt, false); err != nil {
		return nil, err
	}
	if err := writeMember(&buf, KeyUpdatedAt, p.UpdatedAt, false); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw := p.Fields[k]
		if !json.Valid(raw) {
			return nil, fmt.Errorf("profile %s: field %s holds invalid JSON", p.ID, k)
		}
		name, err := Encode(k, "")
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key, value string, first bool) error {
	v, err := Encode(value, "")
	if err != nil {
		return err
	}
	if !first {
		buf.WriteByte(',')
	}
	buf.WriteByte('"')
	buf.WriteString(key)
	buf.WriteString(`":`)
	buf.Write(v)
	return nil
}

// UnmarshalJSON accepts a flat object. Reserved keys must hold strings when
// present; all other members are kept as compact raw JSON.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	if members == nil {
		return fmt.Errorf("profile must be a JSON object")
	}
	out := Profile{}
	for k, raw := range members {
		if isReserved(k) {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("profile %s must be a string: %w", k, err)
			}
			switch k {
			case KeyID:
				out.ID = s
			case KeyCreatedAt:
				out.CreatedAt = s
			case KeyUpdatedAt:
				out.UpdatedAt = s
			}
			continue
		}
		compacted, err := compact(raw)
		if err != nil {
			return fmt.Errorf("profile field %s: %w", k, err)
		}
		if out.Fields == nil {
			out.Fields = make(map[string]json.RawMessage, len(members))
		}
		out.Fields[k] = compacted
	}
	*p = out
	return nil
}

// Encode marshals v with HTML escaping off so opaque field bytes come out as
// they went in. A non-empty indent pretty-prints the output.
func Encode(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

// CloneAll deep-copies a slice of profiles.
func CloneAll(in []Profile) []Profile {
	if in == nil {
		return nil
	}
	out := make([]Profile, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}
