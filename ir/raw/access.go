package raw

import (
	"errors"
	"fmt"
)

var (
	// ErrTypeMismatch is returned when an object is read as the wrong variant.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrMissingKey is returned when a dictionary has no entry for a name.
	ErrMissingKey = errors.New("missing key")
	// ErrMissingObject is returned when a reference does not resolve.
	ErrMissingObject = errors.New("missing object")
)

func mismatch(want string, got Object) error {
	if got == nil {
		return fmt.Errorf("%w: want %s, got nothing", ErrTypeMismatch, want)
	}
	return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, want, got.Type())
}

// AsDict returns obj as a dictionary. A stream is not a dictionary.
func AsDict(obj Object) (*DictObj, error) {
	d, ok := obj.(*DictObj)
	if !ok || d == nil {
		return nil, mismatch("dict", obj)
	}
	return d, nil
}

// AsArray returns obj as an array.
func AsArray(obj Object) (*ArrayObj, error) {
	a, ok := obj.(*ArrayObj)
	if !ok || a == nil {
		return nil, mismatch("array", obj)
	}
	return a, nil
}

// AsStream returns obj as a stream.
func AsStream(obj Object) (*StreamObj, error) {
	s, ok := obj.(*StreamObj)
	if !ok || s == nil {
		return nil, mismatch("stream", obj)
	}
	return s, nil
}

// AsName returns the value of a name object.
func AsName(obj Object) (string, error) {
	n, ok := obj.(NameObj)
	if !ok {
		return "", mismatch("name", obj)
	}
	return n.Val, nil
}

// AsInt returns the value of an integer object. Reals are rejected even when
// they hold a whole number.
func AsInt(obj Object) (int64, error) {
	n, ok := obj.(NumberObj)
	if !ok || !n.IsInt {
		return 0, mismatch("integer", obj)
	}
	return n.I, nil
}

// AsNumber returns the value of an integer or real object.
func AsNumber(obj Object) (float64, error) {
	n, ok := obj.(NumberObj)
	if !ok {
		return 0, mismatch("number", obj)
	}
	return n.Float(), nil
}

// AsRef returns the target of a reference object.
func AsRef(obj Object) (ObjectRef, error) {
	r, ok := obj.(RefObj)
	if !ok {
		return ObjectRef{}, mismatch("ref", obj)
	}
	return r.R, nil
}

// AsString returns the bytes of a string object.
func AsString(obj Object) ([]byte, error) {
	s, ok := obj.(StringObj)
	if !ok {
		return nil, mismatch("string", obj)
	}
	return s.Bytes, nil
}

// AsBool returns the value of a boolean object.
func AsBool(obj Object) (bool, error) {
	b, ok := obj.(BoolObj)
	if !ok {
		return false, mismatch("boolean", obj)
	}
	return b.V, nil
}

// Value looks up key in d.
func Value(d Dictionary, key string) (Object, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: /%s", ErrMissingKey, key)
	}
	v, ok := d.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: /%s", ErrMissingKey, key)
	}
	return v, nil
}

// NameValue looks up key in d and reads it as a name.
func NameValue(d Dictionary, key string) (string, error) {
	v, err := Value(d, key)
	if err != nil {
		return "", err
	}
	n, err := AsName(v)
	if err != nil {
		return "", fmt.Errorf("/%s: %w", key, err)
	}
	return n, nil
}

// IntValue looks up key in d and reads it as an integer.
func IntValue(d Dictionary, key string) (int64, error) {
	v, err := Value(d, key)
	if err != nil {
		return 0, err
	}
	i, err := AsInt(v)
	if err != nil {
		return 0, fmt.Errorf("/%s: %w", key, err)
	}
	return i, nil
}

// RefValue looks up key in d and reads it as a reference.
func RefValue(d Dictionary, key string) (ObjectRef, error) {
	v, err := Value(d, key)
	if err != nil {
		return ObjectRef{}, err
	}
	r, err := AsRef(v)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("/%s: %w", key, err)
	}
	return r, nil
}

// ArrayValue looks up key in d and reads it as a direct array.
func ArrayValue(d Dictionary, key string) (*ArrayObj, error) {
	v, err := Value(d, key)
	if err != nil {
		return nil, err
	}
	a, err := AsArray(v)
	if err != nil {
		return nil, fmt.Errorf("/%s: %w", key, err)
	}
	return a, nil
}

// TypeName returns the /Type name of a dictionary or stream dictionary, or ""
// when obj has none.
func TypeName(obj Object) string {
	var d *DictObj
	switch v := obj.(type) {
	case *DictObj:
		d = v
	case *StreamObj:
		d = v.Dict
	default:
		return ""
	}
	name, err := NameValue(d, "Type")
	if err != nil {
		return ""
	}
	return name
}

// DictOf returns the dictionary of a dictionary or a stream.
func DictOf(obj Object) (*DictObj, bool) {
	switch v := obj.(type) {
	case *DictObj:
		return v, v != nil
	case *StreamObj:
		return v.Dict, v.Dict != nil
	}
	return nil, false
}
