package filters

import "github.com/wudi/pdfops/ir/raw"

// ExtractFilters reads Filter and DecodeParms entries from a stream dictionary.
// Missing parameter entries are returned as nil so indices line up with names.
func ExtractFilters(dict raw.Dictionary) ([]string, []raw.Dictionary) {
	if dict == nil {
		return nil, nil
	}
	filterObj, ok := dict.Get("Filter")
	if !ok {
		return nil, nil
	}

	var names []string
	switch f := filterObj.(type) {
	case raw.NameObj:
		names = append(names, f.Val)
	case *raw.ArrayObj:
		for _, item := range f.Items {
			if n, ok := item.(raw.NameObj); ok {
				names = append(names, n.Val)
			}
		}
	}
	if len(names) == 0 {
		return nil, nil
	}

	params := make([]raw.Dictionary, len(names))
	if pObj, ok := dict.Get("DecodeParms"); ok {
		switch p := pObj.(type) {
		case *raw.DictObj:
			params[0] = p
		case *raw.ArrayObj:
			for i, item := range p.Items {
				if i >= len(params) {
					break
				}
				if d, ok := item.(*raw.DictObj); ok {
					params[i] = d
				}
			}
		}
	}
	return names, params
}

// IsGeneric reports whether name is a general-purpose (non-image) filter.
func IsGeneric(name string) bool {
	switch canonicalName(name) {
	case "FlateDecode", "LZWDecode", "RunLengthDecode", "ASCII85Decode", "ASCIIHexDecode":
		return true
	}
	return false
}

func intParam(params raw.Dictionary, key string, def int) int {
	if params == nil {
		return def
	}
	v, ok := params.Get(key)
	if !ok {
		return def
	}
	if n, ok := v.(raw.NumberObj); ok {
		return int(n.Int())
	}
	return def
}

func boolParam(params raw.Dictionary, key string) bool {
	if params == nil {
		return false
	}
	if v, ok := params.Get(key); ok {
		if b, ok := v.(raw.BoolObj); ok {
			return b.V
		}
	}
	return false
}
