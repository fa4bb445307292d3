// Package cast converts the untyped values produced by the bencode decoder
// (string, int64, []any, map[string]any) into the concrete Go types the
// metainfo and tracker packages expect.
package cast

import "fmt"

func ToString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("cast: %T is not a string", v)
	}
}

func ToBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("cast: %T is not a byte string", v)
	}
}

func ToInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("cast: %T is not an integer", v)
	}
}

func ToStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cast: %T is not a list", v)
	}

	out := make([]string, 0, len(list))
	for i, e := range list {
		s, err := ToString(e)
		if err != nil {
			return nil, fmt.Errorf("cast: element %d: %w", i, err)
		}
		out = append(out, s)
	}

	return out, nil
}

func ToTieredStrings(v any) ([][]string, error) {
	tiers, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cast: %T is not a list", v)
	}

	out := make([][]string, 0, len(tiers))
	for i, tier := range tiers {
		ss, err := ToStringSlice(tier)
		if err != nil {
			return nil, fmt.Errorf("cast: tier %d: %w", i, err)
		}
		out = append(out, ss)
	}

	return out, nil
}
