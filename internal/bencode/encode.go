package bencode

import (
	"sort"
	"strconv"
)

// Encode produces the canonical bencode representation of v: dict keys are
// always written in sorted order, regardless of the map iteration order
// they came from.
func Encode(v Value) []byte {
	return appendValue(make([]byte, 0, 64), v)
}

func appendValue(buf []byte, v Value) []byte {
	switch v.Kind {
	case KindInt:
		buf = append(buf, 'i')
		buf = strconv.AppendInt(buf, v.Int, 10)
		buf = append(buf, 'e')
	case KindString:
		buf = strconv.AppendInt(buf, int64(len(v.Str)), 10)
		buf = append(buf, ':')
		buf = append(buf, v.Str...)
	case KindList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			buf = appendValue(buf, item)
		}
		buf = append(buf, 'e')
	case KindDict:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendValue(buf, Str(k))
			buf = appendValue(buf, v.Dict[k])
		}
		buf = append(buf, 'e')
	}
	return buf
}
