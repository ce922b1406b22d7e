package sources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// number decodes a JSON value that may be a bare number or a quoted one.
// Proto JSON encodes int64 as strings and the Graph API quotes every metric.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q", s)
		}
		*n = number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

func (n number) f64() float64 { return float64(n) }

func (n number) i64() int64 { return int64(n) }
