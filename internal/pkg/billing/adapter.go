package billing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Adapter authenticates one gateway's raw notifications and turns them into
// canonical events. A verified notification may yield zero events.
type Adapter interface {
	Provider() string
	VerifyAndParse(headers http.Header, body []byte) ([]Event, error)
}

// flexID accepts ids that gateways send either as JSON strings or numbers,
// and expandable references sent as {"id": ...} objects.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null" || s == "":
		*f = ""
	case strings.HasPrefix(s, `"`):
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexID(v)
	case strings.HasPrefix(s, "{"):
		var v struct {
			ID flexID `json:"id"`
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = v.ID
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid id %s: %w", s, err)
		}
		*f = flexID(n.String())
	}
	return nil
}

func (f flexID) String() string { return string(f) }

// stringMap flattens metadata whose values may not all be strings.
func stringMap(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case nil:
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func cloneBody(body []byte) json.RawMessage {
	return append(json.RawMessage(nil), body...)
}
