package errors

import (
	"encoding/json"
	"fmt"
)

// CodecJSON encodes error data as JSON documents. If `pretty`
// is set to `true` the output will be indented for readability.
func CodecJSON(pretty bool) Codec {
	return &jsonCodec{pretty: pretty}
}

type jsonCodec struct {
	pretty bool
}

func (c *jsonCodec) Marshal(err error) ([]byte, error) {
	data := map[string]interface{}{
		"error": err.Error(),
	}
	var oe *Error
	if As(err, &oe) {
		data["stamp"] = oe.Stamp()
		data["trace"] = oe.PortableTrace()
		if hints := oe.Hints(); len(hints) > 0 {
			data["hints"] = hints
		}
		if tags := oe.Tags(); len(tags) > 0 {
			data["tags"] = tags
		}
		if ev := oe.Events(); ev != nil {
			data["events"] = ev
		}
	}
	if c.pretty {
		return json.MarshalIndent(data, "", "  ")
	}
	return json.Marshal(data)
}

// Unmarshal restores an error instance from a report previously produced
// by Marshal. Only the top-level message survives the round trip; the
// stack, hints, tags and events are diagnostic and not reconstructed.
func (c *jsonCodec) Unmarshal(src []byte) (bool, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(src, &data); err != nil {
		return false, nil
	}
	msg, _ := data["error"].(string)
	if msg == "" {
		return false, nil
	}
	return true, fmt.Errorf("%s", msg)
}
