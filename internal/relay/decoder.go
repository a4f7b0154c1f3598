package relay

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nerrad567/hame-relay-core/internal/device"
	"github.com/nerrad567/hame-relay-core/internal/schema"
)

// ErrMalformedPayload is returned when a device payload is not a
// comma-separated list of key=value pairs.
var ErrMalformedPayload = errors.New("relay: malformed device payload")

// KeyValueDecoder parses device telemetry of the form "k=v,k=v".
//
// Finite numeric values become float64, everything else stays a string
// ("nan" and "inf" included, as JSON cannot carry them). Empty segments
// (a trailing comma) are ignored.
type KeyValueDecoder struct{}

// Decode parses payload into raw key/value pairs.
func (KeyValueDecoder) Decode(payload []byte) (map[string]any, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}

	values := make(map[string]any)
	for _, segment := range strings.Split(text, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, value, ok := strings.Cut(segment, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: segment %q", ErrMalformedPayload, segment)
		}
		values[key] = parseValue(strings.TrimSpace(value))
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrMalformedPayload)
	}
	return values, nil
}

func parseValue(s string) any {
	f, err := strconv.ParseFloat(s, 64)
	if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return s
}

// Distribute splits raw values into per-path fragments using each message
// definition's field map (raw key -> state key). Keys no message claims are
// dropped. Paths with nothing to update are omitted.
func Distribute(def *schema.Definition, raw map[string]any) map[string]device.State {
	fragments := make(map[string]device.State)
	for _, msg := range def.Messages {
		for rawKey, stateKey := range msg.Fields {
			v, ok := raw[rawKey]
			if !ok {
				continue
			}
			frag := fragments[msg.PublishPath]
			if frag == nil {
				frag = make(device.State)
				fragments[msg.PublishPath] = frag
			}
			frag[stateKey] = v
		}
	}
	return fragments
}
