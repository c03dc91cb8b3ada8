package jobrunner

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes a job's arguments into the stable binary payload
// format every registered handler decodes with Decode. Any type msgpack
// can marshal is valid; job argument structs are plain data, no methods
// required.
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode is the symmetric counterpart of Encode. A handler's Args type
// must round-trip through Encode/Decode; this is checked at execution
// time, not at enqueue time (spec invariant: data is valid input to some
// registered handler's decoder, not enforced at insert).
func Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
