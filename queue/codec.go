package queue

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Wire form of a batch: a single JSON array holding the raw feed messages in
// arrival order. Records pass through verbatim, so encode/decode round trips
// are byte-preserving.

func EncodeBatch(records []json.RawMessage) ([]byte, error) {
	body, err := json.Marshal(records)
	if err != nil {
		return nil, errors.Wrap(err, "encode batch")
	}
	return body, nil
}

func DecodeBatch(body []byte) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, errors.Wrap(err, "decode batch")
	}
	return records, nil
}
