package queue

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestBatchRoundTrip(t *testing.T) {
	var records []json.RawMessage
	for i := 0; i < 5; i++ {
		records = append(records, json.RawMessage(fmt.Sprintf(`{"data":{"cert_index":%d,"source":{"name":"log-%d"}}}`, i, i)))
	}

	body, err := EncodeBatch(records)
	if err != nil {
		t.Fatalf("unexpected error while encoding batch: %s", err)
	}

	decoded, err := DecodeBatch(body)
	if err != nil {
		t.Fatalf("unexpected error while decoding batch: %s", err)
	}

	if len(decoded) != len(records) {
		t.Fatalf("expected %d records, but got %d", len(records), len(decoded))
	}
	for i := range records {
		if string(decoded[i]) != string(records[i]) {
			t.Fatalf("expected record %s, but got %s", records[i], decoded[i])
		}
	}
}

func TestDecodeBatchInvalid(t *testing.T) {
	if _, err := DecodeBatch([]byte(`{"not":"an array"`)); err == nil {
		t.Fatalf("expected an error, but got none")
	}
}
