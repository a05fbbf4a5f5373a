package index

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aau-network-security/certflow/app"
	"github.com/aau-network-security/certflow/metrics"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog"
)

// fake _bulk endpoint that fails the documents in "failing" with a mapping
// error and accepts everything else
func newFakeStore(t *testing.T, failing map[string]bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		if !strings.HasSuffix(r.URL.Path, "/_bulk") {
			w.Write([]byte(`{}`))
			return
		}

		type action struct {
			Index struct {
				Id string `json:"_id"`
			} `json:"index"`
		}

		var items []string
		scanner := bufio.NewScanner(r.Body)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		expectAction := true
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if expectAction {
				var a action
				if err := json.Unmarshal([]byte(line), &a); err != nil {
					t.Errorf("failed to decode bulk action line: %s", err)
					return
				}
				if failing[a.Index.Id] {
					items = append(items, fmt.Sprintf(`{"index":{"_id":%q,"status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse"}}}`, a.Index.Id))
				} else {
					items = append(items, fmt.Sprintf(`{"index":{"_id":%q,"status":201}}`, a.Index.Id))
				}
			}
			expectAction = !expectAction
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"took":1,"errors":%t,"items":[%s]}`, len(failing) > 0, strings.Join(items, ","))
	}))
}

func documents(n int) []*Document {
	var docs []*Document
	for i := 1; i <= n; i++ {
		docs = append(docs, &Document{
			ID:          fmt.Sprintf("%d-ab", i),
			CertIndex:   int64(i),
			Fingerprint: "AB",
		})
	}
	return docs
}

func newBulk(t *testing.T, url string) *Bulk {
	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{url}})
	if err != nil {
		t.Fatalf("unexpected error while creating client: %s", err)
	}
	el := app.NewZeroLogger(nil, zerolog.Disabled)
	return NewBulk(es, StoreConfig{Index: "certstream"}, metrics.NewService(metrics.Opts{}), el)
}

func TestBulkIndex(t *testing.T) {
	srv := newFakeStore(t, nil)
	defer srv.Close()

	b := newBulk(t, srv.URL)
	st, err := b.Index(context.Background(), documents(5))
	if err != nil {
		t.Fatalf("unexpected error while indexing: %s", err)
	}
	if st.Indexed != 5 {
		t.Fatalf("expected %d indexed documents, but got %d", 5, st.Indexed)
	}
	if st.Failed != 0 {
		t.Fatalf("expected %d failed documents, but got %d", 0, st.Failed)
	}
}

func TestBulkIndexPartialFailure(t *testing.T) {
	// document #3 fails validation; the remaining documents are still indexed
	srv := newFakeStore(t, map[string]bool{"3-ab": true})
	defer srv.Close()

	b := newBulk(t, srv.URL)
	st, err := b.Index(context.Background(), documents(5))
	if err != nil {
		t.Fatalf("unexpected error while indexing: %s", err)
	}
	if st.Indexed != 4 {
		t.Fatalf("expected %d indexed documents, but got %d", 4, st.Indexed)
	}
	if st.Failed != 1 {
		t.Fatalf("expected %d failed document, but got %d", 1, st.Failed)
	}
}
