package index

import (
	"context"

	"github.com/aau-network-security/certflow/queue"
)

// Sink consumes the documents of one queue message as a single bulk write.
type Sink interface {
	Index(ctx context.Context, docs []*Document) (BulkStats, error)
}

// builds the message handler driving transform and bulk index for one queue
// message; a transform error fails the whole message, a store error is
// reported but the message is processed as far as the store allowed
func NewHandler(t *Transformer, sink Sink) queue.HandlerFunc {
	return func(ctx context.Context, body []byte) queue.Result {
		records, err := queue.DecodeBatch(body)
		if err != nil {
			return queue.Result{Kind: queue.KindDecode, Err: err}
		}

		docs := make([]*Document, 0, len(records))
		for _, rec := range records {
			doc, err := t.Transform(rec)
			if err != nil {
				return queue.Result{Kind: queue.KindTransform, Err: err}
			}
			docs = append(docs, doc)
		}

		st, err := sink.Index(ctx, docs)
		res := queue.Result{
			Transformed: len(docs),
			Indexed:     st.Indexed,
			Failed:      st.Failed,
		}
		if err != nil {
			res.Kind = queue.KindStore
			res.Err = err
		}
		return res
	}
}
