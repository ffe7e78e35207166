package join

import (
	"github.com/malbeclabs/walflow/ingest/pkg/accumulate"
	"github.com/malbeclabs/walflow/ingest/pkg/schema"
)

// Row is one denormalized output row.
type Row map[string]any

// Result is the outcome of a join pass.
type Result struct {
	Rows []Row
	// MatchedKeys counts event keys whose correlations all resolved.
	MatchedKeys int
	// UnmatchedKeys counts event keys that produced no rows.
	UnmatchedKeys int
}

// Flatten joins every event key with its transaction, transaction request and
// payment instrument token, emitting one row per accumulated event.
//
// Rows follow event key first-observed order, then accumulation order within
// a key. Columns are merged event, transaction, transaction_request,
// payment_instrument_token_data, later values overwriting earlier ones, and
// token_id is removed.
func Flatten(stores *accumulate.Stores) *Result {
	res := &Result{}
	for _, event := range stores.Events.Entries() {
		txID, flowID := event.Key.Values[0], event.Key.Values[1]

		tx, ok := stores.Transactions.Get(accumulate.NewNaturalKey(txID))
		if !ok {
			res.UnmatchedKeys++
			continue
		}
		req, ok := stores.Requests.Get(accumulate.NewNaturalKey(flowID))
		if !ok {
			res.UnmatchedKeys++
			continue
		}
		request := req.Latest()
		token, ok := stores.Tokens.Get(accumulate.NewNaturalKey(request.TokenID))
		if !ok {
			res.UnmatchedKeys++
			continue
		}

		res.MatchedKeys++
		for _, subset := range event.Values {
			row := make(Row, len(subset)+len(tx.Latest())+len(request.Subset)+len(token.Latest()))
			for _, part := range []map[string]any{subset, tx.Latest(), request.Subset, token.Latest()} {
				for k, v := range part {
					row[k] = v
				}
			}
			delete(row, schema.ColTokenID)
			res.Rows = append(res.Rows, row)
		}
	}
	return res
}
