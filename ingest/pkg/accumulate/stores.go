package accumulate

import (
	"fmt"

	"github.com/malbeclabs/walflow/ingest/pkg/extract"
	"github.com/malbeclabs/walflow/ingest/pkg/schema"
)

// Request is a transaction_request subset with its token_id hoisted out.
type Request struct {
	TokenID any
	Subset  extract.Subset
}

// Stores holds one accumulator per logical table.
type Stores struct {
	Events       *Accumulator[extract.Subset]
	Transactions *Accumulator[extract.Subset]
	Requests     *Accumulator[Request]
	Tokens       *Accumulator[extract.Subset]
}

func NewStores() *Stores {
	return &Stores{
		Events:       NewAccumulator[extract.Subset](Append, eventKey),
		Transactions: NewAccumulator[extract.Subset](Overwrite, transactionKey),
		Requests:     NewAccumulator[Request](Overwrite, requestKey),
		Tokens:       NewAccumulator[extract.Subset](Overwrite, tokenKey),
	}
}

// Add routes a subset to the store of its table. It returns false when the
// subset lacks its correlation identifiers and was dropped.
func (s *Stores) Add(table schema.TableName, subset extract.Subset) (bool, error) {
	switch table {
	case schema.EventV2Data:
		return s.Events.Add(subset), nil
	case schema.Transaction:
		return s.Transactions.Add(subset), nil
	case schema.TransactionRequest:
		return s.Requests.Add(subset), nil
	case schema.PaymentInstrumentTokenData:
		return s.Tokens.Add(subset), nil
	default:
		return false, fmt.Errorf("%w: %q", schema.ErrUnknownTable, table)
	}
}

// Dropped returns the number of dropped subsets per table.
func (s *Stores) Dropped() map[schema.TableName]int {
	return map[schema.TableName]int{
		schema.EventV2Data:                s.Events.Dropped(),
		schema.Transaction:                s.Transactions.Dropped(),
		schema.TransactionRequest:         s.Requests.Dropped(),
		schema.PaymentInstrumentTokenData: s.Tokens.Dropped(),
	}
}

func eventKey(subset extract.Subset) (*NaturalKey, extract.Subset, bool) {
	txID, flowID := subset[schema.ColTransactionID], subset[schema.ColFlowID]
	if isNull(txID) || isNull(flowID) {
		return nil, nil, false
	}
	return NewNaturalKey(txID, flowID), subset, true
}

func transactionKey(subset extract.Subset) (*NaturalKey, extract.Subset, bool) {
	txID := subset[schema.ColTransactionID]
	if isNull(txID) {
		return nil, nil, false
	}
	return NewNaturalKey(txID), subset, true
}

func requestKey(subset extract.Subset) (*NaturalKey, Request, bool) {
	stored := subset.Clone()
	tokenID := stored[schema.ColTokenID]
	flowID := stored[schema.ColFlowID]
	delete(stored, schema.ColTokenID)
	delete(stored, schema.ColFlowID)
	if isNull(flowID) {
		return nil, Request{}, false
	}
	return NewNaturalKey(flowID), Request{TokenID: tokenID, Subset: stored}, true
}

func tokenKey(subset extract.Subset) (*NaturalKey, extract.Subset, bool) {
	stored := subset.Clone()
	tokenID := stored[schema.ColTokenID]
	delete(stored, schema.ColTokenID)
	if isNull(tokenID) {
		return nil, nil, false
	}
	return NewNaturalKey(tokenID), stored, true
}
