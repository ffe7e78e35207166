package schema

import (
	"errors"
	"fmt"
)

// TableName is the wire name of a logical source table.
type TableName string

const (
	EventV2Data                TableName = "event_v2_data"
	Transaction                TableName = "transaction"
	TransactionRequest         TableName = "transaction_request"
	PaymentInstrumentTokenData TableName = "payment_instrument_token_data"
)

// Correlation columns shared between tables.
const (
	ColTransactionID = "transaction_id"
	ColFlowID        = "flow_id"
	ColTokenID       = "token_id"
)

const (
	// DefaultType is recorded for columns resolved through a nested payload or
	// missing from the record.
	DefaultType = "character"
	// NestedPayloadType is the only declared type whose value is searched for
	// nested columns.
	NestedPayloadType = "jsonb"
)

var ErrUnknownTable = errors.New("schema: unknown table")

// Table is a logical source table and its recognized output columns.
type Table struct {
	Name    TableName
	Columns []string
}

// Tables lists the logical tables in merge order.
var Tables = []Table{
	{
		Name: EventV2Data,
		Columns: []string{
			"event_id",
			ColFlowID,
			"created_at",
			"transaction_lifecycle_event",
			"decline_reason",
			"decline_type",
			ColTransactionID,
		},
	},
	{
		Name: Transaction,
		Columns: []string{
			ColTransactionID,
			"transaction_type",
			"amount",
			"currency_code",
			"processor_merchant_account_id",
		},
	},
	{
		Name: TransactionRequest,
		Columns: []string{
			"payment_method",
			ColTokenID,
			ColFlowID,
		},
	},
	{
		Name: PaymentInstrumentTokenData,
		Columns: []string{
			"three_d_secure_authentication",
			"payment_instrument_type",
			"customer_id",
			ColTokenID,
		},
	},
}

// NestedKeys maps an output column to the payload column that may contain it.
var NestedKeys = map[string]string{
	"decline_reason": "error_details",
	"decline_type":   "error_details",
	"customer_id":    "vault_data",
	"payment_method": "vault_options",
}

// Lookup returns the logical table with the given wire name.
func Lookup(name string) (Table, error) {
	for _, t := range Tables {
		if string(t.Name) == name {
			return t, nil
		}
	}
	return Table{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
}

// OutputColumns returns the joined row columns: the union of every table's
// recognized columns in merge order, without token_id.
func OutputColumns() []string {
	seen := make(map[string]bool)
	var cols []string
	for _, t := range Tables {
		for _, c := range t.Columns {
			if c == ColTokenID || seen[c] {
				continue
			}
			seen[c] = true
			cols = append(cols, c)
		}
	}
	return cols
}
