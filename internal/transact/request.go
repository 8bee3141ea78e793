// Package transact holds the normalized, request scoped representation of a
// transaction after input binding.
package transact

import (
	"fmt"
	"strings"

	"github.com/R3E-Network/transaction_gateway/internal/contract"
)

// Field is one typed field/value pair sent to the backend.
type Field struct {
	ID       string      `json:"FieldID" codec:"FieldID"`
	DataType string      `json:"DataType" codec:"DataType"`
	Length   int         `json:"Length" codec:"Length"`
	Value    interface{} `json:"Value" codec:"Value"`
}

// Group is one logical row of fields.
type Group []Field

// Get returns the field with id, if present.
func (g Group) Get(id string) (Field, bool) {
	for _, f := range g {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Set replaces the value of field id. It reports whether the field existed.
func (g Group) Set(id string, value interface{}) bool {
	for i := range g {
		if g[i].ID == id {
			g[i].Value = value
			return true
		}
	}
	return false
}

// Clone returns a copy of g.
func (g Group) Clone() Group {
	return append(Group(nil), g...)
}

// Request is the bound form of an inbound transaction.
type Request struct {
	RequestID        string
	GlobalID         string
	TransactionID    string // app|transactionProject|transaction
	ServiceID        string
	ReturnType       contract.ReturnType
	TransactionScope bool
	LoadOptions      map[string]string
	// Counts holds the number of groups bound to each input contract.
	Counts []int
	// Inputs holds every bound group in contract order.
	Inputs []Group
}

// Offset returns the index in Inputs of the first group of contract i.
func (r *Request) Offset(i int) int {
	off := 0
	for k := 0; k < i && k < len(r.Counts); k++ {
		off += r.Counts[k]
	}
	return off
}

// GroupsOf returns the groups bound to contract i. The slice aliases Inputs.
func (r *Request) GroupsOf(i int) []Group {
	if i < 0 || i >= len(r.Counts) {
		return nil
	}
	off := r.Offset(i)
	end := off + r.Counts[i]
	if end > len(r.Inputs) {
		end = len(r.Inputs)
	}
	return r.Inputs[off:end]
}

// FirstGroup returns the first bound group, if any.
func (r *Request) FirstGroup() (Group, bool) {
	if len(r.Inputs) == 0 {
		return nil, false
	}
	return r.Inputs[0], true
}

// QueryID builds the deterministic backend query id for the index-th query.
func QueryID(transactionID, serviceID string, index int) string {
	return fmt.Sprintf("%s|%s%02d", transactionID, serviceID, index)
}

// TransactionPath joins application, transaction project and transaction code.
func TransactionPath(app, project, transaction string) string {
	return strings.Join([]string{app, project, transaction}, "|")
}
