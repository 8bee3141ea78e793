package downstream

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/R3E-Network/transaction_gateway/internal/contract"
	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
)

// RouteTable maps programID+businessID+environment to a backend base URL.
type RouteTable map[string]string

// NewRouteTable copies routes, trimming trailing slashes from the URLs.
func NewRouteTable(routes map[string]string) RouteTable {
	t := make(RouteTable, len(routes))
	for k, v := range routes {
		t[k] = strings.TrimRight(v, "/")
	}
	return t
}

// Lookup returns the base URL for the triple.
func (rt RouteTable) Lookup(programID, businessID, env string) (string, error) {
	base := rt[programID+businessID+env]
	if base == "" {
		return "", gwerrors.RouteNotFound(env + "_MessageServerUrl route not configured")
	}
	return base, nil
}

// Target locates the backend endpoint of one call.
type Target struct {
	ProgramID            string
	BusinessID           string
	Environment          string
	Kind                 contract.TransactionKind
	TransactionProjectID string
	TransactionID        string
}

// Segment returns the path appended to the base URL for t.Kind.
func (t Target) Segment() (string, error) {
	switch t.Kind {
	case contract.KindConsole:
		return "/console", nil
	case contract.KindTask:
		return "/task", nil
	case contract.KindDynamic:
		return "/dynamic", nil
	case contract.KindApplication:
		return "/webapi/" + url.PathEscape(t.ProgramID) + "/" + url.PathEscape(t.TransactionProjectID) +
			"/" + url.PathEscape(t.TransactionID), nil
	case contract.KindFunction:
		return "/function", nil
	case contract.KindSequential, contract.KindRepository:
		return "", gwerrors.Configuration(fmt.Sprintf("transaction type '%s' has no backend route", t.Kind))
	}
	return "", gwerrors.Configuration(fmt.Sprintf("transaction type '%s' is not recognized", t.Kind))
}

// URL resolves the full endpoint of target.
func (rt RouteTable) URL(target Target) (string, error) {
	base, err := rt.Lookup(target.ProgramID, target.BusinessID, target.Environment)
	if err != nil {
		return "", err
	}
	segment, err := target.Segment()
	if err != nil {
		return "", err
	}
	return base + segment, nil
}
