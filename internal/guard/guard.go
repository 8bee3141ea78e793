// Package guard resolves the contract of a request and enforces protocol,
// screen access and bearer token rules.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/R3E-Network/transaction_gateway/internal/config"
	"github.com/R3E-Network/transaction_gateway/internal/contract"
	"github.com/R3E-Network/transaction_gateway/internal/envelope"
	gwerrors "github.com/R3E-Network/transaction_gateway/internal/errors"
	"github.com/R3E-Network/transaction_gateway/internal/logging"
)

// FieldDecryptor decrypts payload fields of segment-encrypted requests.
type FieldDecryptor interface {
	DecryptField(ctx context.Context, fieldID string, value interface{}) (interface{}, error)
}

// NopDecryptor returns every value unchanged. No segment cipher is defined yet.
type NopDecryptor struct{}

func (NopDecryptor) DecryptField(_ context.Context, _ string, value interface{}) (interface{}, error) {
	return value, nil
}

// Guard checks requests against the contract store and configuration.
type Guard struct {
	store     *contract.Store
	cfg       *config.Config
	decryptor FieldDecryptor
	log       *logging.Logger
}

// New creates a Guard. A nil decryptor selects NopDecryptor.
func New(store *contract.Store, cfg *config.Config, decryptor FieldDecryptor, log *logging.Logger) *Guard {
	if decryptor == nil {
		decryptor = NopDecryptor{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &Guard{store: store, cfg: cfg, decryptor: decryptor, log: log}
}

// ValidateProtocol checks the protocol version and environment code.
func (g *Guard) ValidateProtocol(req *envelope.Request) error {
	if !g.cfg.VersionSupported(req.Version) {
		return gwerrors.Protocol(fmt.Sprintf("protocol version '%s' is not supported", req.Version))
	}
	env := req.SH.Environment
	if env == "" {
		return gwerrors.Protocol("environment code is required")
	}
	if !g.cfg.EnvironmentAllowed(env) {
		return gwerrors.Protocol(fmt.Sprintf("environment '%s' is not allowed", env))
	}
	return nil
}

// DecryptSegments runs every supplied field of a segment-encrypted request
// through the configured decryptor.
func (g *Guard) DecryptSegments(ctx context.Context, req *envelope.Request) error {
	if !req.SH.SegmentEncrypted() {
		return nil
	}
	for i := range req.DAT.Inputs {
		for j := range req.DAT.Inputs[i] {
			in := &req.DAT.Inputs[i][j]
			v, err := g.decryptor.DecryptField(ctx, in.FieldID, in.Value)
			if err != nil {
				return gwerrors.InvalidFormat(fmt.Sprintf("field '%s' could not be decrypted", in.FieldID), err)
			}
			in.Value = v
		}
	}
	return nil
}

// Resolve returns the contract and a private copy of the requested service.
func (g *Guard) Resolve(req *envelope.Request) (*contract.BusinessContract, *contract.TransactionInfo, error) {
	th := req.TH
	c, ok := g.store.Resolve(th.ProgramID, th.BusinessID, th.TransactionCode)
	if !ok {
		return nil, nil, gwerrors.NotFound(fmt.Sprintf("PGM_ID '%s', BIZ_ID '%s', TRN_CD '%s' has no contract",
			th.ProgramID, th.BusinessID, th.TransactionCode))
	}

	svc, err := g.store.ResolveService(c, th.FunctionCode)
	switch {
	case errors.Is(err, contract.ErrAmbiguousService):
		return nil, nil, gwerrors.Ambiguous(fmt.Sprintf("FUNC_CD '%s' matches more than one service", th.FunctionCode))
	case err != nil:
		return nil, nil, gwerrors.NotFound(fmt.Sprintf("FUNC_CD '%s' has no service mapping", th.FunctionCode))
	}
	return c, svc, nil
}

// CheckScreenAccess enforces the allowed screen list.
func (g *Guard) CheckScreenAccess(req *envelope.Request, c *contract.BusinessContract, svc *contract.TransactionInfo) error {
	screen := req.TH.ScreenID
	if screen == c.TransactionID || containsString(svc.AccessScreenID, screen) {
		return nil
	}
	if g.store.IsPublic(req.TH.ProgramID, req.TH.BusinessID, req.TH.TransactionCode) {
		return nil
	}
	return gwerrors.Forbidden(fmt.Sprintf("TRN_SCRN_CD '%s' may not request this transaction", screen))
}

// Authorize validates the bearer token and returns its claims. It returns nil
// claims when no token was supplied and none is required.
func (g *Guard) Authorize(ctx context.Context, req *envelope.Request, c *contract.BusinessContract, svc *contract.TransactionInfo) (*Claims, error) {
	token := req.AccessToken
	if token == "" {
		if g.cfg.UseAPIAuthorize && svc.Authorize {
			g.log.LogSecurityEvent(ctx, "missing_token", map[string]interface{}{
				"application": c.ApplicationID,
				"project":     c.ProjectID,
			})
			return nil, gwerrors.Unauthorized(fmt.Sprintf("application '%s' or project '%s' requires authorization",
				c.ApplicationID, c.ProjectID))
		}
		return nil, nil
	}

	claims, err := ParseToken(token, req.TH.OperatorID)
	if err != nil {
		g.log.LogSecurityEvent(ctx, "invalid_token", map[string]interface{}{
			"operator": req.TH.OperatorID,
			"reason":   err.Error(),
		})
		return nil, gwerrors.InvalidToken(err)
	}

	if svc.Authorize {
		if !claims.AllowsApplication(c.ApplicationID) {
			return nil, gwerrors.Unauthorized(fmt.Sprintf("application '%s' is not granted", c.ApplicationID))
		}
		if !claims.AllowsProject(c.ProjectID) {
			return nil, gwerrors.Unauthorized(fmt.Sprintf("project '%s' is not granted", c.ProjectID))
		}
	}
	return claims, nil
}
