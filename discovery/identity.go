package discovery

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

// IdentityVerifier checks an agent's decentralized identity at
// registration time.
type IdentityVerifier interface {
	// Verify returns nil when the identity is acceptable. The error
	// carries code IDENTITY_VERIFICATION when the check itself failed.
	Verify(ctx context.Context, identity AgentIdentity) error
}

// DIDVerifier validates did:ethr and did:key identities. Verification
// is structural: DID format, address shape, and a present public key.
type DIDVerifier struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewDIDVerifier creates a verifier with the given check timeout.
func NewDIDVerifier(timeout time.Duration, logger *zap.Logger) *DIDVerifier {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DIDVerifier{
		timeout: timeout,
		logger:  logger.With(zap.String("component", "identity_verifier")),
	}
}

func identityError(msg string) error {
	return types.NewError(types.ErrIdentityVerification, msg).
		WithHTTPStatus(http.StatusUnauthorized)
}

func (v *DIDVerifier) Verify(ctx context.Context, identity AgentIdentity) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return identityError("identity verification cancelled: " + err.Error())
	}

	if strings.TrimSpace(identity.PublicKey) == "" {
		return identityError("public key is required")
	}

	switch {
	case strings.HasPrefix(identity.DID, "did:ethr:"):
		return v.verifyEthereumDID(identity)
	case strings.HasPrefix(identity.DID, "did:key:"):
		return v.verifyKeyDID(identity)
	default:
		return identityError("unsupported DID method: " + identity.DID)
	}
}

func (v *DIDVerifier) verifyEthereumDID(identity AgentIdentity) error {
	parts := strings.Split(identity.DID, ":")
	address := parts[len(parts)-1]
	if !strings.HasPrefix(address, "0x") || len(address) != 42 {
		return identityError("invalid ethereum address in DID: " + identity.DID)
	}
	for _, r := range address[2:] {
		if !isHexDigit(r) {
			return identityError("invalid ethereum address in DID: " + identity.DID)
		}
	}
	v.logger.Debug("ethereum DID verified", zap.String("did", identity.DID))
	return nil
}

func (v *DIDVerifier) verifyKeyDID(identity AgentIdentity) error {
	key := strings.TrimPrefix(identity.DID, "did:key:")
	if strings.TrimSpace(key) == "" {
		return identityError("empty key in DID: " + identity.DID)
	}
	v.logger.Debug("key DID verified", zap.String("did", identity.DID))
	return nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
