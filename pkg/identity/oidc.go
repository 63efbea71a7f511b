package identity

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
)

// OIDCConfig configures federated bearer verification.
type OIDCConfig struct {
	IssuerURL string
	ClientID  string
}

// OIDCVerifier validates JWT bearers against the platform's identity
// provider and extracts the subject id from the sub claim.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider and builds a verifier.
func NewOIDCVerifier(ctx context.Context, config OIDCConfig) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: config.ClientID}),
	}, nil
}

// SubjectID verifies the token and returns the subject id it carries.
func (v *OIDCVerifier) SubjectID(ctx context.Context, rawToken string) (uuid.UUID, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token verification failed: %w", err)
	}
	subjectID, err := uuid.Parse(idToken.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("sub claim is not a subject id: %w", err)
	}
	return subjectID, nil
}
