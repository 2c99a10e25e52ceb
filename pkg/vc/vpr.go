package vc

// Query types used inside a Verifiable Presentation Request.
const (
	QueryTypeDIDAuthentication = "DIDAuthentication"
	QueryTypeQueryByExample    = "QueryByExample"
)

// DefaultAcceptedCryptosuites is the broad list advertised for DID
// authentication when a step does not narrow it.
var DefaultAcceptedCryptosuites = []string{
	"ecdsa-rdfc-2019", "eddsa-rdfc-2022", "Ed25519Signature2020",
}

// PresentationRequest is a Verifiable Presentation Request: a structured
// query for credentials bound to a challenge and domain.
type PresentationRequest struct {
	Query     []Query `json:"query,omitempty"`
	Challenge string  `json:"challenge,omitempty"`
	Domain    string  `json:"domain,omitempty"`
	Interact  any     `json:"interact,omitempty"`
}

// Query is one element of a presentation request query. CredentialQuery and
// the accepted-* lists only apply to particular query types; they are kept
// flat because VPRs are consumed as plain JSON by wallets.
type Query struct {
	Type                 string   `json:"type"`
	CredentialQuery      []any    `json:"credentialQuery,omitempty"`
	AcceptedMethods      []Method `json:"acceptedMethods,omitempty"`
	AcceptedCryptosuites []Suite  `json:"acceptedCryptosuites,omitempty"`
}

// Method names a DID method accepted for DID authentication.
type Method struct {
	Method string `json:"method"`
}

// Suite names a cryptosuite accepted for DID authentication.
type Suite struct {
	Cryptosuite string `json:"cryptosuite"`
}

// DIDAuthenticationQuery returns the DIDAuthentication query from the
// request, or nil when the request does not ask for DID authentication.
func (r *PresentationRequest) DIDAuthenticationQuery() *Query {
	for i := range r.Query {
		if r.Query[i].Type == QueryTypeDIDAuthentication {
			return &r.Query[i]
		}
	}
	return nil
}

// QueryByExampleQueries returns every QueryByExample entry in the request.
func (r *PresentationRequest) QueryByExampleQueries() []Query {
	var out []Query
	for _, q := range r.Query {
		if q.Type == QueryTypeQueryByExample {
			out = append(out, q)
		}
	}
	return out
}
