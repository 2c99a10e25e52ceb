package oid4vci

import (
	"encoding/json"
	"net/url"

	"github.com/openvcx/exchanger/pkg/exchange"
)

// OfferScheme is the custom URL scheme wallets register for credential
// offers.
const OfferScheme = "openid-credential-offer://"

// PreAuthorizedGrantType is the grant carried by pre-authorized offers.
const PreAuthorizedGrantType = "urn:ietf:params:oauth:grant-type:pre-authorized_code"

// AuthorizationCodeGrantType is the standard authorization-code grant.
const AuthorizationCodeGrantType = "authorization_code"

// Offer is the credential_offer document. credential_issuer is the exchange
// URL, so every offer is scoped to exactly one exchange.
type Offer struct {
	CredentialIssuer string           `json:"credential_issuer"`
	Credentials      []map[string]any `json:"credentials,omitempty"`
	Grants           map[string]any   `json:"grants,omitempty"`
}

// BuildOffer derives the credential offer for an exchange created for
// OID4VCI delivery. exchangeURL must be the absolute exchange URL.
func BuildOffer(exchangeURL string, ex *exchange.Exchange) *Offer {
	offer := &Offer{CredentialIssuer: exchangeURL}
	if ex.OpenID == nil {
		return offer
	}

	for _, expected := range ex.OpenID.ExpectedCredentialRequests {
		entry := map[string]any{}
		if expected.Format != "" {
			entry["format"] = expected.Format
		}
		if expected.CredentialDefinition != nil {
			entry["credential_definition"] = expected.CredentialDefinition
		}
		offer.Credentials = append(offer.Credentials, entry)
	}

	if code := ex.OpenID.PreAuthorizedCode; code != "" {
		offer.Grants = map[string]any{
			PreAuthorizedGrantType: map[string]any{
				"pre-authorized_code": code,
				"user_pin_required":   ex.OpenID.UserPin != "",
			},
		}
	} else {
		offer.Grants = map[string]any{
			AuthorizationCodeGrantType: map[string]any{},
		}
	}
	return offer
}

// URL renders the offer in its by-value form:
// openid-credential-offer://?credential_offer=<urlencoded json>.
func (o *Offer) URL() (string, error) {
	encoded, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	return OfferScheme + "?credential_offer=" + url.QueryEscape(string(encoded)), nil
}

// ReferenceURL renders the by-reference form pointing at a stored offer.
func ReferenceURL(offerURI string) string {
	return OfferScheme + "?credential_offer_uri=" + url.QueryEscape(offerURI)
}
