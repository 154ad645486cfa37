package tokencache

import (
	"encoding/json"
)

// Contract is the serialized cache document: top-level collections mapping
// composite string keys to entry records. The collection and field names are
// fixed by the cross-implementation schema and must not change.
type Contract struct {
	AccessTokens  map[string]AccessToken  `json:"AccessToken,omitempty"`
	RefreshTokens map[string]RefreshToken `json:"RefreshToken,omitempty"`
	IDTokens      map[string]IDToken      `json:"IdToken,omitempty"`
	Accounts      map[string]Account      `json:"Account,omitempty"`
	AppMetadata   map[string]AppMetadata  `json:"AppMetadata,omitempty"`

	// AdditionalFields preserves top-level sections written by other
	// implementations.
	AdditionalFields map[string]json.RawMessage `json:"-"`
}

// NewContract creates an empty contract with initialized collections.
func NewContract() *Contract {
	return &Contract{
		AccessTokens:  map[string]AccessToken{},
		RefreshTokens: map[string]RefreshToken{},
		IDTokens:      map[string]IDToken{},
		Accounts:      map[string]Account{},
		AppMetadata:   map[string]AppMetadata{},
	}
}

func (c Contract) MarshalJSON() ([]byte, error) {
	type alias Contract
	return marshalItem(alias(c), c.AdditionalFields)
}

func (c *Contract) UnmarshalJSON(data []byte) error {
	type alias Contract
	var base alias
	extra, err := unmarshalItem(data, &base)
	if err != nil {
		return err
	}
	*c = Contract(base)
	c.AdditionalFields = extra

	// collections may be absent in a sparse document
	if c.AccessTokens == nil {
		c.AccessTokens = map[string]AccessToken{}
	}
	if c.RefreshTokens == nil {
		c.RefreshTokens = map[string]RefreshToken{}
	}
	if c.IDTokens == nil {
		c.IDTokens = map[string]IDToken{}
	}
	if c.Accounts == nil {
		c.Accounts = map[string]Account{}
	}
	if c.AppMetadata == nil {
		c.AppMetadata = map[string]AppMetadata{}
	}
	return nil
}
