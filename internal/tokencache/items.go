// Package tokencache implements the shared token cache: an in-memory,
// serializable collection of access-token, refresh-token, ID-token, account
// and app-metadata entries addressed by composite keys. The serialized form
// is the versioned schema shared with independently-implemented clients in
// other ecosystems, which fixes the field names and key format exactly.
package tokencache

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// keySeparator joins the components of a composite cache key.
const keySeparator = "-"

// Credential type discriminators as they appear in persisted entries.
const (
	CredentialTypeAccessToken  = "AccessToken"
	CredentialTypeRefreshToken = "RefreshToken"
	CredentialTypeIDToken      = "IdToken"
)

// appMetadataKeyPrefix leads app-metadata keys in the persisted schema.
const appMetadataKeyPrefix = "appmetadata"

// UnixString is a time persisted as epoch seconds inside a JSON string,
// matching the shared cache schema.
type UnixString time.Time

func (u UnixString) Time() time.Time {
	return time.Time(u)
}

func (u UnixString) MarshalJSON() ([]byte, error) {
	t := time.Time(u)
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(strconv.Quote(strconv.FormatInt(t.Unix(), 10))), nil
}

func (u *UnixString) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*u = UnixString(time.Time{})
		return nil
	}
	seconds, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*u = UnixString(time.Unix(seconds, 0).UTC())
	return nil
}

// AccessToken is a cached access token. Immutable once issued: renewal
// replaces the entry rather than mutating it.
type AccessToken struct {
	HomeAccountID     string     `json:"home_account_id,omitempty"`
	Environment       string     `json:"environment,omitempty"`
	Realm             string     `json:"realm,omitempty"`
	CredentialType    string     `json:"credential_type,omitempty"`
	ClientID          string     `json:"client_id,omitempty"`
	Secret            string     `json:"secret,omitempty"`
	Target            string     `json:"target,omitempty"`
	ExpiresOn         UnixString `json:"expires_on,omitempty"`
	ExtendedExpiresOn UnixString `json:"extended_expires_on,omitempty"`
	RefreshOn         UnixString `json:"refresh_on,omitempty"`
	CachedAt          UnixString `json:"cached_at,omitempty"`

	// AdditionalFields preserves schema fields this implementation does not
	// model, so a cache written by another client round-trips unchanged.
	AdditionalFields map[string]json.RawMessage `json:"-"`
}

// NewAccessToken creates an access-token entry. Scopes are normalised to a
// lowercased, sorted, space-joined target so equivalent scope sets produce
// equal keys.
func NewAccessToken(homeAccountID, environment, realm, clientID, token string, scopes []string, cachedAt, expiresOn, extExpiresOn, refreshOn time.Time) AccessToken {
	return AccessToken{
		HomeAccountID:     homeAccountID,
		Environment:       environment,
		Realm:             realm,
		CredentialType:    CredentialTypeAccessToken,
		ClientID:          clientID,
		Secret:            token,
		Target:            normalizeTarget(scopes),
		CachedAt:          newUnixString(cachedAt),
		ExpiresOn:         newUnixString(expiresOn),
		ExtendedExpiresOn: newUnixString(extExpiresOn),
		RefreshOn:         newUnixString(refreshOn),
	}
}

// newUnixString truncates to whole epoch seconds, the precision the persisted
// schema carries, so a freshly created entry equals its restored form.
func newUnixString(t time.Time) UnixString {
	if t.IsZero() {
		return UnixString(t)
	}
	return UnixString(time.Unix(t.Unix(), 0).UTC())
}

// Key returns the composite cache key for this entry.
func (a AccessToken) Key() string {
	return joinKey(a.HomeAccountID, a.Environment, a.CredentialType, a.ClientID, a.Realm, a.Target)
}

// Scopes returns the granted scope set.
func (a AccessToken) Scopes() []string {
	return strings.Fields(a.Target)
}

func (a AccessToken) MarshalJSON() ([]byte, error) {
	type alias AccessToken
	return marshalItem(alias(a), a.AdditionalFields)
}

func (a *AccessToken) UnmarshalJSON(data []byte) error {
	type alias AccessToken
	var base alias
	extra, err := unmarshalItem(data, &base)
	if err != nil {
		return err
	}
	*a = AccessToken(base)
	a.AdditionalFields = extra
	return nil
}

// RefreshToken is a cached refresh token. FamilyID marks membership in a
// family of client IDs (FOCI), allowing sibling applications to redeem it.
type RefreshToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	FamilyID       string `json:"family_id,omitempty"`
	Secret         string `json:"secret,omitempty"`

	AdditionalFields map[string]json.RawMessage `json:"-"`
}

// NewRefreshToken creates a refresh-token entry.
func NewRefreshToken(homeAccountID, environment, clientID, familyID, token string) RefreshToken {
	return RefreshToken{
		HomeAccountID:  homeAccountID,
		Environment:    environment,
		CredentialType: CredentialTypeRefreshToken,
		ClientID:       clientID,
		FamilyID:       familyID,
		Secret:         token,
	}
}

// Key returns the composite cache key. Family refresh tokens key on the
// family ID in place of the client ID so one entry serves all siblings.
func (r RefreshToken) Key() string {
	id := r.ClientID
	if r.FamilyID != "" {
		id = r.FamilyID
	}
	return joinKey(r.HomeAccountID, r.Environment, r.CredentialType, id, "", "")
}

func (r RefreshToken) MarshalJSON() ([]byte, error) {
	type alias RefreshToken
	return marshalItem(alias(r), r.AdditionalFields)
}

func (r *RefreshToken) UnmarshalJSON(data []byte) error {
	type alias RefreshToken
	var base alias
	extra, err := unmarshalItem(data, &base)
	if err != nil {
		return err
	}
	*r = RefreshToken(base)
	r.AdditionalFields = extra
	return nil
}

// IDToken is a cached ID token.
type IDToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Realm          string `json:"realm,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`

	AdditionalFields map[string]json.RawMessage `json:"-"`
}

// NewIDToken creates an ID-token entry.
func NewIDToken(homeAccountID, environment, realm, clientID, token string) IDToken {
	return IDToken{
		HomeAccountID:  homeAccountID,
		Environment:    environment,
		Realm:          realm,
		CredentialType: CredentialTypeIDToken,
		ClientID:       clientID,
		Secret:         token,
	}
}

// Key returns the composite cache key for this entry.
func (i IDToken) Key() string {
	return joinKey(i.HomeAccountID, i.Environment, i.CredentialType, i.ClientID, i.Realm, "")
}

func (i IDToken) MarshalJSON() ([]byte, error) {
	type alias IDToken
	return marshalItem(alias(i), i.AdditionalFields)
}

func (i *IDToken) UnmarshalJSON(data []byte) error {
	type alias IDToken
	var base alias
	extra, err := unmarshalItem(data, &base)
	if err != nil {
		return err
	}
	*i = IDToken(base)
	i.AdditionalFields = extra
	return nil
}

// Account records the signed-in account an entry set belongs to.
type Account struct {
	HomeAccountID     string `json:"home_account_id,omitempty"`
	Environment       string `json:"environment,omitempty"`
	Realm             string `json:"realm,omitempty"`
	LocalAccountID    string `json:"local_account_id,omitempty"`
	AuthorityType     string `json:"authority_type,omitempty"`
	PreferredUsername string `json:"username,omitempty"`
	Name              string `json:"name,omitempty"`
	ClientInfo        string `json:"client_info,omitempty"`

	AdditionalFields map[string]json.RawMessage `json:"-"`
}

// Key returns the composite cache key for this entry.
func (a Account) Key() string {
	return joinKey(a.HomeAccountID, a.Environment, a.Realm)
}

func (a Account) MarshalJSON() ([]byte, error) {
	type alias Account
	return marshalItem(alias(a), a.AdditionalFields)
}

func (a *Account) UnmarshalJSON(data []byte) error {
	type alias Account
	var base alias
	extra, err := unmarshalItem(data, &base)
	if err != nil {
		return err
	}
	*a = Account(base)
	a.AdditionalFields = extra
	return nil
}

// AppMetadata records family-of-client-IDs membership for a client and
// environment, enabling refresh tokens to be shared across sibling
// applications.
type AppMetadata struct {
	FamilyID    string `json:"family_id,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Environment string `json:"environment,omitempty"`

	AdditionalFields map[string]json.RawMessage `json:"-"`
}

// Key returns the composite cache key for this entry.
func (m AppMetadata) Key() string {
	return joinKey(appMetadataKeyPrefix, m.Environment, m.ClientID)
}

func (m AppMetadata) MarshalJSON() ([]byte, error) {
	type alias AppMetadata
	return marshalItem(alias(m), m.AdditionalFields)
}

func (m *AppMetadata) UnmarshalJSON(data []byte) error {
	type alias AppMetadata
	var base alias
	extra, err := unmarshalItem(data, &base)
	if err != nil {
		return err
	}
	*m = AppMetadata(base)
	m.AdditionalFields = extra
	return nil
}

// joinKey builds a composite key from its parts. Keys are lowercased so that
// key equality is case-insensitive across implementations.
func joinKey(parts ...string) string {
	return strings.ToLower(strings.Join(parts, keySeparator))
}

// normalizeTarget lowercases, sorts and space-joins a scope set.
func normalizeTarget(scopes []string) string {
	normalized := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			normalized = append(normalized, s)
		}
	}
	sort.Strings(normalized)
	return strings.Join(normalized, " ")
}

// marshalItem merges an item's JSON encoding with its preserved unknown
// fields. Known fields win on collision.
func marshalItem(item any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for field, value := range extra {
		if _, known := merged[field]; !known {
			merged[field] = value
		}
	}
	return json.Marshal(merged)
}

// unmarshalItem decodes data into item and returns any fields not modelled
// by item's type, keyed by JSON name.
func unmarshalItem(data []byte, item any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, item); err != nil {
		return nil, err
	}

	all := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, field := range knownJSONFields(item) {
		delete(all, field)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// knownJSONFields lists the JSON field names declared by item's struct tags.
func knownJSONFields(item any) []string {
	t := reflect.TypeOf(item)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	fields := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if idx := strings.Index(tag, ","); idx != -1 {
			tag = tag[:idx]
		}
		fields = append(fields, tag)
	}
	return fields
}
