package tokencache

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// expirationBuffer is subtracted from an access token's lifetime when
// judging validity at read time, so a token about to expire mid-request is
// treated as a miss.
const expirationBuffer = 5 * time.Minute

// Store is the in-memory token cache. A single RWMutex guards structural
// mutation: reads proceed concurrently with other reads and serialize with
// writes. Inserting an entry whose composite key matches an existing entry
// replaces it atomically. Stale entries are not proactively purged; they are
// treated as misses at read time.
type Store struct {
	mu       sync.RWMutex
	contract *Contract

	now func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		contract: NewContract(),
		now:      time.Now,
	}
}

// ReadAccessToken finds the best access token for the request: realm and
// client must match (environment via the alias set), and the entry's granted
// scopes must be a superset of the requested scopes. Among superset matches
// the entry with the fewest extra scopes wins, tie broken by latest expiry.
// Entries expired (less a safety buffer) are misses.
func (s *Store) ReadAccessToken(homeAccountID string, envAliases []string, realm, clientID string, scopes []string) (AccessToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()

	var best AccessToken
	bestExtra := -1
	for _, at := range s.contract.AccessTokens {
		if !strings.EqualFold(at.HomeAccountID, homeAccountID) ||
			!matchesEnvironment(at.Environment, envAliases) ||
			!strings.EqualFold(at.Realm, realm) ||
			!strings.EqualFold(at.ClientID, clientID) {
			continue
		}
		if !now.Add(expirationBuffer).Before(at.ExpiresOn.Time()) {
			continue
		}
		granted := at.Scopes()
		if !scopeSuperset(granted, scopes) {
			continue
		}

		extra := len(granted) - len(scopes)
		switch {
		case bestExtra == -1 || extra < bestExtra:
			best, bestExtra = at, extra
		case extra == bestExtra && at.ExpiresOn.Time().After(best.ExpiresOn.Time()):
			best = at
		}
	}

	return best, bestExtra != -1
}

// WriteAccessToken inserts or replaces an access token by its composite key.
func (s *Store) WriteAccessToken(at AccessToken) error {
	if err := validateKeyParts(at.Environment, at.ClientID); err != nil {
		return fmt.Errorf("access token entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contract.AccessTokens[at.Key()] = at
	return nil
}

// ReadRefreshToken finds a refresh token for the account and client. A
// client-specific token is preferred; when familyID is supplied, a family
// token usable by sibling applications satisfies the read as well.
func (s *Store) ReadRefreshToken(homeAccountID string, envAliases []string, familyID, clientID string) (RefreshToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var family RefreshToken
	haveFamily := false
	for _, rt := range s.contract.RefreshTokens {
		if !strings.EqualFold(rt.HomeAccountID, homeAccountID) ||
			!matchesEnvironment(rt.Environment, envAliases) {
			continue
		}
		if strings.EqualFold(rt.ClientID, clientID) {
			return rt, true
		}
		if familyID != "" && strings.EqualFold(rt.FamilyID, familyID) {
			family, haveFamily = rt, true
		}
	}
	return family, haveFamily
}

// WriteRefreshToken inserts or replaces a refresh token by its composite key.
func (s *Store) WriteRefreshToken(rt RefreshToken) error {
	if err := validateKeyParts(rt.Environment, rt.ClientID); err != nil {
		return fmt.Errorf("refresh token entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contract.RefreshTokens[rt.Key()] = rt
	return nil
}

// ReadIDToken finds the ID token for an account, realm and client.
func (s *Store) ReadIDToken(homeAccountID string, envAliases []string, realm, clientID string) (IDToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.contract.IDTokens {
		if strings.EqualFold(id.HomeAccountID, homeAccountID) &&
			matchesEnvironment(id.Environment, envAliases) &&
			strings.EqualFold(id.Realm, realm) &&
			strings.EqualFold(id.ClientID, clientID) {
			return id, true
		}
	}
	return IDToken{}, false
}

// WriteIDToken inserts or replaces an ID token by its composite key.
func (s *Store) WriteIDToken(id IDToken) error {
	if err := validateKeyParts(id.Environment, id.ClientID); err != nil {
		return fmt.Errorf("id token entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contract.IDTokens[id.Key()] = id
	return nil
}

// ReadAccount finds an account by home account ID, environment and realm.
func (s *Store) ReadAccount(homeAccountID string, envAliases []string, realm string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, account := range s.contract.Accounts {
		if strings.EqualFold(account.HomeAccountID, homeAccountID) &&
			matchesEnvironment(account.Environment, envAliases) &&
			strings.EqualFold(account.Realm, realm) {
			return account, true
		}
	}
	return Account{}, false
}

// WriteAccount inserts or replaces an account by its composite key.
func (s *Store) WriteAccount(account Account) error {
	if err := validateKeyParts(account.HomeAccountID, account.Environment); err != nil {
		return fmt.Errorf("account entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contract.Accounts[account.Key()] = account
	return nil
}

// Accounts returns every cached account.
func (s *Store) Accounts() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]Account, 0, len(s.contract.Accounts))
	for _, account := range s.contract.Accounts {
		accounts = append(accounts, account)
	}
	return accounts
}

// DeleteAccount removes an account and every credential belonging to it
// (access, refresh and ID tokens) across the environment's aliases.
func (s *Store) DeleteAccount(homeAccountID string, envAliases []string) {
	if homeAccountID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := func(hid, env string) bool {
		return strings.EqualFold(hid, homeAccountID) && matchesEnvironment(env, envAliases)
	}

	for key, account := range s.contract.Accounts {
		if owned(account.HomeAccountID, account.Environment) {
			delete(s.contract.Accounts, key)
		}
	}
	for key, at := range s.contract.AccessTokens {
		if owned(at.HomeAccountID, at.Environment) {
			delete(s.contract.AccessTokens, key)
		}
	}
	for key, rt := range s.contract.RefreshTokens {
		if owned(rt.HomeAccountID, rt.Environment) {
			delete(s.contract.RefreshTokens, key)
		}
	}
	for key, id := range s.contract.IDTokens {
		if owned(id.HomeAccountID, id.Environment) {
			delete(s.contract.IDTokens, key)
		}
	}
}

// ReadAppMetadata finds the app metadata for a client within an environment.
func (s *Store) ReadAppMetadata(envAliases []string, clientID string) (AppMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, meta := range s.contract.AppMetadata {
		if matchesEnvironment(meta.Environment, envAliases) && strings.EqualFold(meta.ClientID, clientID) {
			return meta, true
		}
	}
	return AppMetadata{}, false
}

// WriteAppMetadata inserts or replaces app metadata by its composite key.
func (s *Store) WriteAppMetadata(meta AppMetadata) error {
	if meta.ClientID == "" || meta.Environment == "" {
		return fmt.Errorf("app metadata entry: client id and environment are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contract.AppMetadata[meta.Key()] = meta
	return nil
}

// Marshal serializes the cache to the shared schema.
func (s *Store) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.contract)
}

// Unmarshal replaces the cache contents with a serialized document.
func (s *Store) Unmarshal(data []byte) error {
	contract := NewContract()
	if err := json.Unmarshal(data, contract); err != nil {
		return fmt.Errorf("token cache document is invalid: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.contract = contract
	return nil
}

// matchesEnvironment reports whether env is one of the authority's aliases.
// An empty alias set matches nothing.
func matchesEnvironment(env string, envAliases []string) bool {
	return slices.ContainsFunc(envAliases, func(alias string) bool {
		return strings.EqualFold(env, alias)
	})
}

// scopeSuperset reports whether granted covers every requested scope,
// case-insensitively.
func scopeSuperset(granted, requested []string) bool {
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[strings.ToLower(s)] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := have[strings.ToLower(s)]; !ok {
			return false
		}
	}
	return true
}

func validateKeyParts(parts ...string) error {
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("composite key component missing")
		}
	}
	return nil
}
