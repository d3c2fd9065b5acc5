package entity

import (
	"strings"
	"time"
)

// AccountInfo is the tenant-shaped view of an account returned to callers.
type AccountInfo struct {
	HomeAccountID   string
	Environment     string
	TenantID        string
	Username        string
	LocalAccountID  string
	Name            string
	NativeAccountID string
	AuthorityType   AuthorityType
	IDToken         string
	IDTokenClaims   map[string]any
	TenantProfiles  map[string]TenantProfile
}

// IsHomeTenant reports whether the view is for the account's home tenant.
func (i AccountInfo) IsHomeTenant() bool {
	if profile, ok := i.TenantProfiles[i.TenantID]; ok {
		return profile.IsHomeTenant
	}
	_, tenant, _ := strings.Cut(i.HomeAccountID, ".")
	return tenant == "" || tenant == i.TenantID
}

// AccountParams carries the inputs used to build an account from a token
// response.
type AccountParams struct {
	HomeAccountID   string
	Environment     string
	AuthorityType   AuthorityType
	ClientInfo      string
	NativeAccountID string
	Claims          IDTokenClaims
	Now             time.Time
}

// NewAccount builds an account record from ID-token claims. The realm is the
// tid claim and the first tenant profile is derived from the same claims.
func NewAccount(params AccountParams) *Account {
	claims := params.Claims
	realm := claims.TenantID()
	account := &Account{
		HomeAccountID:   params.HomeAccountID,
		Environment:     strings.ToLower(params.Environment),
		Realm:           realm,
		LocalAccountID:  claims.LocalAccountID(),
		Username:        claims.Username(),
		AuthorityType:   params.AuthorityType,
		Name:            claims.Name(),
		ClientInfo:      params.ClientInfo,
		NativeAccountID: params.NativeAccountID,
		LastUpdatedAt:   Epoch(params.Now.UnixMilli()),
	}
	if account.AuthorityType == "" {
		account.AuthorityType = AuthorityTypeMSSTS
	}
	if account.Realm == "" {
		account.Realm = account.HomeTenantID()
	}
	if account.LocalAccountID == "" {
		account.LocalAccountID = account.HomeAccountID
	}
	if profile, ok := TenantProfileFromClaims(account.HomeAccountID, claims); ok {
		account.TenantProfiles = []TenantProfile{profile}
	}
	return account
}

// TenantProfileFromClaims builds the tenant profile described by an ID token.
func TenantProfileFromClaims(homeAccountID string, claims IDTokenClaims) (TenantProfile, bool) {
	tenantID := claims.TenantID()
	if tenantID == "" {
		return TenantProfile{}, false
	}
	_, homeTenant, _ := strings.Cut(homeAccountID, ".")
	return TenantProfile{
		TenantID:       tenantID,
		LocalAccountID: claims.LocalAccountID(),
		Username:       claims.Username(),
		Name:           claims.Name(),
		IsHomeTenant:   homeTenant == "" || strings.EqualFold(homeTenant, tenantID),
	}, true
}

// MergeTenantProfiles returns the union of both profile lists. Profiles in
// incoming replace existing ones for the same tenant; none are dropped.
func MergeTenantProfiles(existing []TenantProfile, incoming []TenantProfile) []TenantProfile {
	out := make([]TenantProfile, 0, len(existing)+len(incoming))
	index := map[string]int{}
	for _, profile := range existing {
		key := strings.ToLower(profile.TenantID)
		if _, ok := index[key]; ok {
			continue
		}
		index[key] = len(out)
		out = append(out, profile)
	}
	for _, profile := range incoming {
		key := strings.ToLower(profile.TenantID)
		if position, ok := index[key]; ok {
			out[position] = profile
			continue
		}
		index[key] = len(out)
		out = append(out, profile)
	}
	return out
}

// MergeAccount folds a freshly built account into the cached one, keeping
// every known tenant profile.
func MergeAccount(cached *Account, incoming *Account) *Account {
	if cached == nil {
		return incoming
	}
	if incoming == nil {
		return cached
	}
	merged := *incoming
	merged.TenantProfiles = MergeTenantProfiles(cached.TenantProfiles, incoming.TenantProfiles)
	if merged.NativeAccountID == "" {
		merged.NativeAccountID = cached.NativeAccountID
	}
	// a guest-tenant login must not overwrite the home realm view
	if cached.Realm != "" && !strings.EqualFold(cached.Realm, incoming.Realm) && strings.EqualFold(cached.Realm, cached.HomeTenantID()) {
		merged.Realm = cached.Realm
		merged.LocalAccountID = cached.LocalAccountID
		merged.Name = cached.Name
		merged.Username = cached.Username
	}
	return &merged
}

// Info returns the home-tenant view of the account.
func (a *Account) Info() AccountInfo {
	info := AccountInfo{
		HomeAccountID:   a.HomeAccountID,
		Environment:     a.Environment,
		TenantID:        a.Realm,
		Username:        a.Username,
		LocalAccountID:  a.LocalAccountID,
		Name:            a.Name,
		NativeAccountID: a.NativeAccountID,
		AuthorityType:   a.AuthorityType,
		TenantProfiles:  map[string]TenantProfile{},
	}
	for _, profile := range a.TenantProfiles {
		info.TenantProfiles[profile.TenantID] = profile
	}
	return info
}

// InfoForTenant overlays a tenant profile and, when available, its ID token
// onto the account view.
func (a *Account) InfoForTenant(profile TenantProfile, idToken *IDToken, claims IDTokenClaims) AccountInfo {
	info := a.Info()
	info.TenantID = profile.TenantID
	if profile.LocalAccountID != "" {
		info.LocalAccountID = profile.LocalAccountID
	}
	if profile.Name != "" {
		info.Name = profile.Name
	}
	if profile.Username != "" {
		info.Username = profile.Username
	}
	if idToken != nil {
		info.IDToken = idToken.Secret
	}
	if claims.MapClaims != nil {
		info.IDTokenClaims = claims.Map()
		if name := claims.Name(); name != "" {
			info.Name = name
		}
		if username := claims.Username(); username != "" {
			info.Username = username
		}
	}
	return info
}
