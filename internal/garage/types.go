package garage

import (
	"fmt"
	"time"

	"github.com/stouder/mechanic/internal/apperr"
)

// ServiceKeyName is the name of the access key Mechanic provisions for itself.
const ServiceKeyName = "Mechanic"

// Wire types for the Garage admin API v2. Only the fields Mechanic reads are
// declared; unknown fields are ignored when decoding.

// ListKeysItem is one element of the GET /v2/ListKeys response.
type ListKeysItem struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Expired    bool    `json:"expired"`
	Created    *string `json:"created,omitempty"`
	Expiration *string `json:"expiration,omitempty"`
}

// KeyPerm holds key-level permissions.
type KeyPerm struct {
	CreateBucket bool `json:"createBucket"`
}

// BucketKeyPerm holds the permissions of a key on a bucket.
type BucketKeyPerm struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
	Owner bool `json:"owner"`
}

// Full reports whether all three permissions are granted.
func (p BucketKeyPerm) Full() bool {
	return p.Read && p.Write && p.Owner
}

// KeyInfoBucket is a bucket entry of a GetKeyInfo response.
type KeyInfoBucket struct {
	ID            string        `json:"id"`
	GlobalAliases []string      `json:"globalAliases"`
	LocalAliases  []string      `json:"localAliases"`
	Permissions   BucketKeyPerm `json:"permissions"`
}

// KeyInfo is the GET /v2/GetKeyInfo and POST /v2/CreateKey response.
type KeyInfo struct {
	AccessKeyID     string          `json:"accessKeyId"`
	Name            string          `json:"name"`
	Expired         bool            `json:"expired"`
	Permissions     KeyPerm         `json:"permissions"`
	Buckets         []KeyInfoBucket `json:"buckets"`
	Created         *string         `json:"created,omitempty"`
	Expiration      *string         `json:"expiration,omitempty"`
	SecretAccessKey *string         `json:"secretAccessKey,omitempty"`
}

// HasFullGrant reports whether the key has read, write and owner on bucketID.
func (k *KeyInfo) HasFullGrant(bucketID string) bool {
	for _, b := range k.Buckets {
		if b.ID == bucketID && b.Permissions.Full() {
			return true
		}
	}
	return false
}

// CreateKeyRequest is the POST /v2/CreateKey body.
type CreateKeyRequest struct {
	Allow        *KeyPerm `json:"allow,omitempty"`
	Deny         *KeyPerm `json:"deny,omitempty"`
	Expiration   *string  `json:"expiration,omitempty"`
	Name         string   `json:"name"`
	NeverExpires bool     `json:"neverExpires"`
}

// AllowBucketKeyRequest is the POST /v2/AllowBucketKey body.
type AllowBucketKeyRequest struct {
	AccessKeyID string        `json:"accessKeyId"`
	BucketID    string        `json:"bucketId"`
	Permissions BucketKeyPerm `json:"permissions"`
}

// BucketKey is a key entry of a GetBucketInfo response.
type BucketKey struct {
	AccessKeyID        string        `json:"accessKeyId"`
	Name               string        `json:"name"`
	BucketLocalAliases []string      `json:"bucketLocalAliases"`
	Permissions        BucketKeyPerm `json:"permissions"`
}

// BucketQuotas mirrors the quotas object of a bucket.
type BucketQuotas struct {
	MaxObjects *int64 `json:"maxObjects"`
	MaxSize    *int64 `json:"maxSize"`
}

// BucketInfoResponse is the GET /v2/GetBucketInfo response.
type BucketInfoResponse struct {
	ID            string       `json:"id"`
	Created       string       `json:"created"`
	GlobalAliases []string     `json:"globalAliases"`
	Keys          []BucketKey  `json:"keys"`
	Bytes         int64        `json:"bytes"`
	Objects       int64        `json:"objects"`
	Quotas        BucketQuotas `json:"quotas"`
	WebsiteAccess bool         `json:"websiteAccess"`
}

// AdminTokenInfoResponse is the GET /v2/GetAdminTokenInfo response.
type AdminTokenInfoResponse struct {
	ID         *string  `json:"id"`
	Name       string   `json:"name"`
	Expired    bool     `json:"expired"`
	Expiration *string  `json:"expiration"`
	Created    *string  `json:"created"`
	Scope      []string `json:"scope"`
}

// errorResponse is the JSON error body Garage returns on failures.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Domain views
// ---------------------------------------------------------------------------

// ServiceKey is the access key pair the bucket browser signs S3 calls with.
type ServiceKey struct {
	AccessKeyID     string
	SecretAccessKey string
}

// BucketInfo is the part of a bucket Mechanic needs to browse it.
type BucketInfo struct {
	ID string
	// Aliases lists global aliases first, then every key's local aliases.
	Aliases []string
	Created time.Time
}

// Identifier returns the name the bucket is addressed by over S3: its first
// alias. A bucket without any alias cannot be reached over S3.
func (b *BucketInfo) Identifier() (string, error) {
	if len(b.Aliases) == 0 {
		return "", apperr.NotFound("Bucket %s has no alias and cannot be browsed", b.ID)
	}
	return b.Aliases[0], nil
}

// toDomain flattens a GetBucketInfo response.
func (r *BucketInfoResponse) toDomain() (*BucketInfo, error) {
	aliases := make([]string, 0, len(r.GlobalAliases))
	aliases = append(aliases, r.GlobalAliases...)
	for _, k := range r.Keys {
		aliases = append(aliases, k.BucketLocalAliases...)
	}

	info := &BucketInfo{ID: r.ID, Aliases: aliases}
	if r.Created != "" {
		created, err := time.Parse(time.RFC3339, r.Created)
		if err != nil {
			return nil, fmt.Errorf("invalid bucket creation date %q: %w", r.Created, err)
		}
		info.Created = created
	}
	return info, nil
}

// AdminTokenInfo describes the admin token a session is using.
type AdminTokenInfo struct {
	ID         *string    `json:"id"`
	Name       string     `json:"name"`
	Expired    bool       `json:"expired"`
	Expiration *time.Time `json:"expiration"`
	Created    *time.Time `json:"created"`
	Scopes     []string   `json:"scopes"`
}

func (r *AdminTokenInfoResponse) toDomain() (*AdminTokenInfo, error) {
	info := &AdminTokenInfo{
		ID:      r.ID,
		Name:    r.Name,
		Expired: r.Expired,
		Scopes:  r.Scope,
	}
	if info.Scopes == nil {
		info.Scopes = []string{}
	}
	var err error
	if info.Expiration, err = parseOptionalTime(r.Expiration); err != nil {
		return nil, err
	}
	if info.Created, err = parseOptionalTime(r.Created); err != nil {
		return nil, err
	}
	return info, nil
}

func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", *s, err)
	}
	return &t, nil
}
