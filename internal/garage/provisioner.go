package garage

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/stouder/mechanic/internal/apperr"
	"github.com/stouder/mechanic/internal/telemetry"
)

// AdminAPI is the subset of Client the provisioner needs.
type AdminAPI interface {
	ListKeys(ctx context.Context, token string) ([]ListKeysItem, error)
	CreateKey(ctx context.Context, token string, req CreateKeyRequest) (*KeyInfo, error)
	GetKeyInfo(ctx context.Context, token, id string, showSecret bool) (*KeyInfo, error)
	AllowBucketKey(ctx context.Context, token string, req AllowBucketKeyRequest) error
}

// Provisioner makes sure the "Mechanic" access key exists and can read,
// write and own a given bucket.
//
// Resolution is serialized within the process so two concurrent first
// browses do not both create a key named "Mechanic". Replicas are not
// coordinated; a duplicate created by another replica is harmless because
// ListKeys always picks the first key with that name.
type Provisioner struct {
	api AdminAPI
	mu  sync.Mutex
}

// NewProvisioner creates a provisioner over api.
func NewProvisioner(api AdminAPI) *Provisioner {
	return &Provisioner{api: api}
}

// ResolveKeyForBucket returns the Mechanic key, creating it and granting it
// full permissions on bucketID as needed. Every admin API call is made with
// token.
func (p *Provisioner) ResolveKeyForBucket(ctx context.Context, token, bucketID string) (ServiceKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keyID, err := p.findOrCreateKey(ctx, token)
	if err != nil {
		return ServiceKey{}, err
	}

	info, err := p.api.GetKeyInfo(ctx, token, keyID, true)
	if err != nil {
		if apperr.IsNotFound(err) {
			return ServiceKey{}, apperr.Wrap(apperr.KindMissingServiceKey, "Mechanic key is missing", err)
		}
		return ServiceKey{}, err
	}
	if info.SecretAccessKey == nil || strings.TrimSpace(*info.SecretAccessKey) == "" {
		return ServiceKey{}, apperr.MissingServiceKey("Mechanic key has no secret access key")
	}

	if !info.HasFullGrant(bucketID) {
		err := p.api.AllowBucketKey(ctx, token, AllowBucketKeyRequest{
			AccessKeyID: info.AccessKeyID,
			BucketID:    bucketID,
			Permissions: BucketKeyPerm{Read: true, Write: true, Owner: true},
		})
		if err != nil {
			return ServiceKey{}, err
		}
		telemetry.ServiceKeyGrantsTotal.Inc()
		slog.Info("granted Mechanic key access to bucket", "bucket_id", bucketID, "access_key_id", info.AccessKeyID)
	}

	return ServiceKey{
		AccessKeyID:     info.AccessKeyID,
		SecretAccessKey: *info.SecretAccessKey,
	}, nil
}

func (p *Provisioner) findOrCreateKey(ctx context.Context, token string) (string, error) {
	keys, err := p.api.ListKeys(ctx, token)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		if k.Name == ServiceKeyName {
			return k.ID, nil
		}
	}

	created, err := p.api.CreateKey(ctx, token, CreateKeyRequest{
		Allow:        &KeyPerm{CreateBucket: true},
		Name:         ServiceKeyName,
		NeverExpires: true,
	})
	if err != nil {
		return "", err
	}
	if created.AccessKeyID == "" {
		return "", apperr.MissingServiceKey("CreateKey returned no access key id")
	}
	telemetry.ServiceKeyCreatedTotal.Inc()
	slog.Info("created Mechanic service key", "access_key_id", created.AccessKeyID)
	return created.AccessKeyID, nil
}
