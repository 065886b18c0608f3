package garage_test

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stouder/mechanic/internal/apperr"
	"github.com/stouder/mechanic/internal/garage"
	"github.com/stouder/mechanic/internal/garage/garagetest"
	"github.com/stouder/mechanic/internal/telemetry"
)

func newProvisioner(t *testing.T) (*garage.Provisioner, *garagetest.Server) {
	t.Helper()
	fake := garagetest.NewServer(t, adminToken)
	fake.AddBucket("b1", "photos")
	return garage.NewProvisioner(garage.NewClient(fake.URL)), fake
}

func TestResolveKeyForBucket_CreatesKeyAndGrants(t *testing.T) {
	p, fake := newProvisioner(t)
	createdBefore := testutil.ToFloat64(telemetry.ServiceKeyCreatedTotal)
	grantsBefore := testutil.ToFloat64(telemetry.ServiceKeyGrantsTotal)

	key, err := p.ResolveKeyForBucket(context.Background(), adminToken, "b1")
	require.NoError(t, err)

	assert.NotEmpty(t, key.AccessKeyID)
	assert.Equal(t, "secret-Mechanic", key.SecretAccessKey)
	assert.Equal(t, []string{
		"GET /v2/ListKeys",
		"POST /v2/CreateKey",
		"GET /v2/GetKeyInfo",
		"POST /v2/AllowBucketKey",
	}, fake.Calls())

	stored := fake.KeyByName(garage.ServiceKeyName)
	require.NotNil(t, stored)
	assert.True(t, stored.Permissions.CreateBucket)
	assert.True(t, stored.HasFullGrant("b1"))

	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.ServiceKeyCreatedTotal)-createdBefore)
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.ServiceKeyGrantsTotal)-grantsBefore)
}

func TestResolveKeyForBucket_IsIdempotent(t *testing.T) {
	p, fake := newProvisioner(t)
	ctx := context.Background()

	first, err := p.ResolveKeyForBucket(ctx, adminToken, "b1")
	require.NoError(t, err)
	second, err := p.ResolveKeyForBucket(ctx, adminToken, "b1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fake.CallCount("POST /v2/CreateKey"))
	assert.Equal(t, 1, fake.CallCount("POST /v2/AllowBucketKey"))
}

func TestResolveKeyForBucket_ExistingKeyWithGrant(t *testing.T) {
	p, fake := newProvisioner(t)
	id := fake.AddKey(garage.ServiceKeyName, strptr("s3cr3t"))
	fake.Grant(id, "b1", garage.BucketKeyPerm{Read: true, Write: true, Owner: true})

	key, err := p.ResolveKeyForBucket(context.Background(), adminToken, "b1")
	require.NoError(t, err)

	assert.Equal(t, garage.ServiceKey{AccessKeyID: id, SecretAccessKey: "s3cr3t"}, key)
	assert.Equal(t, []string{"GET /v2/ListKeys", "GET /v2/GetKeyInfo"}, fake.Calls())
}

func TestResolveKeyForBucket_PartialGrantIsExtended(t *testing.T) {
	p, fake := newProvisioner(t)
	id := fake.AddKey(garage.ServiceKeyName, strptr("s3cr3t"))
	fake.Grant(id, "b1", garage.BucketKeyPerm{Read: true, Write: true})

	_, err := p.ResolveKeyForBucket(context.Background(), adminToken, "b1")
	require.NoError(t, err)

	assert.Equal(t, 1, fake.CallCount("POST /v2/AllowBucketKey"))
	assert.True(t, fake.KeyByName(garage.ServiceKeyName).HasFullGrant("b1"))
}

func TestResolveKeyForBucket_GrantOnOtherBucketDoesNotCount(t *testing.T) {
	p, fake := newProvisioner(t)
	fake.AddBucket("b2", "videos")
	id := fake.AddKey(garage.ServiceKeyName, strptr("s3cr3t"))
	fake.Grant(id, "b2", garage.BucketKeyPerm{Read: true, Write: true, Owner: true})

	_, err := p.ResolveKeyForBucket(context.Background(), adminToken, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.CallCount("POST /v2/AllowBucketKey"))
}

func TestResolveKeyForBucket_IgnoresOtherKeys(t *testing.T) {
	p, fake := newProvisioner(t)
	fake.AddKey("mechanic", strptr("lowercase-is-another-key"))
	fake.AddKey("backup", strptr("x"))

	_, err := p.ResolveKeyForBucket(context.Background(), adminToken, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.CallCount("POST /v2/CreateKey"))
}

func TestResolveKeyForBucket_MissingSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret *string
	}{
		{"nil secret", nil},
		{"blank secret", strptr("   ")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, fake := newProvisioner(t)
			fake.AddKey(garage.ServiceKeyName, tt.secret)

			_, err := p.ResolveKeyForBucket(context.Background(), adminToken, "b1")
			require.Error(t, err)
			assert.Equal(t, apperr.KindMissingServiceKey, apperr.KindOf(err))
			assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(err))
			assert.Zero(t, fake.CallCount("POST /v2/AllowBucketKey"))
		})
	}
}

func TestResolveKeyForBucket_SecretHiddenByGarage(t *testing.T) {
	p, fake := newProvisioner(t)
	fake.HideSecrets()

	_, err := p.ResolveKeyForBucket(context.Background(), adminToken, "b1")
	assert.Equal(t, apperr.KindMissingServiceKey, apperr.KindOf(err))
}

func TestResolveKeyForBucket_RejectedToken(t *testing.T) {
	p, fake := newProvisioner(t)

	_, err := p.ResolveKeyForBucket(context.Background(), "not-the-token", "b1")
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apperr.HTTPStatus(err))
	assert.Equal(t, []string{"GET /v2/ListKeys"}, fake.Calls())
}

func TestResolveKeyForBucket_UnknownBucket(t *testing.T) {
	p, _ := newProvisioner(t)

	_, err := p.ResolveKeyForBucket(context.Background(), adminToken, "nope")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestResolveKeyForBucket_ConcurrentFirstUseCreatesOneKey(t *testing.T) {
	p, fake := newProvisioner(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.ResolveKeyForBucket(context.Background(), adminToken, "b1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.CallCount("POST /v2/CreateKey"))
}
