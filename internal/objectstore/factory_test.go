package objectstore_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stouder/mechanic/internal/objectstore"
	"github.com/stouder/mechanic/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Minimal Store implementation for registry tests
// ---------------------------------------------------------------------------

type stubStore struct{ err error }

func (s *stubStore) List(context.Context, string, string) ([]objectstore.Entry, error) {
	return nil, s.err
}
func (s *stubStore) Get(context.Context, string, string) ([]byte, error) { return nil, s.err }
func (s *stubStore) Put(context.Context, string, string, io.Reader, int64) error {
	return s.err
}
func (s *stubStore) Delete(context.Context, string, string) error { return s.err }

// ---------------------------------------------------------------------------
// Register / New
// ---------------------------------------------------------------------------

func TestRegister_AddsFactory(t *testing.T) {
	var got objectstore.Options
	objectstore.Register("test-driver", func(opts objectstore.Options) (objectstore.Store, error) {
		got = opts
		return &stubStore{}, nil
	})

	opts := objectstore.Options{Endpoint: "http://garage:3900", Region: "garage"}
	s, err := objectstore.New("test-driver", opts)
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, opts, got)
	assert.Contains(t, objectstore.Drivers(), "test-driver")
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := objectstore.New("completely-unknown-driver", objectstore.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completely-unknown-driver")
}

func TestNew_FactoryError(t *testing.T) {
	objectstore.Register("failing-driver", func(objectstore.Options) (objectstore.Store, error) {
		return nil, errors.New("boom")
	})
	_, err := objectstore.New("failing-driver", objectstore.Options{})
	assert.EqualError(t, err, "boom")
}

func TestNew_CountsErrors(t *testing.T) {
	objectstore.Register("erroring-driver", func(objectstore.Options) (objectstore.Store, error) {
		return &stubStore{err: errors.New("disk on fire")}, nil
	})
	s, err := objectstore.New("erroring-driver", objectstore.Options{})
	require.NoError(t, err)

	labels := map[string]string{"operation": "delete", "status": "error"}
	before := testutil.ToFloat64(telemetry.ObjectOperationsTotal.With(labels))
	assert.Error(t, s.Delete(context.Background(), "b", "k"))
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.ObjectOperationsTotal.With(labels))-before)
}
