// factory.go implements the driver registry, mapping driver names (s3, minio)
// to constructor functions, and wraps every Store it hands out with metrics.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/stouder/mechanic/internal/apperr"
	"github.com/stouder/mechanic/internal/telemetry"
)

// FactoryFunc builds a Store for one set of credentials.
type FactoryFunc func(Options) (Store, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]FactoryFunc)
)

// Register registers a driver factory under name.
func Register(name string, factory FactoryFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a Store using the named driver.
func New(driver string, opts Options) (Store, error) {
	factoriesMu.RLock()
	factory, ok := factories[driver]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported object store driver: %q (registered: %s)", driver, strings.Join(Drivers(), ", "))
	}

	s, err := factory(opts)
	if err != nil {
		return nil, err
	}
	return &instrumented{next: s}, nil
}

// instrumented counts every call in mechanic_object_operations_total.
type instrumented struct {
	next Store
}

func (s *instrumented) List(ctx context.Context, bucket, prefix string) ([]Entry, error) {
	entries, err := s.next.List(ctx, bucket, prefix)
	observe("list", err)
	return entries, err
}

func (s *instrumented) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := s.next.Get(ctx, bucket, key)
	observe("get", err)
	return data, err
}

func (s *instrumented) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	err := s.next.Put(ctx, bucket, key, body, size)
	observe("put", err)
	return err
}

func (s *instrumented) Delete(ctx context.Context, bucket, key string) error {
	err := s.next.Delete(ctx, bucket, key)
	observe("delete", err)
	return err
}

func observe(op string, err error) {
	status := "ok"
	switch {
	case err == nil:
	case apperr.IsNotFound(err):
		status = "not_found"
	default:
		status = "error"
	}
	telemetry.ObjectOperationsTotal.WithLabelValues(op, status).Inc()
}
