// Package garagetest provides an in-memory fake of the Garage admin API v2
// for tests. It implements the endpoints Mechanic calls with just enough
// state to exercise key provisioning and bucket lookups.
package garagetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/stouder/mechanic/internal/garage"
)

// Server is a fake Garage admin API.
type Server struct {
	*httptest.Server

	// Token is the only bearer token the fake accepts.
	Token string

	mu          sync.Mutex
	healthy     bool
	keys        []*garage.KeyInfo
	buckets     map[string]*garage.BucketInfoResponse
	adminTokens map[string]*garage.AdminTokenInfoResponse
	calls       []string
	nextKey     int
	hideSecret  bool
}

// NewServer starts a fake that accepts token. It is closed when the test ends.
func NewServer(t interface{ Cleanup(func()) }, token string) *Server {
	s := &Server{
		Token:       token,
		healthy:     true,
		buckets:     make(map[string]*garage.BucketInfoResponse),
		adminTokens: make(map[string]*garage.AdminTokenInfoResponse),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// AddBucket registers a bucket with the given global aliases.
func (s *Server) AddBucket(id string, globalAliases ...string) *garage.BucketInfoResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if globalAliases == nil {
		globalAliases = []string{}
	}
	b := &garage.BucketInfoResponse{
		ID:            id,
		Created:       "2025-03-01T10:00:00Z",
		GlobalAliases: globalAliases,
		Keys:          []garage.BucketKey{},
	}
	s.buckets[id] = b
	return b
}

// AddLocalAlias attaches a key-local alias to a bucket, as seen through GetBucketInfo.
func (s *Server) AddLocalAlias(bucketID, keyName, alias string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[bucketID]
	b.Keys = append(b.Keys, garage.BucketKey{
		AccessKeyID:        "GK-local-" + keyName,
		Name:               keyName,
		BucketLocalAliases: []string{alias},
	})
}

// AddKey registers an existing access key and returns its ID. A nil secret
// models a key whose secret Garage does not return.
func (s *Server) AddKey(name string, secret *string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addKeyLocked(name, secret)
}

// Grant gives key id the permissions on bucketID.
func (s *Server) Grant(keyID, bucketID string, perm garage.BucketKeyPerm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantLocked(keyID, bucketID, perm)
}

// AddAdminToken registers admin token metadata returned by GetAdminTokenInfo.
func (s *Server) AddAdminToken(info garage.AdminTokenInfoResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminTokens[*info.ID] = &info
}

// SetHealthy controls the /health answer.
func (s *Server) SetHealthy(ok bool) {
	s.mu.Lock()
	s.healthy = ok
	s.mu.Unlock()
}

// HideSecrets makes GetKeyInfo omit secretAccessKey even when asked for it.
func (s *Server) HideSecrets() {
	s.mu.Lock()
	s.hideSecret = true
	s.mu.Unlock()
}

// Calls returns the "METHOD /path" of every request received, in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount counts received requests matching "METHOD /path".
func (s *Server) CallCount(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// KeyByName returns a copy of the first key with name, or nil.
func (s *Server) KeyByName(name string) *garage.KeyInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Name == name {
			cp := *k
			cp.Buckets = append([]garage.KeyInfoBucket(nil), k.Buckets...)
			return &cp
		}
	}
	return nil
}

func (s *Server) addKeyLocked(name string, secret *string) string {
	s.nextKey++
	id := fmt.Sprintf("GK%04d", s.nextKey)
	s.keys = append(s.keys, &garage.KeyInfo{
		AccessKeyID:     id,
		Name:            name,
		Buckets:         []garage.KeyInfoBucket{},
		SecretAccessKey: secret,
	})
	return id
}

func (s *Server) keyLocked(id string) *garage.KeyInfo {
	for _, k := range s.keys {
		if k.AccessKeyID == id {
			return k
		}
	}
	return nil
}

func (s *Server) grantLocked(keyID, bucketID string, perm garage.BucketKeyPerm) {
	k := s.keyLocked(keyID)
	for i := range k.Buckets {
		if k.Buckets[i].ID == bucketID {
			p := &k.Buckets[i].Permissions
			p.Read = p.Read || perm.Read
			p.Write = p.Write || perm.Write
			p.Owner = p.Owner || perm.Owner
			return
		}
	}
	k.Buckets = append(k.Buckets, garage.KeyInfoBucket{
		ID:            bucketID,
		GlobalAliases: s.buckets[bucketID].GlobalAliases,
		LocalAliases:  []string{},
		Permissions:   perm,
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)
	s.mu.Unlock()

	if r.URL.Path == "/health" {
		s.mu.Lock()
		healthy := s.healthy
		s.mu.Unlock()
		if !healthy {
			writeError(w, http.StatusServiceUnavailable, "ServiceUnavailable", "quorum not reached")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Garage is fully operational"))
		return
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
		return
	}
	if auth != "Bearer "+s.Token {
		writeError(w, http.StatusForbidden, "Forbidden", "invalid admin token")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method + " " + r.URL.Path {
	case "GET /v2/ListKeys":
		items := make([]garage.ListKeysItem, 0, len(s.keys))
		for _, k := range s.keys {
			items = append(items, garage.ListKeysItem{ID: k.AccessKeyID, Name: k.Name})
		}
		writeJSON(w, http.StatusOK, items)

	case "POST /v2/CreateKey":
		var req garage.CreateKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
			return
		}
		secret := "secret-" + req.Name
		id := s.addKeyLocked(req.Name, &secret)
		k := s.keyLocked(id)
		if req.Allow != nil {
			k.Permissions = *req.Allow
		}
		writeJSON(w, http.StatusOK, k)

	case "GET /v2/GetKeyInfo":
		k := s.keyLocked(r.URL.Query().Get("id"))
		if k == nil {
			writeError(w, http.StatusNotFound, "NoSuchAccessKey", "access key not found")
			return
		}
		cp := *k
		if r.URL.Query().Get("showSecretKey") != "true" || s.hideSecret {
			cp.SecretAccessKey = nil
		}
		writeJSON(w, http.StatusOK, cp)

	case "POST /v2/AllowBucketKey":
		var req garage.AllowBucketKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
			return
		}
		if s.keyLocked(req.AccessKeyID) == nil {
			writeError(w, http.StatusNotFound, "NoSuchAccessKey", "access key not found")
			return
		}
		if _, ok := s.buckets[req.BucketID]; !ok {
			writeError(w, http.StatusNotFound, "NoSuchBucket", "bucket not found")
			return
		}
		s.grantLocked(req.AccessKeyID, req.BucketID, req.Permissions)
		writeJSON(w, http.StatusOK, s.buckets[req.BucketID])

	case "GET /v2/GetBucketInfo":
		b, ok := s.buckets[r.URL.Query().Get("id")]
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchBucket", "bucket not found")
			return
		}
		writeJSON(w, http.StatusOK, b)

	case "GET /v2/GetAdminTokenInfo":
		info, ok := s.adminTokens[r.URL.Query().Get("id")]
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchAdminToken", "admin token not found")
			return
		}
		writeJSON(w, http.StatusOK, info)

	case "GET /v2/GetClusterStatus":
		writeJSON(w, http.StatusOK, map[string]any{
			"layoutVersion": 1,
			"nodes":         []any{},
			"checkedAt":     time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC).Format(time.RFC3339),
		})

	default:
		writeError(w, http.StatusNotFound, "NotFound", "unknown endpoint "+strings.TrimPrefix(r.URL.Path, "/"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message, "region": "garage"})
}
