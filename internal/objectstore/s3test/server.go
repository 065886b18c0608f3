// Package s3test provides a fake S3 endpoint for tests. It speaks the
// path-style subset of the S3 REST API used by both object store drivers:
// ListObjectsV2 with delimiter and continuation tokens, GetObject, HeadObject,
// PutObject and DeleteObject.
package s3test

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ModTime is the LastModified of objects added with Put.
var ModTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// Server is a fake S3 endpoint.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	buckets   map[string]map[string]object
	pageSize  int
	accessKey string
	requests  []string
}

type object struct {
	data     []byte
	modified time.Time
}

// NewServer starts an empty fake. It is closed when the test ends.
func NewServer(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		buckets:  make(map[string]map[string]object),
		pageSize: 1000,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// CreateBucket adds an empty bucket.
func (s *Server) CreateBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = make(map[string]object)
	}
}

// Put stores an object, creating the bucket if needed.
func (s *Server) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]object)
	}
	s.buckets[bucket][key] = object{data: data, modified: ModTime}
}

// Object returns the content of an object and whether it exists.
func (s *Server) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	return o.data, ok
}

// Keys returns the sorted keys of a bucket.
func (s *Server) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetPageSize caps how many keys and prefixes one ListObjectsV2 page holds.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	s.pageSize = n
	s.mu.Unlock()
}

// RequireAccessKey makes the fake reject requests not signed with id.
func (s *Server) RequireAccessKey(id string) {
	s.mu.Lock()
	s.accessKey = id
	s.mu.Unlock()
}

// Requests returns "METHOD /path" for every request received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// CountRequests counts received requests with the given method.
func (s *Server) CountRequests(method string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasPrefix(r, method+" ") {
			n++
		}
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	required := s.accessKey
	s.mu.Unlock()

	if required != "" && !strings.Contains(r.Header.Get("Authorization"), "Credential="+required+"/") {
		writeError(w, http.StatusForbidden, "InvalidAccessKeyId", "The access key ID you provided does not exist.")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, hasKey := strings.Cut(path, "/")

	s.mu.Lock()
	_, bucketExists := s.buckets[bucket]
	s.mu.Unlock()
	if !bucketExists {
		writeError(w, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist")
		return
	}

	if !hasKey || key == "" {
		if r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2" {
			s.list(w, r, bucket)
			return
		}
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, http.StatusNotImplemented, "NotImplemented", "bucket operation not supported by the fake")
		return
	}

	switch r.Method {
	case http.MethodPut:
		data, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "IncompleteBody", err.Error())
			return
		}
		s.Put(bucket, key, data)
		w.Header().Set("ETag", etag(data))
		w.WriteHeader(http.StatusOK)

	case http.MethodGet, http.MethodHead:
		s.mu.Lock()
		o, ok := s.buckets[bucket][key]
		s.mu.Unlock()
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(o.data)))
		w.Header().Set("Last-Modified", o.modified.Format(http.TimeFormat))
		w.Header().Set("ETag", etag(o.data))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(o.data)
		}

	case http.MethodDelete:
		s.mu.Lock()
		delete(s.buckets[bucket], key)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	}
}

type listBucketResult struct {
	XMLName               xml.Name       `xml:"ListBucketResult"`
	Xmlns                 string         `xml:"xmlns,attr"`
	Name                  string         `xml:"Name"`
	Prefix                string         `xml:"Prefix"`
	Delimiter             string         `xml:"Delimiter,omitempty"`
	MaxKeys               int            `xml:"MaxKeys"`
	KeyCount              int            `xml:"KeyCount"`
	IsTruncated           bool           `xml:"IsTruncated"`
	ContinuationToken     string         `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string         `xml:"NextContinuationToken,omitempty"`
	Contents              []listContent  `xml:"Contents"`
	CommonPrefixes        []commonPrefix `xml:"CommonPrefixes"`
}

type listContent struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// list answers ListObjectsV2. Keys and folded prefixes share one
// lexicographic sequence that is cut into pages; the continuation token is
// the last item of the previous page.
func (s *Server) list(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	token := q.Get("continuation-token")

	s.mu.Lock()
	pageSize := s.pageSize
	if mk, err := strconv.Atoi(q.Get("max-keys")); err == nil && mk > 0 && mk < pageSize {
		pageSize = mk
	}
	objects := make(map[string]object, len(s.buckets[bucket]))
	for k, o := range s.buckets[bucket] {
		objects[k] = o
	}
	s.mu.Unlock()

	type item struct {
		name     string
		isPrefix bool
	}
	seen := map[string]bool{}
	var items []item
	for k := range objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				p := prefix + rest[:i+len(delimiter)]
				if !seen[p] {
					seen[p] = true
					items = append(items, item{name: p, isPrefix: true})
				}
				continue
			}
		}
		items = append(items, item{name: k})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].name < items[j].name })

	start := 0
	if token != "" {
		start = sort.Search(len(items), func(i int) bool { return items[i].name > token })
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}

	result := listBucketResult{
		Xmlns:             "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:              bucket,
		Prefix:            prefix,
		Delimiter:         delimiter,
		MaxKeys:           pageSize,
		KeyCount:          end - start,
		ContinuationToken: token,
		IsTruncated:       end < len(items),
	}
	for _, it := range items[start:end] {
		if it.isPrefix {
			result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: it.name})
			continue
		}
		o := objects[it.name]
		result.Contents = append(result.Contents, listContent{
			Key:          it.name,
			LastModified: o.modified.UTC().Format("2006-01-02T15:04:05.000Z"),
			ETag:         etag(o.data),
			Size:         int64(len(o.data)),
			StorageClass: "STANDARD",
		})
	}
	if result.IsTruncated {
		result.NextContinuationToken = items[end-1].name
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(result)
}

// readBody returns the payload of a PUT, decoding aws-chunked framing when
// the client used streaming signatures or trailing checksums.
func readBody(r *http.Request) ([]byte, error) {
	chunked := r.Header.Get("X-Amz-Decoded-Content-Length") != "" ||
		strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") ||
		strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-")
	if !chunked {
		return io.ReadAll(r.Body)
	}

	br := bufio.NewReader(r.Body)
	var out []byte
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading chunk header: %w", err)
		}
		sizeField, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		n, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk size %q: %w", sizeField, err)
		}
		if n == 0 {
			return out, nil
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("reading chunk: %w", err)
		}
		out = append(out, buf...)
		if _, err := br.Discard(2); err != nil {
			return nil, fmt.Errorf("reading chunk terminator: %w", err)
		}
	}
}

func etag(data []byte) string {
	var h uint32 = 2166136261
	for _, b := range data {
		h ^= uint32(b)
		h *= 16777619
	}
	return fmt.Sprintf(`"%08x"`, h)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `%s<Error><Code>%s</Code><Message>%s</Message><RequestId>fake</RequestId></Error>`, xml.Header, code, message)
}
