package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewMockForTests returns an *Store backed by an in-memory fake HTTP transport.
// Only the subset of S3 operations required by the blob.Store interface is
// implemented, including ranged GETs.
func NewMockForTests() *Store {
	rt := &mockRoundTripper{state: make(map[string]mockObj)}
	cfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return &Store{client: client, bucket: "mock-bucket"}
}

type mockRoundTripper struct {
	mu    sync.Mutex
	state map[string]mockObj
}

type mockObj struct {
	body        []byte
	contentType string
	etag        string
	modified    time.Time
}

func respond(status int, body []byte, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: header}
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) { //nolint:cyclop
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && strings.Contains(req.URL.RawQuery, "list-type=2") {
		return m.list(req.URL.Query().Get("prefix")), nil
	}
	switch req.Method {
	case http.MethodHead:
		st, ok := m.state[key]
		if !ok {
			return respond(http.StatusNotFound, nil, nil), nil
		}
		return respond(http.StatusOK, nil, objectHeader(st, len(st.body))), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		if _, exists := m.state[key]; !exists {
			sum := md5.Sum(body)
			m.state[key] = mockObj{body: body, contentType: req.Header.Get("Content-Type"), etag: hex.EncodeToString(sum[:]), modified: time.Now().UTC()}
		}
		return respond(http.StatusOK, nil, http.Header{"ETag": {"\"" + m.state[key].etag + "\""}}), nil
	case http.MethodGet:
		st, ok := m.state[key]
		if !ok {
			return respond(http.StatusNotFound, []byte("<Error><Code>NoSuchKey</Code></Error>"), http.Header{"Content-Type": {"application/xml"}}), nil
		}
		rng := req.Header.Get("Range")
		if rng == "" {
			return respond(http.StatusOK, st.body, objectHeader(st, len(st.body))), nil
		}
		start, end, ok := parseRange(rng, int64(len(st.body)))
		if !ok {
			return respond(http.StatusRequestedRangeNotSatisfiable, []byte("<Error><Code>InvalidRange</Code></Error>"), http.Header{"Content-Type": {"application/xml"}}), nil
		}
		h := objectHeader(st, int(end-start+1))
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(st.body)))
		return respond(http.StatusPartialContent, st.body[start:end+1], h), nil
	case http.MethodDelete:
		delete(m.state, key)
		return respond(http.StatusNoContent, nil, nil), nil
	}
	return respond(http.StatusNotImplemented, nil, nil), nil
}

func (m *mockRoundTripper) list(prefix string) *http.Response {
	var keys []string
	for k := range m.state {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?><ListBucketResult><IsTruncated>false</IsTruncated>")
	for _, k := range keys {
		st := m.state[k]
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><ETag>&quot;%s&quot;</ETag><LastModified>%s</LastModified></Contents>",
			k, len(st.body), st.etag, st.modified.Format(time.RFC3339))
	}
	b.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}})
}

func objectHeader(st mockObj, length int) http.Header {
	return http.Header{
		"Content-Length": {strconv.Itoa(length)},
		"Content-Type":   {st.contentType},
		"ETag":           {"\"" + st.etag + "\""},
		"Last-Modified":  {st.modified.Format(http.TimeFormat)},
	}
}

// parseRange handles the single "bytes=start-[end]" form the store emits.
func parseRange(h string, size int64) (int64, int64, bool) {
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return 0, 0, false
	}
	from, to, _ := strings.Cut(spec, "-")
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start >= size {
		return 0, 0, false
	}
	end := size - 1
	if to != "" {
		if e, err := strconv.ParseInt(to, 10, 64); err == nil && e < end {
			end = e
		}
	}
	return start, end, true
}

// decodeChunked decodes a minimal single-chunk aws-chunked style payload: <hex>\r\n<body>\r\n0\r\n...
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	sizeHex, _, _ := strings.Cut(parts[0], ";")
	sz, err := strconv.ParseInt(sizeHex, 16, 64)
	if err != nil || int64(len(parts[1])) != sz || !strings.HasPrefix(parts[2], "0") {
		return nil, false
	}
	return []byte(parts[1]), true
}
