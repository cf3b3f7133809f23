package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewMock returns a Store backed by an in-memory fake S3 transport. Only the
// operations the blob contract needs are implemented.
func NewMock() *Store {
	rt := &mockTransport{state: make(map[string]mockObject)}
	store, err := New(context.Background(), Config{
		Bucket:          "mock-bucket",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
	}, func(o *s3.Options) { o.HTTPClient = &http.Client{Transport: rt} })
	if err != nil {
		panic(fmt.Errorf("mock s3 store: %w", err))
	}
	return store
}

type mockObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

type mockTransport struct {
	mu    sync.Mutex
	state map[string]mockObject
}

func emptyResponse(status int, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(nil)), Header: header}
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return m.list(req.URL.Query().Get("prefix")), nil
	}
	switch req.Method {
	case http.MethodHead, http.MethodGet:
		obj, ok := m.state[key]
		if !ok {
			return emptyResponse(http.StatusNotFound, nil), nil
		}
		header := http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {"\"etag-" + key + "\""},
			"Last-Modified":  {time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)},
		}
		for k, v := range obj.metadata {
			header.Set("X-Amz-Meta-"+k, v)
		}
		resp := emptyResponse(http.StatusOK, header)
		if req.Method == http.MethodGet {
			resp.Body = io.NopCloser(bytes.NewReader(obj.body))
		}
		return resp, nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if decoded, ok := decodeChunked(body); ok {
			body = decoded
		}
		meta := make(map[string]string)
		for k, v := range req.Header {
			if lk := strings.ToLower(k); strings.HasPrefix(lk, "x-amz-meta-") && len(v) > 0 {
				meta[strings.TrimPrefix(lk, "x-amz-meta-")] = v[0]
			}
		}
		m.state[key] = mockObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: meta}
		return emptyResponse(http.StatusOK, http.Header{"Etag": {"\"etag-" + key + "\""}}), nil
	case http.MethodDelete:
		delete(m.state, key)
		return emptyResponse(http.StatusNoContent, nil), nil
	}
	return emptyResponse(http.StatusNotImplemented, nil), nil
}

func (m *mockTransport) list(prefix string) *http.Response {
	var keys []string
	for k := range m.state {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(m.state[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(b.String())),
		Header:     http.Header{"Content-Type": {"application/xml"}},
	}
}

// decodeChunked unwraps a single-chunk aws-chunked payload:
// <hex>\r\n<body>\r\n0\r\n...
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	size, err := strconv.ParseInt(strings.SplitN(parts[0], ";", 2)[0], 16, 64)
	if err != nil || int64(len(parts[1])) != size || !strings.HasPrefix(parts[2], "0") {
		return nil, false
	}
	return []byte(parts[1]), true
}
