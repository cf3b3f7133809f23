package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"trackcore/internal/infra/blob/core"
)

func TestS3StoreLifecycleAgainstMock(t *testing.T) {
	ctx := context.Background()
	s := NewMock()
	if s.Driver() != core.DriverS3 || s.Bucket() != "mock-bucket" {
		t.Fatalf("unexpected store %s %s", s.Driver(), s.Bucket())
	}
	info, err := s.Put(ctx, "exports/p1/tracks.json", strings.NewReader(`{"tracks":[]}`), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"position": "p1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(`{"tracks":[]}`)) || info.ContentType != "application/json" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := s.Put(ctx, "exports/p1/tracks.json", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	_, rc, err := s.Get(ctx, "exports/p1/tracks.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"tracks":[]}` {
		t.Fatalf("unexpected body %q", body)
	}
	if _, err := s.Put(ctx, "exports/p2/tracks.csv", strings.NewReader("a,b\n"), core.PutOptions{}); err != nil {
		t.Fatalf("put csv: %v", err)
	}
	list, err := s.List(ctx, "exports/")
	if err != nil || len(list) != 2 || list[0].Key != "exports/p1/tracks.json" {
		t.Fatalf("unexpected list %+v (%v)", list, err)
	}
	if ok, err := s.Delete(ctx, "exports/p2/tracks.csv"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "exports/p2/tracks.csv"); err != nil || ok {
		t.Fatalf("expected missing delete to report false, got %v %v", ok, err)
	}
	if _, err := s.Head(ctx, "exports/p2/tracks.csv"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing bucket to fail")
	}
}

func TestDecodeChunked(t *testing.T) {
	body, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\nx-amz-checksum-crc32:abc\r\n\r\n"))
	if !ok || string(body) != "hello" {
		t.Fatalf("unexpected decode %q %v", body, ok)
	}
	if _, ok := decodeChunked([]byte("plain body")); ok {
		t.Fatalf("expected plain body to pass through")
	}
}
