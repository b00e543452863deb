package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"kgmirror/internal/blob/core"
)

func TestStore_MockedBasicFlow(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	info, err := s.Put(ctx, "dumps/latest-all.json", strings.NewReader("[\n{}\n]\n"), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 7 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := s.Put(ctx, "dumps/latest-all.json", strings.NewReader("x"), core.PutOptions{}); err == nil {
		t.Fatalf("expected duplicate put error")
	}
	_, rc, err := s.Get(ctx, "dumps/latest-all.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "[\n{}\n]\n" {
		t.Fatalf("unexpected body %q", b)
	}
	list, err := s.List(ctx, "dumps/")
	if err != nil || len(list) != 1 || list[0].Key != "dumps/latest-all.json" {
		t.Fatalf("list: %v %+v", err, list)
	}
	if ok, err := s.Delete(ctx, "dumps/latest-all.json"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "dumps/latest-all.json"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
}

func TestStore_NotFoundIsWrapped(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	if _, err := s.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
}

func TestStore_GetRange(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	if _, err := s.Put(ctx, "k", strings.NewReader("0123456789"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	cases := []struct {
		offset, length int64
		want           string
	}{
		{0, 4, "0123"},
		{5, -1, "56789"},
		{8, 50, "89"},
		{10, 3, ""},
		{3, 0, ""},
	}
	for _, c := range cases {
		rc, err := s.GetRange(ctx, "k", c.offset, c.length)
		if err != nil {
			t.Fatalf("range %d/%d: %v", c.offset, c.length, err)
		}
		b, _ := io.ReadAll(rc)
		_ = rc.Close()
		if string(b) != c.want {
			t.Fatalf("range %d/%d = %q want %q", c.offset, c.length, b, c.want)
		}
	}
	if _, err := s.GetRange(ctx, "k", -2, 1); !errors.Is(err, core.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}

func TestParseRange(t *testing.T) {
	if s, e, ok := parseRange("bytes=2-5", 10); !ok || s != 2 || e != 5 {
		t.Fatalf("got %d %d %v", s, e, ok)
	}
	if s, e, ok := parseRange("bytes=7-", 10); !ok || s != 7 || e != 9 {
		t.Fatalf("got %d %d %v", s, e, ok)
	}
	if _, _, ok := parseRange("bytes=12-", 10); ok {
		t.Fatalf("expected unsatisfiable")
	}
}

func TestDecodeChunked(t *testing.T) {
	if b, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\n\r\n")); !ok || string(b) != "hello" {
		t.Fatalf("decode: %q %v", b, ok)
	}
	if _, ok := decodeChunked([]byte("plain")); ok {
		t.Fatalf("expected non-chunked")
	}
}
