package s3

import (
	"bufio"
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

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewMockForTests returns a Store whose HTTP client talks to an in-process
// fake bucket instead of the network.
func NewMockForTests() *Store { return newMockStore(0) }

// newMockStore builds a mock store; pageSize > 0 truncates list responses.
func newMockStore(pageSize int) *Store {
	rt := &fakeBucket{objects: make(map[string]fakeObject), pageSize: pageSize}
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

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

// fakeBucket serves the subset of the S3 REST API the store uses.
type fakeBucket struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	pageSize int
}

func (b *fakeBucket) RoundTrip(req *http.Request) (*http.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return b.list(req), nil
	}
	switch req.Method {
	case http.MethodHead:
		obj, ok := b.objects[key]
		if !ok {
			return reply(http.StatusNotFound, nil, nil), nil
		}
		return reply(http.StatusOK, objectHeaders(obj), nil), nil
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") || req.Header.Get("X-Amz-Decoded-Content-Length") != "" {
			if body, err = decodeAWSChunked(body); err != nil {
				return reply(http.StatusBadRequest, nil, nil), nil
			}
		}
		md := map[string]string{}
		for name, values := range req.Header {
			if lower := strings.ToLower(name); strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
				md[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
			}
		}
		b.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: md}
		return reply(http.StatusOK, http.Header{"ETag": {`"etag"`}}, nil), nil
	case http.MethodGet:
		obj, ok := b.objects[key]
		if !ok {
			return reply(http.StatusNotFound, http.Header{"Content-Type": {"application/xml"}},
				[]byte(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)), nil
		}
		return reply(http.StatusOK, objectHeaders(obj), bytes.Clone(obj.body)), nil
	case http.MethodDelete:
		delete(b.objects, key)
		return reply(http.StatusNoContent, nil, nil), nil
	}
	return reply(http.StatusNotImplemented, nil, nil), nil
}

func (b *fakeBucket) list(req *http.Request) *http.Response {
	prefix := req.URL.Query().Get("prefix")
	start, _ := strconv.Atoi(req.URL.Query().Get("continuation-token"))
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if start > len(keys) {
		start = len(keys)
	}
	end := len(keys)
	if b.pageSize > 0 && start+b.pageSize < end {
		end = start + b.pageSize
	}
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0"?><ListBucketResult>`)
	if end < len(keys) {
		fmt.Fprintf(&sb, "<IsTruncated>true</IsTruncated><NextContinuationToken>%d</NextContinuationToken>", end)
	} else {
		sb.WriteString("<IsTruncated>false</IsTruncated>")
	}
	for _, k := range keys[start:end] {
		fmt.Fprintf(&sb, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(b.objects[k].body))
	}
	sb.WriteString("</ListBucketResult>")
	return reply(http.StatusOK, http.Header{"Content-Type": {"application/xml"}}, []byte(sb.String()))
}

func objectHeaders(obj fakeObject) http.Header {
	h := http.Header{
		"Content-Length": {strconv.Itoa(len(obj.body))},
		"Content-Type":   {obj.contentType},
		"ETag":           {`"etag123"`},
		"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
	}
	for k, v := range obj.metadata {
		h.Set("X-Amz-Meta-"+k, v)
	}
	return h
}

func reply(status int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Header: header, Body: io.NopCloser(bytes.NewReader(body)), ContentLength: int64(len(body))}
}

// decodeAWSChunked strips aws-chunked framing: "<hex>[;ext]\r\n<data>\r\n"
// repeated until a zero-length chunk, optionally followed by trailers.
func decodeAWSChunked(raw []byte) ([]byte, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	var out bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		sizeField, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", sizeField, err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, r, size); err != nil {
			return nil, fmt.Errorf("read chunk: %w", err)
		}
		if _, err := r.Discard(2); err != nil {
			return nil, fmt.Errorf("read chunk terminator: %w", err)
		}
	}
}
