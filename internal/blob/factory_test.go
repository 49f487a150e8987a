package blob

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"sfmgraph/internal/config"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	mem, err := Open(ctx, config.BlobConfig{Driver: "memory"})
	if err != nil || mem.Driver() != DriverMemory {
		t.Fatalf("memory: %v %v", mem, err)
	}
	def, err := Open(ctx, config.BlobConfig{})
	if err != nil || def.Driver() != DriverMemory {
		t.Fatalf("default: %v %v", def, err)
	}
	root := filepath.Join(t.TempDir(), "archives")
	fs, err := Open(ctx, config.BlobConfig{Driver: "fs", FSRoot: root})
	if err != nil || fs.Driver() != DriverFilesystem {
		t.Fatalf("fs: %v %v", fs, err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")
	s3, err := Open(ctx, config.BlobConfig{Driver: "s3", S3: config.S3Config{Bucket: "archives", Region: "eu-west-1"}})
	if err != nil || s3.Driver() != DriverS3 {
		t.Fatalf("s3: %v %v", s3, err)
	}
	if _, err := Open(ctx, config.BlobConfig{Driver: "s3"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := Open(ctx, config.BlobConfig{Driver: "ftp"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestDriversShareSentinelErrors(t *testing.T) {
	ctx := context.Background()
	fs, err := Open(ctx, config.BlobConfig{Driver: "fs", FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	for _, store := range []Store{NewMemory(), fs, NewMockS3ForTests()} {
		if _, err := store.Head(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", store.Driver(), err)
		}
		if _, err := store.Put(ctx, "k", bytes.NewReader([]byte("v")), PutOptions{}); err != nil {
			t.Fatalf("%s: put: %v", store.Driver(), err)
		}
		if _, err := store.Put(ctx, "k", bytes.NewReader([]byte("v")), PutOptions{}); !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("%s: expected ErrAlreadyExists, got %v", store.Driver(), err)
		}
	}
}
