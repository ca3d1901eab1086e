package fsutil

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestReader(t *testing.T) {
	b, err := io.ReadAll(Reader(context.Background(), strings.NewReader("#!/bin/sh\n")))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "#!/bin/sh\n" {
		t.Errorf("unexpected content %q", b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Reader(ctx, strings.NewReader("x")).Read(make([]byte, 1)); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if Reader(ctx, nil) != nil {
		t.Error("expected nil reader for nil input")
	}
}
