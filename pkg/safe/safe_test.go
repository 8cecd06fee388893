package safe

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRunRecoversAndLogs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	if ok := Run(log, "subscriber", func() { panic("boom") }); ok {
		t.Fatal("expected panic to be reported")
	}
	if !strings.Contains(buf.String(), "component=subscriber") || !strings.Contains(buf.String(), "boom") {
		t.Fatalf("unexpected log output: %s", buf.String())
	}

	ran := false
	if ok := Run(nil, "noop", func() { ran = true }); !ok || !ran {
		t.Fatal("expected normal run")
	}
}

func TestGoRecovers(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "worker", func() {
		defer close(done)
		panic("background")
	})
	<-done
}
