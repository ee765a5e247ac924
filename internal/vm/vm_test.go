package vm

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestLoopback(t *testing.T) {
	for _, test := range []struct {
		desc string
		c    Ctx
		want bool
	}{
		{"empty host and user", Ctx{}, true},
		{"explicit localhost", Ctx{Host: "127.0.0.1"}, true},
		{"localhost hostname", Ctx{Host: "localhost"}, true},
		{"remote host", Ctx{Host: "10.0.0.5"}, false},
		{"local host but remote user", Ctx{Host: "127.0.0.1", User: "build"}, false},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if got := test.c.loopback(); got != test.want {
				t.Errorf("loopback() = %v, want %v", got, test.want)
			}
		})
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's a test")
	want := `'it'\''s a test'`
	if got != want {
		t.Errorf("shellQuote() = %q, want %q", got, want)
	}
}

func TestRemoteExecLoopbackSuccess(t *testing.T) {
	c := &Ctx{}
	result, err := c.RemoteExec(context.Background(), "echo hello", 5*time.Second, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != Ok {
		t.Errorf("Outcome = %v, want Ok", result.Outcome)
	}
	if !strings.Contains(result.Transcript, "hello") {
		t.Errorf("Transcript = %q, want it to contain %q", result.Transcript, "hello")
	}
}

func TestRemoteExecLoopbackFailure(t *testing.T) {
	c := &Ctx{}
	result, err := c.RemoteExec(context.Background(), "exit 1", 5*time.Second, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != Failed {
		t.Errorf("Outcome = %v, want Failed", result.Outcome)
	}
}

func TestRemoteExecTimesOut(t *testing.T) {
	c := &Ctx{}
	result, err := c.RemoteExec(context.Background(), "sleep 5", 50*time.Millisecond, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != TimedOut {
		t.Errorf("Outcome = %v, want TimedOut", result.Outcome)
	}
}
