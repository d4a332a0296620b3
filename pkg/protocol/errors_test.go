package protocol_test

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"swarm/pkg/protocol"
)

func TestConfigError_ErrorsAs(t *testing.T) {
	var err error = protocol.Configf("interval", "%q is not a positive duration", "-5m")

	var target *protocol.ConfigError
	if !errors.As(err, &target) {
		t.Fatal("errors.As failed to extract ConfigError")
	}
	if target.Field != "interval" {
		t.Errorf("expected Field 'interval', got %q", target.Field)
	}
	if !strings.Contains(err.Error(), `"-5m"`) {
		t.Errorf("expected message to quote the value, got %q", err.Error())
	}
}

func TestFatalLoopError_Unwrap(t *testing.T) {
	err := &protocol.FatalLoopError{Worker: "w1", Reason: "prompt_unreadable", Err: fs.ErrNotExist}

	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("expected FatalLoopError to unwrap to fs.ErrNotExist")
	}
	if !strings.Contains(err.Error(), "w1") {
		t.Errorf("expected worker name in message, got %q", err.Error())
	}
}

func TestConfigWrap_MatchesSentinel(t *testing.T) {
	sentinel := errors.New("worker not found")
	err := protocol.ConfigWrap("worker", sentinel, "%s does not exist", "w9")

	if !errors.Is(err, sentinel) {
		t.Fatal("expected ConfigWrap error to match its sentinel")
	}
	var ce *protocol.ConfigError
	if !errors.As(err, &ce) {
		t.Fatal("errors.As failed to extract ConfigError")
	}
	if ce.Field != "worker" {
		t.Errorf("expected Field 'worker', got %q", ce.Field)
	}
}
