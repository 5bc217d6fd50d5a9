package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRealMainVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := realMain([]string{"-version"}, &out, &errOut); code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, errOut.String())
	}
	if !strings.HasPrefix(out.String(), "lpccan-node "+version) {
		t.Fatalf("version output %q", out.String())
	}
}

func TestRealMainBadConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := realMain([]string{"-can-baud", "42"}, &out, &errOut); code != 2 {
		t.Fatalf("exit=%d", code)
	}
	if !strings.Contains(errOut.String(), "can-baud") {
		t.Fatalf("stderr=%q", errOut.String())
	}
}
