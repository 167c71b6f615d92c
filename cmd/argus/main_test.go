package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "argus dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestServeRejectsMissingConfigFile(t *testing.T) {
	root := buildRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve", "--config", "/nonexistent/argus.yaml"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for missing config file")
	}
}
