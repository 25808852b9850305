package main

import (
	"testing"
)

func TestBuildRootCmd(t *testing.T) {
	root := buildRootCmd()
	if root.Use != "conductor" {
		t.Errorf("root use = %q", root.Use)
	}

	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"serve", "version"} {
		found := false
		for _, name := range names {
			if name == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing subcommand %q in %v", want, names)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := resolveConfigPath("explicit.yaml"); got != "explicit.yaml" {
		t.Errorf("explicit path = %q", got)
	}

	t.Setenv("CONDUCTOR_CONFIG", "/etc/conductor.yaml")
	if got := resolveConfigPath(""); got != "/etc/conductor.yaml" {
		t.Errorf("env path = %q", got)
	}

	t.Setenv("CONDUCTOR_CONFIG", "")
	if got := resolveConfigPath(""); got != "conductor.yaml" {
		t.Errorf("default path = %q", got)
	}
}

func TestRunServe_MissingConfig(t *testing.T) {
	if err := runServe(t.Context(), "/nonexistent/conductor.yaml"); err == nil {
		t.Error("runServe with missing config succeeded")
	}
}
