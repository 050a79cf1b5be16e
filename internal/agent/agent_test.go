package agent

import (
	"strings"
	"testing"
)

func TestScriptDefinesEveryVerb(t *testing.T) {
	verbs := []string{
		VerbRun, VerbState, VerbWait, VerbResult, VerbSuspend, VerbResume,
		VerbCancel, VerbStdin, VerbStdout, VerbStderr, VerbList, VerbPurge,
		VerbQuit, VerbNoop,
	}

	for _, verb := range verbs {
		if !strings.Contains(Script, verb) {
			t.Errorf("script does not reference verb %q", verb)
		}
	}
}

func TestScriptIsPOSIXOnly(t *testing.T) {
	disallowed := []string{"[[", "function ", "local ", "declare -a", "=="}
	for _, token := range disallowed {
		if strings.Contains(Script, token) {
			t.Errorf("script contains non-POSIX token %q", token)
		}
	}
	if !strings.HasPrefix(Script, "#!/bin/sh") {
		t.Errorf("script must start with a /bin/sh shebang")
	}
}

func TestHashIsStableAndContentAddressed(t *testing.T) {
	h1 := Hash(Script)
	h2 := Hash(Script)
	if h1 != h2 {
		t.Fatalf("hash not stable: %q != %q", h1, h2)
	}
	if len(h1) != 16 {
		t.Fatalf("unexpected hash length: %d", len(h1))
	}

	if Hash(Script+" ") == h1 {
		t.Fatalf("hash did not change for different content")
	}
}

func TestBootstrapPathAndLaunchCommand(t *testing.T) {
	hash := Hash(Script)
	path := BootstrapPath(hash)
	if !strings.Contains(path, hash) {
		t.Fatalf("bootstrap path %q does not contain hash %q", path, hash)
	}

	cmd := LaunchCommand(path, 4242)
	if cmd != "sh "+path+" 4242" {
		t.Fatalf("unexpected launch command: %q", cmd)
	}
}

func TestParseStateTrailingSpace(t *testing.T) {
	tests := map[string]State{
		"RUNNING":    StateRunning,
		"RUNNING ":   StateRunning,
		"DONE ":      StateDone,
		"FAILED ":    StateFailed,
		"CANCELED ":  StateCanceled,
		"GARBAGE":    StateUnknown,
	}
	for token, exp := range tests {
		if got := ParseState(token); got != exp {
			t.Errorf("ParseState(%q) = %v, want %v", token, got, exp)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateDone, StateFailed, StateCanceled}
	nonTerminal := []State{StateUnknown, StateNew, StateRunning, StateSuspended}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %v to be terminal", s)
		}
	}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %v to not be terminal", s)
		}
	}
}
