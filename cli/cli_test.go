package cli

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/copima/copima/core"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"no error", nil, ExitOK},
		{"plain error", fmt.Errorf("boom"), ExitFailure},
		{
			"config invalid",
			goerrors.New("bad config", goerrors.CategoryValidation).WithTextCode(core.ErrorConfigInvalid),
			ExitConfigInvalid,
		},
		{
			"auth error",
			goerrors.New("denied", goerrors.CategoryAuth).WithTextCode(core.ErrorAuthInvalid),
			ExitFailure,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestParseSteps(t *testing.T) {
	phases, err := parseSteps([]string{"users", "Repository"})
	if err != nil {
		t.Fatalf("parse steps: %v", err)
	}
	if len(phases) != 2 || phases[0] != core.PhaseUsers || phases[1] != core.PhaseRepository {
		t.Fatalf("unexpected phases: %v", phases)
	}

	if phases, err = parseSteps([]string{"all"}); err != nil || phases != nil {
		t.Fatalf("all must select every phase: %v %v", phases, err)
	}
	if _, err = parseSteps([]string{"nonsense"}); err == nil {
		t.Fatal("expected error for unknown step")
	}
}

func TestCallbackServerDeliversCode(t *testing.T) {
	server := newCallbackServer(0, "/callback")
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Shutdown()

	resp, err := http.Get("http://" + server.Addr() + "/callback?code=abc&state=xyz")
	if err != nil {
		t.Fatalf("redirect request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	result := server.Wait(2 * time.Second)
	if result.Err != nil {
		t.Fatalf("callback result: %v", result.Err)
	}
	if result.Code != "abc" || result.State != "xyz" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCallbackServerReportsProviderError(t *testing.T) {
	server := newCallbackServer(0, "/callback")
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Shutdown()

	resp, err := http.Get("http://" + server.Addr() + "/callback?error=access_denied&error_description=user+cancelled")
	if err != nil {
		t.Fatalf("redirect request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	result := server.Wait(2 * time.Second)
	if result.Err == nil || !strings.Contains(result.Err.Error(), "access_denied") {
		t.Fatalf("expected provider error, got %v", result.Err)
	}
}

func TestRandomStateIsUnique(t *testing.T) {
	first, err := randomState()
	if err != nil {
		t.Fatalf("random state: %v", err)
	}
	second, err := randomState()
	if err != nil {
		t.Fatalf("random state: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("expected 32 hex bytes, got %d chars", len(first))
	}
	if first == second {
		t.Fatal("states must not repeat")
	}
}

func TestCollectFlagsOnlyTouchesChanged(t *testing.T) {
	rt := &cliRuntime{args: map[string]any{}}
	cmd := NewRootCmd()
	if err := cmd.ParseFlags([]string{"--host", "https://git.example.com", "--concurrency", "8"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	rt.collectFlags(cmd)

	gitlab, ok := rt.args["gitlab"].(map[string]any)
	if !ok {
		t.Fatalf("expected gitlab section, got %v", rt.args)
	}
	if gitlab["host"] != "https://git.example.com" {
		t.Fatalf("host not collected: %v", gitlab)
	}
	if gitlab["max_concurrency"] != 8 {
		t.Fatalf("concurrency not collected: %v", gitlab)
	}
	if _, present := gitlab["access_token"]; present {
		t.Fatal("untouched flag must not enter the args layer")
	}
	if _, present := rt.args["resume"]; present {
		t.Fatal("resume default must not override lower layers")
	}
}
