package engine

import (
	"errors"
	"testing"
)

func TestArgsValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		args    Args
		wantErr bool
	}{
		{"start ok", ActionStartRegistration, Args{Username: "alice", SessionID: "s1"}, false},
		{"start missing username", ActionStartRegistration, Args{SessionID: "s1"}, true},
		{"start missing session", ActionStartRegistration, Args{Username: "alice"}, true},
		{"collect ok", ActionCollectImage, Args{SessionID: "s1", ImageBase64: "aGk="}, false},
		{"collect missing image", ActionCollectImage, Args{SessionID: "s1"}, true},
		{"train ok", ActionTrainSession, Args{SessionID: "s1"}, false},
		{"train missing session", ActionTrainSession, Args{}, true},
		{"recognize ok", ActionRecognize, Args{ImageBase64: "aGk="}, false},
		{"recognize missing image", ActionRecognize, Args{}, true},
		{"check_duplicate ok", ActionCheckDuplicate, Args{ImageBase64: "aGk="}, false},
		{"unknown action", Action("reboot"), Args{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.args.Validate(tt.action)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr && err != nil && tt.action != Action("reboot") && !errors.Is(err, ErrInvalidArgs) {
				t.Errorf("expected ErrInvalidArgs, got %v", err)
			}
		})
	}
}

func TestArgsArgv(t *testing.T) {
	args := Args{Username: "alice", SessionID: "s1", ImageBase64: "aGk="}
	argv := args.argv(ActionCollectImage)

	want := []string{"--action", "collect_image", "--username", "alice", "--session_id", "s1", "--image_base64", "aGk="}
	if len(argv) != len(want) {
		t.Fatalf("argv length %d, want %d (%v)", len(argv), len(want), argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestDecodeResult(t *testing.T) {
	res, err := decodeResult(ActionRecognize, []byte(`{"success": true, "username": "alice", "confidence": 95.5}`), nil)
	if err != nil {
		t.Fatalf("decodeResult failed: %v", err)
	}
	if !res.Success || res.Identity() != "alice" || res.Confidence != 95.5 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestDecodeResultMatchedIdentityWins(t *testing.T) {
	res, err := decodeResult(ActionRecognize, []byte(`{"success": true, "matchedIdentity": "bob", "username": "legacy"}`), nil)
	if err != nil {
		t.Fatalf("decodeResult failed: %v", err)
	}
	if res.Identity() != "bob" {
		t.Errorf("Identity() = %q, want bob", res.Identity())
	}
}

func TestDecodeResultNullIdentityIsNoMatch(t *testing.T) {
	res, err := decodeResult(ActionRecognize, []byte(`{"success": true, "matchedIdentity": null}`), nil)
	if err != nil {
		t.Fatalf("decodeResult failed: %v", err)
	}
	if res.Identity() != "" {
		t.Errorf("Identity() = %q, want empty", res.Identity())
	}
}

func TestDecodeResultEmptyOutput(t *testing.T) {
	_, err := decodeResult(ActionTrainSession, []byte("  \n"), []byte("traceback: boom"))
	if !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}

	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatal("expected *InvocationError")
	}
	if invErr.Stderr != "traceback: boom" {
		t.Errorf("stderr not captured: %q", invErr.Stderr)
	}
}

func TestDecodeResultMalformed(t *testing.T) {
	for _, raw := range []string{"not json", `"just a string"`, "null", `{"success": "yes"`} {
		_, err := decodeResult(ActionRecognize, []byte(raw), nil)
		if !errors.Is(err, ErrMalformedOutput) {
			t.Errorf("raw=%q: expected ErrMalformedOutput, got %v", raw, err)
		}

		var invErr *InvocationError
		if errors.As(err, &invErr) && invErr.Output == "" {
			t.Errorf("raw=%q: raw output not preserved", raw)
		}
	}
}

func TestDecodeResultDuplicateFlag(t *testing.T) {
	res, err := decodeResult(ActionCheckDuplicate, []byte(`{"success": true, "duplicate": true}`), nil)
	if err != nil {
		t.Fatalf("decodeResult failed: %v", err)
	}
	if !res.IsDuplicate() {
		t.Error("expected duplicate flag")
	}

	res, err = decodeResult(ActionCheckDuplicate, []byte(`{"success": true}`), nil)
	if err != nil {
		t.Fatalf("decodeResult failed: %v", err)
	}
	if res.IsDuplicate() {
		t.Error("absent duplicate field must read as false")
	}
}
