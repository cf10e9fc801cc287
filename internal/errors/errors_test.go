package errors

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
		wantCat Category
	}{
		{
			name:    "connection error",
			code:    CodeHandshakeTimeout,
			wantMsg: "Handshake timed out",
			wantCat: CategoryConnection,
		},
		{
			name:    "protocol error",
			code:    CodeUnsupportedVersion,
			wantMsg: "Unsupported protocol version",
			wantCat: CategoryProtocol,
		},
		{
			name:    "replay error",
			code:    CodeReplayRange,
			wantMsg: "History position out of range",
			wantCat: CategoryReplay,
		},
		{
			name:    "unknown error code",
			code:    "FD999",
			wantMsg: "Unknown error",
			wantCat: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code)
			if err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMsg)
			}
			if err.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", err.Category, tt.wantCat)
			}
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	err := New(CodeStaleUpdate)
	if got, want := err.Error(), "FD301: Stale update discarded"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err.Wrap(fmt.Errorf("ts 50 <= 110"))
	if got, want := err.Error(), "FD301: Stale update discarded: ts 50 <= 110"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	plain := &Error{Message: "test error"}
	if plain.Error() != "test error" {
		t.Errorf("Error() = %q, want %q", plain.Error(), "test error")
	}
}

type codedErr struct{ code string }

func (e *codedErr) Error() string { return "coded" }
func (e *codedErr) Code() string  { return e.code }

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", stderrors.New("x"), ""},
		{"registered", New(CodeOriginMismatch), CodeOriginMismatch},
		{"coder", &codedErr{code: CodeStaleUpdate}, CodeStaleUpdate},
		{"wrapped coder", fmt.Errorf("op: %w", &codedErr{code: CodeReplayRange}), CodeReplayRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil, CodeExportFailed) != nil {
		t.Error("FromError(nil, ...) should return nil")
	}

	e := New(CodeConfigParse)
	if FromError(fmt.Errorf("load: %w", e), CodeExportFailed) != e {
		t.Error("FromError should return a wrapped *Error as-is")
	}

	std := stderrors.New("disk full")
	got := FromError(std, CodeExportFailed)
	if got.Code != CodeExportFailed || !stderrors.Is(got, std) {
		t.Errorf("FromError() = %v", got)
	}
}

func TestDescribe(t *testing.T) {
	d := Describe(&codedErr{code: CodeDuplicateConnection})
	if d.Code != CodeDuplicateConnection || d.Message != "Duplicate connection" {
		t.Errorf("Describe() = %+v", d)
	}
	if plain := Describe(stderrors.New("boom")); plain.Code != "" || plain.Message != "boom" {
		t.Errorf("Describe(plain) = %+v", plain)
	}
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	err := New(CodeHandshakeTimeout).WithSession("login-form").Wrap(stderrors.New("3s elapsed"))
	out := err.Format()
	for _, want := range []string{
		"ERROR FD101: Handshake timed out",
		"session: login-form",
		"cause: 3s elapsed",
		"Hint: Check that the host application loaded the dev-tools adapter.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("Format() contains ANSI codes with colors disabled")
	}
}

func TestFormatCompact(t *testing.T) {
	err := New(CodeNotConnected).WithSession("s1")
	if got, want := err.FormatCompact(), "s1: FD204: Session not connected"; got != want {
		t.Errorf("FormatCompact() = %q, want %q", got, want)
	}
}

func TestMarshalJSON(t *testing.T) {
	err := New(CodeReplayRange).WithSession("s1").Wrap(stderrors.New("position 9"))
	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatal(jerr)
	}
	var got map[string]string
	if jerr := json.Unmarshal(data, &got); jerr != nil {
		t.Fatal(jerr)
	}
	if got["code"] != CodeReplayRange || got["sessionId"] != "s1" || got["cause"] != "position 9" {
		t.Errorf("json = %s", data)
	}
}

func TestPrintError(t *testing.T) {
	DisableColors()
	defer EnableColors()

	var buf bytes.Buffer
	PrintError(&buf, &codedErr{code: CodeConfigInvalid})
	if !strings.Contains(buf.String(), "FD503") {
		t.Errorf("PrintError() = %q", buf.String())
	}
}

func TestAllCodesHaveCategory(t *testing.T) {
	codes := GetAllCodes()
	if len(codes) == 0 {
		t.Fatal("no codes registered")
	}
	for _, code := range codes {
		tmpl, ok := GetTemplate(code)
		if !ok || tmpl.Category == "" || tmpl.Message == "" {
			t.Errorf("code %s has incomplete template %+v", code, tmpl)
		}
		if !strings.HasPrefix(code, "FD") || len(code) != 5 {
			t.Errorf("code %s does not follow FDnnn", code)
		}
	}
}
