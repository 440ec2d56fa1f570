package response

import (
	"testing"

	"github.com/lydakis/omnibridge/internal/ipc"
	"github.com/mark3labs/mcp-go/mcp"
)

func TestFormatIndentsJSON(t *testing.T) {
	got := string(Format([]byte(`{"QuickFixes":[{"Line":1}]}`)))
	want := "{\n  \"QuickFixes\": [\n    {\n      \"Line\": 1\n    }\n  ]\n}\n"
	if got != want {
		t.Fatalf("Format() = %q, want %q", got, want)
	}
}

func TestFormatEmptyAndNull(t *testing.T) {
	for _, in := range []string{"", "  ", "null", " null\n"} {
		if got := Format([]byte(in)); len(got) != 0 {
			t.Fatalf("Format(%q) = %q, want empty", in, got)
		}
	}
}

func TestFormatPassesThroughNonJSON(t *testing.T) {
	if got := string(Format([]byte("plain text"))); got != "plain text\n" {
		t.Fatalf("Format() = %q, want %q", got, "plain text\n")
	}
}

func TestToolResultStructuredForObjects(t *testing.T) {
	result := ToolResult(&ipc.Response{Content: []byte("{\"count\":3}\n")})
	if result.IsError {
		t.Fatal("ToolResult() IsError = true, want false")
	}

	out, code := Unwrap(result)
	if code != ipc.ExitOK {
		t.Fatalf("Unwrap code = %d, want %d", code, ipc.ExitOK)
	}
	if string(out) != "{\"count\":3}\n" {
		t.Fatalf("Unwrap output = %q, want %q", out, "{\"count\":3}\n")
	}
}

func TestToolResultTextForPlainOutput(t *testing.T) {
	result := ToolResult(&ipc.Response{Content: []byte("state: started\n")})
	if result.StructuredContent != nil {
		t.Fatalf("StructuredContent = %v, want nil", result.StructuredContent)
	}
	out, _ := Unwrap(result)
	if string(out) != "state: started\n" {
		t.Fatalf("Unwrap output = %q, want %q", out, "state: started\n")
	}
}

func TestToolResultErrorUsesStderr(t *testing.T) {
	result := ToolResult(&ipc.Response{ExitCode: ipc.ExitRequestErr, Stderr: "server is not running\n"})
	out, code := Unwrap(result)
	if code != ipc.ExitRequestErr {
		t.Fatalf("Unwrap code = %d, want %d", code, ipc.ExitRequestErr)
	}
	if string(out) != "server is not running\n" {
		t.Fatalf("Unwrap output = %q, want %q", out, "server is not running\n")
	}

	if !ToolResult(nil).IsError {
		t.Fatal("ToolResult(nil) IsError = false, want true")
	}
}

func TestUnwrapMultipleTextBlocksAreNewlineSeparated(t *testing.T) {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "alpha"},
			mcp.TextContent{Type: "text", Text: "beta"},
		},
	}

	out, _ := Unwrap(result)
	if string(out) != "alpha\nbeta\n" {
		t.Fatalf("Unwrap output = %q, want %q", out, "alpha\nbeta\n")
	}
	if _, code := Unwrap(nil); code != ipc.ExitInternal {
		t.Fatalf("Unwrap(nil) code = %d, want %d", code, ipc.ExitInternal)
	}
}
