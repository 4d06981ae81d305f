package provider

import (
	"encoding/json"
	"testing"

	"github.com/wardenlabs/warden/pkg/models"
)

func TestRecoverWellFormedTag(t *testing.T) {
	resp := RecoverToolCalls(`<function=goto>{"url":"https://x"}</function>`)
	if resp == nil {
		t.Fatal("expected recovery")
	}
	if resp.StopReason != models.StopToolUse {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "goto" {
		t.Fatalf("tool uses = %+v", uses)
	}
	if string(uses[0].Input) != `{"url":"https://x"}` {
		t.Errorf("input = %s", uses[0].Input)
	}
	if uses[0].ID == "" {
		t.Error("recovered call must get an id")
	}
}

func TestRecoverPreservesLeadingText(t *testing.T) {
	resp := RecoverToolCalls("I'll open the page now.\n<function=goto>{\"url\":\"https://x\"}</function>")
	if resp == nil {
		t.Fatal("expected recovery")
	}
	if len(resp.Content) != 2 {
		t.Fatalf("content length = %d", len(resp.Content))
	}
	if resp.Content[0].Type != models.BlockText || resp.Content[0].Text != "I'll open the page now." {
		t.Errorf("leading block = %+v", resp.Content[0])
	}
	if resp.Content[1].Type != models.BlockToolUse {
		t.Errorf("second block = %+v", resp.Content[1])
	}
}

func TestRecoverVariants(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		wantName  string
		wantInput string
	}{
		{
			name:      "missing close angle",
			body:      `<function=goto{"url":"x"}</function>`,
			wantName:  "goto",
			wantInput: `{"url":"x"}`,
		},
		{
			name:      "no args",
			body:      `<function=refresh></function>`,
			wantName:  "refresh",
			wantInput: `{}`,
		},
		{
			name:      "bare assignment",
			body:      `search={"q":"cats"}`,
			wantName:  "search",
			wantInput: `{"q":"cats"}`,
		},
		{
			name:      "call style",
			body:      `search({"q":"cats"})`,
			wantName:  "search",
			wantInput: `{"q":"cats"}`,
		},
		{
			name:      "trailing angle on json",
			body:      `<function=goto>{"url":"x"}></function>`,
			wantName:  "goto",
			wantInput: `{"url":"x"}`,
		},
		{
			name:      "trailing comma repaired",
			body:      `<function=fill>{"field":"name","value":"a",}</function>`,
			wantName:  "fill",
			wantInput: `{"field":"name","value":"a"}`,
		},
		{
			name:      "escaped quotes repaired",
			body:      `<function=fill>{\"field\":\"name\"}</function>`,
			wantName:  "fill",
			wantInput: `{"field":"name"}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := RecoverToolCalls(tc.body)
			if resp == nil {
				t.Fatal("expected recovery")
			}
			uses := resp.ToolUses()
			if len(uses) != 1 {
				t.Fatalf("tool uses = %d", len(uses))
			}
			if uses[0].Name != tc.wantName {
				t.Errorf("name = %q, want %q", uses[0].Name, tc.wantName)
			}
			if string(uses[0].Input) != tc.wantInput {
				t.Errorf("input = %s, want %s", uses[0].Input, tc.wantInput)
			}
		})
	}
}

func TestRecoverMultipleCalls(t *testing.T) {
	body := `<function=goto>{"url":"a"}</function><function=click>{"selector":"#b"}</function>`
	resp := RecoverToolCalls(body)
	if resp == nil {
		t.Fatal("expected recovery")
	}
	uses := resp.ToolUses()
	if len(uses) != 2 {
		t.Fatalf("tool uses = %d", len(uses))
	}
	if uses[0].Name != "goto" || uses[1].Name != "click" {
		t.Errorf("order = %q, %q", uses[0].Name, uses[1].Name)
	}
	if uses[0].ID == uses[1].ID {
		t.Error("ids must be unique per call")
	}
}

func TestRecoverNoMatchReturnsNil(t *testing.T) {
	for _, body := range []string{
		"",
		"just prose, no tool syntax",
		`<function=broken>{not json at all</function>`,
	} {
		if resp := RecoverToolCalls(body); resp != nil {
			t.Errorf("body %q: expected nil, got %+v", body, resp)
		}
	}
}

func TestRecoveredResponseRoundTrips(t *testing.T) {
	resp := RecoverToolCalls(`lead text <function=goto>{"url":"https://x","tries":2,}</function>`)
	if resp == nil {
		t.Fatal("expected recovery")
	}

	first, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var reparsed models.ModelResponse
	if err := json.Unmarshal(first, &reparsed); err != nil {
		t.Fatal(err)
	}
	second, err := json.Marshal(&reparsed)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Errorf("round trip not byte-exact:\n%s\n%s", first, second)
	}
}
