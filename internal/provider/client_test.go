package provider

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/wardenlabs/warden/pkg/models"
)

// fakeProvider scripts one outcome per call: either a start error or a
// sequence of chunks.
type fakeTurn struct {
	startErr error
	chunks   []Chunk
}

type fakeProvider struct {
	turns []fakeTurn
	calls int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(_ context.Context, _ *Request) (<-chan Chunk, error) {
	if f.calls >= len(f.turns) {
		return nil, errors.New("no scripted turn")
	}
	turn := f.turns[f.calls]
	f.calls++
	if turn.startErr != nil {
		return nil, turn.startErr
	}
	ch := make(chan Chunk, len(turn.chunks))
	for _, c := range turn.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func toolUseChunk(id, name, input string) Chunk {
	use := models.ToolUseBlock(id, name, []byte(input))
	return Chunk{ToolUse: &use}
}

func TestCreateAssemblesTextAndToolUse(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{{chunks: []Chunk{
		{Text: "Let me "},
		{Text: "look."},
		toolUseChunk("t1", "search", `{"q":"cats"}`),
		{Done: true, InputTokens: 10, OutputTokens: 7},
	}}}}
	client := NewClient(fake, discardLogger(), nil)

	resp, err := client.Create(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if resp.StopReason != models.StopToolUse {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if got := resp.Text(); got != "Let me look." {
		t.Errorf("text = %q", got)
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "search" {
		t.Fatalf("tool uses = %+v", uses)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCreateEndTurnWithoutTools(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{{chunks: []Chunk{
		{Text: "All done here."},
		{Done: true},
	}}}}
	client := NewClient(fake, discardLogger(), nil)

	resp, err := client.Create(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if resp.StopReason != models.StopEndTurn {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
}

func TestCreateRecoversToolUseFailed(t *testing.T) {
	failure := errors.New(`tool_use_failed: failed_generation: <function=goto>{"url":"https://x"}</function>`)
	fake := &fakeProvider{turns: []fakeTurn{{startErr: failure}}}
	client := NewClient(fake, discardLogger(), nil)

	resp, err := client.Create(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Create: %v", err)
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
	if fake.calls != 1 {
		t.Errorf("calls = %d, recovery must not retry", fake.calls)
	}
}

func TestCreateRetriesTransientThenSucceeds(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{
		{startErr: errors.New("503 server error")},
		{chunks: []Chunk{{Text: "ok"}, {Done: true}}},
	}}
	client := NewClient(fake, discardLogger(), nil)

	resp, err := client.Create(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if resp.Text() != "ok" || fake.calls != 2 {
		t.Errorf("text = %q after %d calls", resp.Text(), fake.calls)
	}
}

func TestCreateFatalBubblesImmediately(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{
		{startErr: errors.New("invalid api key")},
		{chunks: []Chunk{{Done: true}}},
	}}
	client := NewClient(fake, discardLogger(), nil)

	_, err := client.Create(context.Background(), &Request{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != FailFatal {
		t.Fatalf("error = %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("calls = %d, fatal must not retry", fake.calls)
	}
}

func TestCreateExhaustsRetries(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{
		{startErr: errors.New("timeout")},
		{startErr: errors.New("timeout")},
		{startErr: errors.New("timeout")},
	}}
	client := NewClient(fake, discardLogger(), nil)

	_, err := client.Create(context.Background(), &Request{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if fake.calls != defaultMaxAttempts {
		t.Errorf("calls = %d, want %d", fake.calls, defaultMaxAttempts)
	}
}

func TestStreamForwardsDeltasAndFinal(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{{chunks: []Chunk{
		{Text: "a"},
		{Text: "b"},
		{Text: "c"},
		{Done: true, OutputTokens: 3},
	}}}}
	client := NewClient(fake, discardLogger(), nil)

	stream, err := client.Stream(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var got strings.Builder
	for delta := range stream.Deltas() {
		got.WriteString(delta)
	}
	if got.String() != "abc" {
		t.Errorf("deltas = %q", got.String())
	}

	final, err := stream.Final()
	if err != nil {
		t.Fatalf("Final: %v", err)
	}
	if final.Text() != "abc" || final.Usage.OutputTokens != 3 {
		t.Errorf("final = %+v", final)
	}
}

func TestStreamRecoversMidStreamToolUseFailure(t *testing.T) {
	fake := &fakeProvider{turns: []fakeTurn{{chunks: []Chunk{
		{Err: errors.New(`tool_use_failed: <function=click>{"selector":"#go"}</function>`)},
	}}}}
	client := NewClient(fake, discardLogger(), nil)

	stream, err := client.Stream(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for range stream.Deltas() {
	}
	final, err := stream.Final()
	if err != nil {
		t.Fatalf("Final: %v", err)
	}
	uses := final.ToolUses()
	if len(uses) != 1 || uses[0].Name != "click" {
		t.Fatalf("tool uses = %+v", uses)
	}
}
