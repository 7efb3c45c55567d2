package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

// streamServer serves a canned OpenAI-style SSE stream.
func streamServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
}

func chunkLine(content, finish string) string {
	if finish != "" {
		return fmt.Sprintf(`data: {"model":"m1","choices":[{"delta":{},"finish_reason":"%s"}]}`, finish)
	}
	return fmt.Sprintf(`data: {"model":"m1","choices":[{"delta":{"content":"%s"}}]}`, content)
}

func TestStreamChatDeliversTokensInOrder(t *testing.T) {
	srv := streamServer(t, []string{
		chunkLine("Hello", ""),
		chunkLine(" world", ""),
		chunkLine("", "stop"),
		"data: [DONE]",
	})
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "m1", BaseURL: srv.URL})

	var got []string
	resp, err := p.StreamChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(token string) error {
		got = append(got, token)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"Hello", " world"}) {
		t.Errorf("tokens = %v", got)
	}
	if resp.Content != "Hello world" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
}

func TestStreamChatConsumerErrorStopsStream(t *testing.T) {
	srv := streamServer(t, []string{
		chunkLine("a", ""),
		chunkLine("b", ""),
		"data: [DONE]",
	})
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "m1", BaseURL: srv.URL})

	sentinel := errors.New("consumer gone")
	n := 0
	_, err := p.StreamChat(context.Background(), ChatRequest{}, func(token string) error {
		n++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v", err)
	}
	if n != 1 {
		t.Errorf("consumer called %d times after erroring", n)
	}
}

func TestStreamChatSkipsMalformedChunks(t *testing.T) {
	srv := streamServer(t, []string{
		"data: {not json",
		chunkLine("ok", ""),
		"data: [DONE]",
	})
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "m1", BaseURL: srv.URL})

	resp, err := p.StreamChat(context.Background(), ChatRequest{}, func(string) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestStreamChatHTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "m1", BaseURL: srv.URL})
	_, err := p.StreamChat(context.Background(), ChatRequest{}, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error for HTTP 404")
	}
}

func TestStreamChatContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := streamServer(t, []string{chunkLine("x", ""), "data: [DONE]"})
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "m1", BaseURL: srv.URL})
	_, err := p.StreamChat(ctx, ChatRequest{}, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
