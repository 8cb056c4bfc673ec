package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/backend/toy"
	"batchd/internal/dispatch"
	"batchd/internal/httpapi"
	"batchd/internal/service"
	"batchd/pkg/types"
)

const (
	vocabSize = 32
	maxSeqLen = 64
)

// newServer runs a dispatcher over the toy model behind the HTTP API.
func newServer(t *testing.T, stepDelay time.Duration) (*httptest.Server, *dispatch.Dispatcher[*toy.Cache, *toy.Logits]) {
	t.Helper()
	model, err := toy.New(toy.Config{VocabSize: vocabSize, MaxSeqLen: maxSeqLen, EOS: 0, StepDelay: stepDelay})
	if err != nil {
		t.Fatalf("toy: %v", err)
	}
	cmds := make(chan dispatch.Command)
	d := dispatch.New[*toy.Cache, *toy.Logits](model, dispatch.NewSampling(dispatch.SampleArgs{}), dispatch.Config{})
	svc := service.New(dispatch.NewClient(cmds), d, service.Options{VocabSize: vocabSize, MaxSeqLen: maxSeqLen}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, cmds) }()
	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("dispatcher: %v", err)
		}
	})
	waitUntil(t, "dispatcher ready", d.Ready)
	return srv, d
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	return do(t, req)
}

func httpSend(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

type generation struct {
	tokens  []types.TokenLine
	done    types.DoneLine
	session string
}

// infer posts to /infer and decodes the NDJSON stream.
func infer(t *testing.T, base string, payload string) generation {
	t.Helper()
	g, err := tryInfer(base, payload)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func tryInfer(base string, payload string) (generation, error) {
	resp, err := http.Post(base+"/infer", "application/json", strings.NewReader(payload))
	if err != nil {
		return generation{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return generation{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return generation{}, fmt.Errorf("infer status=%d body=%s", resp.StatusCode, body)
	}
	g := generation{session: resp.Header.Get("X-Session-ID")}
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(sc.Bytes(), &probe); err != nil {
			return g, fmt.Errorf("bad ndjson line %q: %w", sc.Text(), err)
		}
		if _, ok := probe["done"]; ok {
			if err := json.Unmarshal(sc.Bytes(), &g.done); err != nil {
				return g, err
			}
			continue
		}
		var tl types.TokenLine
		if err := json.Unmarshal(sc.Bytes(), &tl); err != nil {
			return g, err
		}
		g.tokens = append(g.tokens, tl)
	}
	if !g.done.Done {
		return g, fmt.Errorf("stream did not end with a done line: %s", body)
	}
	return g, nil
}

func status(t *testing.T, base string) types.StatusResponse {
	t.Helper()
	_, body := httpGet(t, base+"/status")
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("status json: %v", err)
	}
	return st
}
