package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iansealy/sonarwhal/internal/connector"
	"github.com/iansealy/sonarwhal/internal/relay"
)

type fakeService struct {
	scanErr error
	result  ScanResult
}

func (f *fakeService) Scan(ctx context.Context, target string) (ScanResult, error) {
	if f.scanErr != nil {
		return ScanResult{}, f.scanErr
	}
	f.result.Resource = target
	return f.result, nil
}

func (f *fakeService) Evaluate(ctx context.Context, source string) (json.RawMessage, error) {
	return json.RawMessage(`42`), nil
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestScanEndpoint(t *testing.T) {
	svc := &fakeService{result: ScanResult{FinalHref: "https://example.test/", StatusCode: 200, Events: 12}}
	srv := httptest.NewServer(NewServer(svc, relay.NewBroker()))
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/scan", `{"url":"https://example.test/"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got ScanResult
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Resource != "https://example.test/" || got.Events != 12 {
		t.Fatalf("result = %+v", got)
	}
}

func TestScanErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		code string
		want int
	}{
		{"validation", connector.CodeValidation, http.StatusBadRequest},
		{"in_progress", connector.CodeCollectionInProgress, http.StatusConflict},
		{"eval_timeout", connector.CodeEvalTimeout, http.StatusGatewayTimeout},
		{"cdp_unavailable", connector.CodeCDPUnavailable, http.StatusBadGateway},
		{"target_failed", connector.CodeTargetFailed, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{scanErr: &connector.CodedError{Code: tc.code, Message: tc.name}}
			srv := httptest.NewServer(NewServer(svc, relay.NewBroker()))
			defer srv.Close()

			resp := postJSON(t, srv.URL+"/api/v1/scan", `{"url":"https://example.test/"}`)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(NewServer(&fakeService{}, relay.NewBroker()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	broker := relay.NewBroker()
	srv := httptest.NewServer(NewServer(&fakeService{}, broker))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	go func() {
		// Give the handler a moment to subscribe.
		time.Sleep(100 * time.Millisecond)
		broker.Publish(relay.Event{Name: "scan::start", Payload: []byte(`{"resource":"https://example.test/"}`)})
	}()

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
		if len(lines) == 2 {
			break
		}
	}
	if len(lines) != 2 || lines[0] != "event: scan::start" || !strings.HasPrefix(lines[1], "data: ") {
		t.Fatalf("stream lines = %v", lines)
	}
}
