// Package api exposes the connector over HTTP: a scan endpoint, a script
// evaluation endpoint, and an SSE stream of lifecycle events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/iansealy/sonarwhal/internal/connector"
	"github.com/iansealy/sonarwhal/internal/relay"
)

// ScanResult summarizes one finished collection.
type ScanResult struct {
	Resource   string   `json:"resource"`
	FinalHref  string   `json:"final_href"`
	StatusCode int      `json:"status_code"`
	MediaType  string   `json:"media_type,omitempty"`
	Charset    string   `json:"charset,omitempty"`
	Hops       []string `json:"hops,omitempty"`
	Events     int      `json:"events"`
}

// Service is the connector surface the API depends on. One scan runs at a
// time; a second request while one is in flight gets a conflict.
type Service interface {
	Scan(ctx context.Context, target string) (ScanResult, error)
	Evaluate(ctx context.Context, source string) (json.RawMessage, error)
}

// NewServer builds the HTTP handler. Lifecycle events stream from the broker
// at /api/v1/events while a scan runs.
func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("sonarwhal API", "1.0.0")
	api := humachi.New(router, cfg)

	registerScanHandlers(api, svc)
	registerHealthHandler(api)

	router.Get("/api/v1/events", relay.SSEHandler(broker))

	return router
}

func registerScanHandlers(api huma.API, svc Service) {
	type scanInput struct {
		Body struct {
			URL string `json:"url" doc:"Target URL to load and collect"`
		}
	}
	type scanOutput struct {
		Body ScanResult
	}
	huma.Register(api, huma.Operation{OperationID: "scan", Method: http.MethodPost, Path: "/api/v1/scan", Summary: "Run a collection against a URL", Tags: []string{"Scan"}},
		func(ctx context.Context, input *scanInput) (*scanOutput, error) {
			result, err := svc.Scan(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &scanOutput{}
			out.Body = result
			return out, nil
		})

	type evaluateInput struct {
		Body struct {
			Source string `json:"source" doc:"JavaScript expression to evaluate in the page"`
		}
	}
	type evaluateOutput struct {
		Body struct {
			Result json.RawMessage `json:"result"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "evaluate", Method: http.MethodPost, Path: "/api/v1/evaluate", Summary: "Evaluate a script in the attached page", Tags: []string{"Scan"}},
		func(ctx context.Context, input *evaluateInput) (*evaluateOutput, error) {
			result, err := svc.Evaluate(ctx, input.Body.Source)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &evaluateOutput{}
			out.Body.Result = result
			return out, nil
		})
}

func registerHealthHandler(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *connector.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case connector.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case connector.CodeCollectionInProgress:
			return huma.Error409Conflict(coded.Message)
		case connector.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case connector.CodeCDPUnavailable, connector.CodeTabAttach,
			connector.CodeNavigation, connector.CodeTargetFailed:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
