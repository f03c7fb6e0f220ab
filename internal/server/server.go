package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"rollcall/internal/domain"
	"rollcall/internal/engine"
	"rollcall/internal/repo"
	"rollcall/internal/report"
	"rollcall/internal/telegram"
)

// Config for the HTTP handler.
type Config struct {
	Engine        *engine.Engine
	Notifier      Notifier
	BasePath      string
	Auth          AuthConfig
	WebhookSecret string
	Logger        *slog.Logger
}

// Notifier is the outbound side of the chat transport; command replies go
// back through it.
type Notifier interface {
	Send(ctx context.Context, chatID, text string, markdown bool) error
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"topic_not_found"`
	Message string         `json:"message" example:"topic \"Отчёт\" not found in policy"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Rollcall API and the chat webhook.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Rollcall API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerSweeps(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerRoster(group, cfg.Engine)

	wh := &webhookHandler{
		engine:   cfg.Engine,
		notifier: cfg.Notifier,
		secret:   cfg.WebhookSecret,
		logger:   logger,
	}
	router.Post(path.Join(basePath, "telegram/webhook"), wh.handle)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var notFound engine.TopicNotFoundError
	if errors.As(err, &notFound) {
		return newAPIError(http.StatusNotFound, "topic_not_found", err.Error(), map[string]any{"topic": notFound.Topic})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type sweepResponse struct {
	TriggeredBy string               `json:"triggered_by"`
	Results     []domain.SweepResult `json:"results"`
	Report      string               `json:"report"`
}

func registerSweeps(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-sweep",
		Method:        http.MethodPost,
		Path:          "/sweeps",
		Summary:       "Run a compliance sweep",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Topic string `query:"topic" doc:"Restrict the sweep to one topic"`
	}) (*struct {
		Body sweepResponse `json:"body"`
	}, error) {
		operator, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		results, err := e.Sweep(ctx, input.Topic)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sweepResponse `json:"body"`
		}{Body: sweepResponse{
			TriggeredBy: operator,
			Results:     results,
			Report:      report.Format(results),
		}}, nil
	})
}

func registerRecords(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List submission records for a day",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Day   string `query:"day" doc:"Calendar day YYYY-MM-DD, defaults to today"`
		Topic string `query:"topic"`
	}) (*struct {
		Body []domain.SubmissionRecord `json:"body"`
	}, error) {
		day := input.Day
		if day == "" {
			day = e.Now().Format("2006-01-02")
		}
		var (
			records []domain.SubmissionRecord
			err     error
		)
		if input.Topic != "" {
			records, err = e.Repo.RecordsByDayTopic(ctx, day, input.Topic)
		} else {
			records, err = e.Repo.RecordsByDay(ctx, day)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SubmissionRecord `json:"body"`
		}{Body: records}, nil
	})
}

func registerPolicies(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List topic policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TopicPolicy `json:"body"`
	}, error) {
		return &struct {
			Body []domain.TopicPolicy `json:"body"`
		}{Body: e.Policies()}, nil
	})
}

func registerRoster(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roster",
		Method:      http.MethodGet,
		Path:        "/roster",
		Summary:     "List the participant roster",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Participant `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Participant `json:"body"`
		}{Body: e.Roster()}, nil
	})
}

type webhookHandler struct {
	engine   *engine.Engine
	notifier Notifier
	secret   string
	logger   *slog.Logger
}

// handle ingests one Bot API update. User-format problems are logged and
// acknowledged with 200 so the transport does not redeliver them.
func (h *webhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != h.secret {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid webhook secret", nil))
		return
	}
	var update telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid update payload", nil))
		return
	}

	switch ev := telegram.ToChatEvent(update).(type) {
	case domain.TopicMessage:
		out, err := h.engine.Record(r.Context(), ev)
		if err != nil {
			// The event is lost but the ingestion path keeps running.
			h.logger.Error("record failed", "topic", ev.Topic, "error", err)
			break
		}
		if out.Result == engine.ResultIgnored {
			h.logger.Info("event ignored", "topic", ev.Topic, "reason", out.Reason)
		} else {
			h.logger.Info("submission recorded",
				"topic", out.Record.Topic,
				"participant", out.Record.Participant,
				"status", out.Record.Status,
				"result", out.Result)
		}
	case domain.CommandMessage:
		h.handleCommand(r.Context(), ev)
	case domain.OtherMessage:
		// nothing for the engine here
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (h *webhookHandler) handleCommand(ctx context.Context, cmd domain.CommandMessage) {
	results, err := h.engine.Sweep(ctx, cmd.Topic)
	var reply string
	switch {
	case err == nil:
		reply = report.Format(results)
	default:
		var notFound engine.TopicNotFoundError
		if errors.As(err, &notFound) {
			reply = "Topic \"" + notFound.Topic + "\" not found."
		} else {
			h.logger.Error("command sweep failed", "topic", cmd.Topic, "error", err)
			return
		}
	}
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Send(ctx, cmd.ChatID, reply, true); err != nil {
		h.logger.Error("command reply failed", "chat", cmd.ChatID, "error", err)
	}
}
