package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"funil/internal/domain"
	"funil/internal/engine"
	"funil/internal/registry"
	"funil/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lost_reason_required"`
	Message string         `json:"message" example:"lost reason required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the funil API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Funil API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerBoards(group, cfg.Engine)
	registerCards(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerReasons(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

// handleError maps the engine's typed failures onto the error envelope.
// Every kind stays distinct through the boundary: rejections are not
// retryable, storage errors are, and the lost-reason gate is a prompt
// for more input rather than a failure.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrLostReasonRequired) {
		return newAPIError(http.StatusUnprocessableEntity, "lost_reason_required",
			"target stage requires a lost reason", nil)
	}
	var re engine.RejectedError
	if errors.As(err, &re) {
		return newAPIError(http.StatusConflict, "transition_rejected", err.Error(), map[string]any{"reason": re.Reason})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, registry.ErrUnknownStage) {
		// A stored stage reference the registry does not know is a
		// data-integrity problem, not caller error.
		return newAPIError(http.StatusInternalServerError, "data_integrity", err.Error(), nil)
	}
	var se engine.StorageError
	if errors.As(err, &se) {
		return newAPIError(http.StatusInternalServerError, "storage_error", "storage failure; retry", map[string]any{"op": se.Op})
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "required") || strings.Contains(strings.ToLower(msg), "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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

func registerBoards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-boards",
		Method:      http.MethodGet,
		Path:        "/boards",
		Summary:     "List boards",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BoardResponse `json:"body"`
	}, error) {
		boards, err := e.Repo.ListBoards(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]BoardResponse, 0, len(boards))
		for _, b := range boards {
			reg, err := e.Registry(ctx, b.ID)
			if err != nil {
				return nil, handleError(err)
			}
			res = append(res, BoardResponse{Board: b, Stages: reg.List()})
		}
		return &struct {
			Body []BoardResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}",
		Summary:     "Board projection: every stage as a column with its ordered cards",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID string `path:"board_id"`
	}) (*struct {
		Body BoardViewResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBoard(ctx, input.BoardID)
		if err != nil {
			return nil, handleError(err)
		}
		columns, err := e.BoardView(ctx, b.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoardViewResponse `json:"body"`
		}{Body: BoardViewResponse{Board: b, Columns: columns}}, nil
	})
}

func registerCards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-card",
		Method:        http.MethodPost,
		Path:          "/boards/{board_id}/cards",
		Summary:       "Create a card in the board's initial stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID string            `path:"board_id"`
		Body    CreateCardRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		opts := engine.CardCreateOptions{
			BoardID: input.BoardID,
			Title:   input.Body.Title,
			ActorID: actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ContactName != nil {
			opts.ContactName = *input.Body.ContactName
		}
		if input.Body.ContactPhone != nil {
			opts.ContactPhone = *input.Body.ContactPhone
		}
		if input.Body.ContactEmail != nil {
			opts.ContactEmail = *input.Body.ContactEmail
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.AssigneeID != nil {
			opts.AssigneeID = *input.Body.AssigneeID
		}
		c, err := e.CreateCard(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/cards",
		Summary:     "List cards",
	}, func(ctx context.Context, input *struct {
		BoardID    string `query:"board"`
		StageID    string `query:"stage"`
		AssigneeID string `query:"assignee"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body CardListResponse `json:"body"`
	}, error) {
		f := repo.CardFilters{
			BoardID:    input.BoardID,
			StageID:    input.StageID,
			AssigneeID: input.AssigneeID,
			Limit:      input.Limit,
		}
		if input.Cursor != "" {
			parts := strings.SplitN(input.Cursor, "|", 2)
			if len(parts) != 2 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			f.CursorCreatedAt, f.CursorID = parts[0], parts[1]
		}
		items, err := e.Repo.ListCards(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		res := CardListResponse{Items: items}
		if f.Limit > 0 && len(items) == f.Limit {
			last := items[len(items)-1]
			res.NextCursor = last.CreatedAt + "|" + last.ID
		}
		return &struct {
			Body CardListResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}",
		Summary:     "Get card",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		c, err := e.Repo.GetCard(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-card",
		Method:      http.MethodPatch,
		Path:        "/cards/{card_id}",
		Summary:     "Edit card fields (stage changes only via transition)",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string            `path:"card_id"`
		Body   UpdateCardRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateCard(ctx, engine.CardUpdateOptions{
			ID:             input.CardID,
			Title:          input.Body.Title,
			ContactName:    input.Body.ContactName,
			ContactPhone:   input.Body.ContactPhone,
			ContactEmail:   input.Body.ContactEmail,
			Description:    input.Body.Description,
			Assign:         input.Body.AssigneeID,
			AssignProvided: input.Body.AssigneeID != nil,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-card",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/transition",
		Summary:     "Move a card to another stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CardID string            `path:"card_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ToStage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_stage is required", nil)
		}
		opts := engine.TransitionOptions{
			CardID:        input.CardID,
			TargetStageID: input.Body.ToStage,
			ActorID:       actorID,
			Reopen:        input.Body.Reopen,
		}
		if input.Body.LostReasonID != nil {
			opts.LostReasonID = *input.Body.LostReasonID
		}
		if input.Body.Notes != nil {
			opts.Notes = *input.Body.Notes
		}
		c, err := e.Transition(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-card",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/move",
		Summary:     "Cross-column drag: transition plus drop index",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CardID string      `path:"card_id"`
		Body   MoveRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ToStage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_stage is required", nil)
		}
		opts := engine.MoveOptions{
			CardID:    input.CardID,
			ToStageID: input.Body.ToStage,
			ToIndex:   input.Body.ToIndex,
			ActorID:   actorID,
			Reopen:    input.Body.Reopen,
		}
		if input.Body.LostReasonID != nil {
			opts.LostReasonID = *input.Body.LostReasonID
		}
		if input.Body.Notes != nil {
			opts.Notes = *input.Body.Notes
		}
		c, err := e.Move(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-column",
		Method:      http.MethodPost,
		Path:        "/boards/{board_id}/stages/{stage_id}/reorder",
		Summary:     "Reorder cards within one column",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		BoardID string         `path:"board_id"`
		StageID string         `path:"stage_id"`
		Body    ReorderRequest `json:"body"`
	}) (*struct {
		Body ColumnResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.CardID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "card_id is required", nil)
		}
		cards, err := e.Reorder(ctx, engine.ReorderOptions{
			BoardID:   input.BoardID,
			StageID:   input.StageID,
			CardID:    input.Body.CardID,
			FromIndex: input.Body.FromIndex,
			ToIndex:   input.Body.ToIndex,
		})
		if err != nil {
			return nil, handleError(err)
		}
		reg, err := e.Registry(ctx, input.BoardID)
		if err != nil {
			return nil, handleError(err)
		}
		stage, err := reg.Get(input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ColumnResponse `json:"body"`
		}{Body: ColumnResponse{Stage: stage, Cards: cards}}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "card-history",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}/history",
		Summary:     "Stage-change ledger for a card, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		items, err := e.History(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{Items: items}}, nil
	})
}

func registerReasons(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-lost-reasons",
		Method:      http.MethodGet,
		Path:        "/reasons",
		Summary:     "Lost-reason catalog",
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"include inactive reasons"`
	}) (*struct {
		Body []domain.LostReason `json:"body"`
	}, error) {
		items, err := e.Repo.ListLostReasons(ctx, !input.All)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LostReason `json:"body"`
		}{Body: items}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if strings.TrimSpace(authCfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "jwt secret not configured", nil)
		}
		now := time.Now()
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   input.Body.ActorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		})
		signed, err := token.SignedString([]byte(authCfg.JWTSecret))
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", fmt.Sprintf("sign token: %v", err), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: signed}}, nil
	})
}
