package http

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"inference_server/core/batch"
	"inference_server/core/domain"
	"inference_server/core/port/in"
	"inference_server/pkg/apperr"
)

// syncAwaitDeadline bounds how long /submit/sync holds the connection open
// waiting for the batch pipeline to deliver.
var syncAwaitDeadline = 30 * time.Second

type InferenceHandler struct {
	service in.InferenceService
}

func NewInferenceHandler(service in.InferenceService) *InferenceHandler {
	return &InferenceHandler{service: service}
}

func (h *InferenceHandler) Register(app fiber.Router) {
	grp := app.Group("/inference")
	grp.Post("/submit", h.Submit)
	grp.Post("/submit/sync", h.SubmitSync)
	grp.Post("/bulk", h.SubmitBulk)
	grp.Get("/metrics", h.Metrics)
	grp.Post("/caches/clear", h.ClearCaches)
}

type submitRequest struct {
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
}

// Submit admits one request and returns immediately. The result lands in the
// response cache (and on the result stream when configured); an identical
// submit within the TTL returns it synchronously.
func (h *InferenceHandler) Submit(c *fiber.Ctx) error {
	req, perr := parseSubmit(c)
	if perr != nil {
		return AppErrorResponse(c, perr)
	}

	id, err := h.service.Submit(domain.RequestType(req.Type), req.Payload, req.Priority, nil)
	if err != nil {
		return AppErrorResponse(c, h.mapAdmissionError(err))
	}

	return AcceptedResponse(c, fiber.Map{"request_id": id})
}

// SubmitSync admits one request and holds the connection until its terminal
// response arrives or the await deadline passes.
func (h *InferenceHandler) SubmitSync(c *fiber.Ctx) error {
	req, perr := parseSubmit(c)
	if perr != nil {
		return AppErrorResponse(c, perr)
	}

	done := make(chan *domain.Response, 1)
	id, err := h.service.Submit(domain.RequestType(req.Type), req.Payload, req.Priority, func(r *domain.Response) {
		done <- r
	})
	if err != nil {
		return AppErrorResponse(c, h.mapAdmissionError(err))
	}

	select {
	case resp := <-done:
		return SuccessResponse(c, resp)
	case <-time.After(syncAwaitDeadline):
		return AppErrorResponse(c, apperr.AwaitTimeout(id))
	case <-c.Context().Done():
		return AppErrorResponse(c, apperr.AwaitTimeout(id))
	}
}

type bulkRequest struct {
	Type     string           `json:"type"`
	Payloads []map[string]any `json:"payloads"`
	Priority int              `json:"priority"`
}

// SubmitBulk admits same-type requests in order, stopping at the first
// refusal. Already-admitted ids come back either way.
func (h *InferenceHandler) SubmitBulk(c *fiber.Ctx) error {
	var req bulkRequest
	if err := c.BodyParser(&req); err != nil {
		return AppErrorResponse(c, apperr.BadRequest("invalid request body"))
	}
	if len(req.Payloads) == 0 {
		return AppErrorResponse(c, apperr.MissingField("payloads"))
	}
	if req.Priority == 0 {
		req.Priority = domain.PriorityDefault
	}

	ids, err := h.service.SubmitBulk(domain.RequestType(req.Type), req.Payloads, req.Priority)
	if err != nil {
		appErr := h.mapAdmissionError(err).WithDetail("admitted", len(ids))
		if len(ids) > 0 {
			appErr = appErr.WithDetail("request_ids", ids)
		}
		return AppErrorResponse(c, appErr)
	}

	return AcceptedResponse(c, fiber.Map{"request_ids": ids, "count": len(ids)})
}

func (h *InferenceHandler) Metrics(c *fiber.Ctx) error {
	return SuccessResponse(c, h.service.GetMetrics())
}

func (h *InferenceHandler) ClearCaches(c *fiber.Ctx) error {
	h.service.ClearCaches()
	return SuccessResponse(c, fiber.Map{"cleared": true})
}

func parseSubmit(c *fiber.Ctx) (*submitRequest, *apperr.AppError) {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, apperr.BadRequest("invalid request body")
	}
	if req.Type == "" {
		return nil, apperr.MissingField("type")
	}
	if req.Priority == 0 {
		req.Priority = domain.PriorityDefault
	}
	return &req, nil
}

// mapAdmissionError turns service refusals into transport errors.
func (h *InferenceHandler) mapAdmissionError(err error) *apperr.AppError {
	switch {
	case errors.Is(err, batch.ErrQueueFull):
		return apperr.QueueFull(h.service.GetMetrics().PendingRequests)
	case errors.Is(err, batch.ErrProcessorStopped):
		return apperr.NotRunning()
	default:
		return apperr.BadRequest(err.Error())
	}
}
