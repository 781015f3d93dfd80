package controller

import (
	"errors"
	"strings"

	"ai-research-be/internal/dto"
	"ai-research-be/internal/pkg/serverutils"
	"ai-research-be/internal/service"
	"ai-research-be/pkg/research/bridge"
	"ai-research-be/pkg/research/pipeline"

	"github.com/gofiber/fiber/v2"
)

type IResearchController interface {
	RegisterRoutes(r fiber.Router, auth fiber.Handler)
	StartChat(ctx *fiber.Ctx) error
	GetMemory(ctx *fiber.Ctx) error
	GetContext(ctx *fiber.Ctx) error
}

type researchController struct {
	researchService service.IResearchService
}

func NewResearchController(researchService service.IResearchService) IResearchController {
	return &researchController{
		researchService: researchService,
	}
}

func (c *researchController) RegisterRoutes(r fiber.Router, auth fiber.Handler) {
	h := r.Group("/research")
	h.Use(auth)
	h.Post("chat", c.StartChat)
	h.Get("memory/:memoryId", c.GetMemory)
	h.Post("context", c.GetContext)
}

func (c *researchController) StartChat(ctx *fiber.Ctx) error {
	var req dto.ChatRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.researchService.StartChat(ctx.UserContext(), &req)
	if err != nil {
		return httpError(err)
	}

	ctx.Status(fiber.StatusAccepted)
	return ctx.JSON(serverutils.SuccessResponse("Research started", res))
}

func (c *researchController) GetMemory(ctx *fiber.Ctx) error {
	memoryID := strings.TrimSpace(ctx.Params("memoryId"))
	if memoryID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "memoryId is required")
	}

	res, err := c.researchService.GetMemory(ctx.UserContext(), memoryID, ctx.QueryBool("artifacts", false))
	if err != nil {
		return httpError(err)
	}
	return ctx.JSON(serverutils.SuccessResponse("Conversation memory", res))
}

func (c *researchController) GetContext(ctx *fiber.Ctx) error {
	var req dto.ContextRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.researchService.GetContext(ctx.UserContext(), &req)
	if err != nil {
		return httpError(err)
	}
	return ctx.JSON(serverutils.SuccessResponse("Research context", res))
}

// httpError maps service errors to status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, service.ErrTurnInProgress):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrMemoryNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrClientNotConnected),
		errors.Is(err, service.ErrInvalidChatLog),
		errors.Is(err, pipeline.ErrInvalidTurn),
		errors.Is(err, bridge.ErrEmptyQuestion):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return err
	}
}
