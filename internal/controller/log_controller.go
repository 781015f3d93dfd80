package controller

import (
	"strings"

	"ai-research-be/internal/dto"
	"ai-research-be/internal/pkg/logger"
	"ai-research-be/internal/pkg/serverutils"

	"github.com/gofiber/fiber/v2"
)

type ILogController interface {
	RegisterRoutes(r fiber.Router, auth fiber.Handler)
	GetLogs(ctx *fiber.Ctx) error
	GetLogDetail(ctx *fiber.Ctx) error
}

type logController struct {
	logger logger.ILogger
}

func NewLogController(log logger.ILogger) ILogController {
	return &logController{logger: log}
}

func (c *logController) RegisterRoutes(r fiber.Router, auth fiber.Handler) {
	h := r.Group("/logs")
	h.Use(auth)
	h.Get("", c.GetLogs)
	h.Get(":id", c.GetLogDetail)
}

// GetLogs pages through the log file, newest first. ?level=ERROR filters.
func (c *logController) GetLogs(ctx *fiber.Ctx) error {
	page := ctx.QueryInt("page", 1)
	limit := ctx.QueryInt("limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	level := strings.ToUpper(ctx.Query("level"))

	entries, err := c.logger.GetLogs(level, limit, (page-1)*limit)
	if err != nil {
		return err
	}

	res := make([]dto.LogListResponse, len(entries))
	for i, e := range entries {
		res[i] = dto.LogListResponse{
			Id:        e.Id,
			Timestamp: e.Timestamp,
			Level:     e.Level,
			Module:    moduleOf(e),
			Message:   e.Message,
			Details:   e.Details,
		}
	}
	return ctx.JSON(serverutils.SuccessResponse("System logs", res))
}

func (c *logController) GetLogDetail(ctx *fiber.Ctx) error {
	entry, err := c.logger.GetLogById(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "Log not found")
	}
	return ctx.JSON(serverutils.SuccessResponse("Log detail", entry))
}

func moduleOf(e logger.LogEntry) string {
	if e.Module != "" {
		return e.Module
	}
	if m, ok := e.Details["module"].(string); ok {
		return m
	}
	return ""
}
