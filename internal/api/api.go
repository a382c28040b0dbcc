// Package api exposes the order manager over HTTP.
package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/amirphl/stop-trigger/internal/journal"
	"github.com/amirphl/stop-trigger/internal/manager"
	"github.com/amirphl/stop-trigger/internal/order"
	"github.com/amirphl/stop-trigger/internal/utils"
)

// OrderService is the part of the manager the handlers call.
type OrderService interface {
	CreateStopOrder(ctx context.Context, req order.Request) (int64, error)
	CancelPendingOrder(ctx context.Context, id int64) error
	ListPendingOrders(ctx context.Context) ([]order.Order, error)
}

const defaultEventWindow = 24 * time.Hour

type handler struct {
	orders  OrderService
	journal journal.Journaler
	now     func() time.Time
}

// NewApp builds the fiber app. events may be nil, in which case /events is
// not served.
func NewApp(orders OrderService, events journal.Journaler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "stop-trigger",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	h := &handler{orders: orders, journal: events, now: time.Now}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true})
	})
	app.Get("/orders", h.listOrders)
	app.Post("/orders", h.createOrder)
	app.Delete("/orders/:id", h.cancelOrder)
	if events != nil {
		app.Get("/events", h.listEvents)
	}
	return app
}

func Shutdown(app *fiber.App, timeout time.Duration) {
	if err := app.ShutdownWithTimeout(timeout); err != nil {
		utils.GetLogger().WithError(err).Warn("API | shutdown")
	}
}

func (h *handler) listOrders(c *fiber.Ctx) error {
	orders, err := h.orders.ListPendingOrders(c.UserContext())
	if err != nil {
		return err
	}
	if orders == nil {
		orders = []order.Order{}
	}
	return c.JSON(orders)
}

func (h *handler) createOrder(c *fiber.Ctx) error {
	var req order.Request
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed order request: "+err.Error())
	}

	id, err := h.orders.CreateStopOrder(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"orderId": id})
}

func (h *handler) cancelOrder(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "order id must be an integer")
	}
	if err := h.orders.CancelPendingOrder(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *handler) listEvents(c *fiber.Ctx) error {
	end := h.now().UTC()
	start := end.Add(-defaultEventWindow)
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "since must be an RFC 3339 timestamp")
		}
		start = t
	}

	events, err := h.journal.GetEvents(c.UserContext(), c.Query("type", journal.TypeOrder), start, end)
	if err != nil {
		return err
	}
	if events == nil {
		events = []journal.Event{}
	}
	return c.JSON(events)
}

// errorHandler maps domain errors to status codes.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var (
		fe       *fiber.Error
		invalid  *order.ValidationError
		dup      *order.DuplicateOrderError
		notFound *order.OrderNotFoundError
	)
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.As(err, &invalid):
		code = fiber.StatusBadRequest
	case errors.As(err, &dup):
		code = fiber.StatusConflict
	case errors.As(err, &notFound):
		code = fiber.StatusNotFound
	case errors.Is(err, manager.ErrShuttingDown):
		code = fiber.StatusServiceUnavailable
	}

	if code == fiber.StatusInternalServerError {
		utils.GetLogger().WithError(err).Errorf("API | %s %s failed", c.Method(), c.Path())
	}
	return c.Status(code).JSON(fiber.Map{"success": false, "error": err.Error()})
}
