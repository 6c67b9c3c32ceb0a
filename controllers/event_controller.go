package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"courselit/automation"
	"courselit/models"
	"courselit/store"
	"courselit/utils"
)

type EventController struct {
	Store    store.Store
	Recorder *automation.Recorder
	Trigger  *automation.Trigger
	Logger   *logrus.Logger
}

func NewEventController(st store.Store, recorder *automation.Recorder, trigger *automation.Trigger, logger *logrus.Logger) *EventController {
	return &EventController{
		Store:    st,
		Recorder: recorder,
		Trigger:  trigger,
		Logger:   logger,
	}
}

// Ingest records a user action and hands it to the trigger evaluator. The
// response never depends on automation succeeding: the caller's action is
// already committed and must not be failed by enrollment problems.
func (ec *EventController) Ingest(c *fiber.Ctx) error {
	domain := c.Locals("domain").(string)

	var input struct {
		UserID string `json:"user_id" validate:"required"`
		Type   string `json:"type" validate:"required"`
		Data   string `json:"data"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	user, err := ec.Store.GetUser(c.UserContext(), domain, input.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load user",
		})
	}
	if user == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	}

	activity := models.Activity{
		Domain:   domain,
		UserID:   input.UserID,
		Type:     input.Type,
		EntityID: input.Data,
	}
	if ec.Recorder.Record(c.UserContext(), &activity) {
		// Only fresh facts may trigger automation; replays are no-ops.
		ec.Trigger.Enqueue(automation.Event{
			User: *user,
			Type: input.Type,
			Data: input.Data,
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "Event accepted",
	})
}
