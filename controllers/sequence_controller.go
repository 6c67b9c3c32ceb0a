package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"courselit/automation"
	"courselit/models"
	"courselit/store"
	"courselit/utils"
)

type SequenceController struct {
	Store     store.Store
	Publisher *automation.Publisher
	Logger    *logrus.Logger
}

func NewSequenceController(st store.Store, publisher *automation.Publisher, logger *logrus.Logger) *SequenceController {
	return &SequenceController{
		Store:     st,
		Publisher: publisher,
		Logger:    logger,
	}
}

// CreateSequence creates a drip sequence in draft state and binds its
// trigger event with a rule.
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	domain := c.Locals("domain").(string)

	var input struct {
		Title            string `json:"title" validate:"required"`
		TriggerEvent     string `json:"trigger_event" validate:"required"`
		TriggerEventData string `json:"trigger_event_data"`
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

	seq := models.Sequence{
		Domain:     domain,
		SequenceID: uuid.NewString(),
		Type:       models.SequenceTypeSequence,
		Title:      input.Title,
		Status:     models.SequenceStatusDraft,
	}
	if err := sc.Store.CreateSequence(c.UserContext(), &seq); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sequence", err)
	}

	rule := models.Rule{
		Domain:     domain,
		Type:       models.RuleTypeEvent,
		Event:      input.TriggerEvent,
		EventData:  input.TriggerEventData,
		SequenceID: seq.SequenceID,
	}
	if err := sc.Store.CreateRule(c.UserContext(), &rule); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create trigger rule", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

// CreateBroadcast creates a single-step broadcast. A non-zero delay is the
// absolute epoch-millis send time.
func (sc *SequenceController) CreateBroadcast(c *fiber.Ctx) error {
	domain := c.Locals("domain").(string)

	var input struct {
		Title       string `json:"title" validate:"required"`
		Filter      string `json:"filter"`
		Subject     string `json:"subject" validate:"required"`
		Content     string `json:"content" validate:"required"`
		TemplateID  string `json:"template_id"`
		DelayMillis int64  `json:"delay_in_millis" validate:"min=0"`
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

	emailID := uuid.NewString()
	seq := models.Sequence{
		Domain:     domain,
		SequenceID: uuid.NewString(),
		Type:       models.SequenceTypeBroadcast,
		Title:      input.Title,
		Status:     models.SequenceStatusActive,
		Emails: []models.SequenceEmail{{
			EmailID:     emailID,
			TemplateID:  input.TemplateID,
			Subject:     input.Subject,
			Content:     input.Content,
			DelayMillis: input.DelayMillis,
		}},
		EmailsOrder:      []string{emailID},
		FilterExpression: input.Filter,
	}
	if err := sc.Store.CreateSequence(c.UserContext(), &seq); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create broadcast", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

// AddEmail appends a step to a drip sequence.
func (sc *SequenceController) AddEmail(c *fiber.Ctx) error {
	domain := c.Locals("domain").(string)
	sequenceID := c.Params("id")

	var input struct {
		Subject     string `json:"subject" validate:"required"`
		Content     string `json:"content" validate:"required"`
		TemplateID  string `json:"template_id"`
		DelayMillis int64  `json:"delay_in_millis" validate:"min=0"`
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

	seq, err := sc.Store.GetSequence(c.UserContext(), domain, sequenceID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", err)
	}
	if seq == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}
	if seq.Type == models.SequenceTypeBroadcast {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "A broadcast has exactly one email",
		})
	}

	email := models.SequenceEmail{
		EmailID:     uuid.NewString(),
		TemplateID:  input.TemplateID,
		Subject:     input.Subject,
		Content:     input.Content,
		DelayMillis: input.DelayMillis,
	}
	seq.Emails = append(seq.Emails, email)
	seq.EmailsOrder = append(seq.EmailsOrder, email.EmailID)

	if err := sc.Store.SaveSequence(c.UserContext(), seq); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save sequence", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

// UpdateEmail edits a step's subject, content or delay. A broadcast that
// already went out cannot be edited.
func (sc *SequenceController) UpdateEmail(c *fiber.Ctx) error {
	domain := c.Locals("domain").(string)
	sequenceID := c.Params("id")
	emailID := c.Params("emailId")

	var input struct {
		Subject     *string `json:"subject"`
		Content     *string `json:"content"`
		TemplateID  *string `json:"template_id"`
		DelayMillis *int64  `json:"delay_in_millis"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	seq, err := sc.Store.GetSequence(c.UserContext(), domain, sequenceID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", err)
	}
	if seq == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}
	if seq.Type == models.SequenceTypeBroadcast && seq.Locked() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": automation.ErrBroadcastLocked.Error(),
		})
	}
	email := seq.Email(emailID)
	if email == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Email not found",
		})
	}

	if input.Subject != nil {
		email.Subject = *input.Subject
	}
	if input.Content != nil {
		email.Content = *input.Content
	}
	if input.TemplateID != nil {
		email.TemplateID = *input.TemplateID
	}
	if input.DelayMillis != nil {
		email.DelayMillis = *input.DelayMillis
	}

	if err := sc.Store.SaveSequence(c.UserContext(), seq); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save sequence", err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// TogglePublish flips one step's publish flag through the publish
// orchestrator, which owns the broadcast side effects.
func (sc *SequenceController) TogglePublish(c *fiber.Ctx) error {
	domain := c.Locals("domain").(string)
	sequenceID := c.Params("id")
	emailID := c.Params("emailId")

	seq, err := sc.Publisher.ToggleEmailPublished(c.UserContext(), domain, sequenceID, emailID)
	if err != nil {
		switch {
		case errors.Is(err, automation.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": err.Error(),
			})
		case errors.Is(err, automation.ErrPastSendTime):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "past_date",
			})
		default:
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to toggle publish state", err)
		}
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// UpdateStatus moves a sequence between draft, active and archived.
func (sc *SequenceController) UpdateStatus(c *fiber.Ctx) error {
	domain := c.Locals("domain").(string)
	sequenceID := c.Params("id")

	var input struct {
		Status string `json:"status" validate:"required,oneof=draft active archived"`
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

	seq, err := sc.Store.GetSequence(c.UserContext(), domain, sequenceID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", err)
	}
	if seq == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	seq.Status = input.Status
	if err := sc.Store.SaveSequence(c.UserContext(), seq); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save sequence", err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// GetSequence returns one sequence with its live enrollment count.
func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	domain := c.Locals("domain").(string)
	sequenceID := c.Params("id")

	seq, err := sc.Store.GetSequence(c.UserContext(), domain, sequenceID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", err)
	}
	if seq == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	active, err := sc.Store.CountEnrollments(c.UserContext(), domain, sequenceID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count enrollments", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"sequence":           seq,
		"entrant_count":      len(seq.Entrants),
		"active_enrollments": active,
	}))
}

// ListSequences lists the domain's campaigns, optionally filtered by type.
func (sc *SequenceController) ListSequences(c *fiber.Ctx) error {
	domain := c.Locals("domain").(string)
	sequenceType := c.Query("type")
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	seqs, err := sc.Store.ListSequences(c.UserContext(), domain, sequenceType, limit, offset)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list sequences", err)
	}

	items := make([]fiber.Map, 0, len(seqs))
	for i := range seqs {
		items = append(items, fiber.Map{
			"sequence":      seqs[i],
			"entrant_count": len(seqs[i].Entrants),
		})
	}
	return c.JSON(utils.SuccessResponse(items))
}

// DeleteSequence removes a sequence along with its rules and enrollments,
// canceling all future sends.
func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	domain := c.Locals("domain").(string)
	sequenceID := c.Params("id")

	seq, err := sc.Store.GetSequence(c.UserContext(), domain, sequenceID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", err)
	}
	if seq == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	if err := sc.Store.DeleteRulesForSequence(c.UserContext(), domain, sequenceID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete rules", err)
	}
	if err := sc.Store.DeleteEnrollmentsForSequence(c.UserContext(), domain, sequenceID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete enrollments", err)
	}
	if err := sc.Store.DeleteSequence(c.UserContext(), domain, sequenceID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence", err)
	}

	return c.JSON(fiber.Map{
		"message": "Sequence deleted",
	})
}
