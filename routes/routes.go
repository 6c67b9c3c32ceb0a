package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"

	"courselit/automation"
	controller "courselit/controllers"
	"courselit/middleware"
	"courselit/store"
)

// Deps bundles what the controllers need.
type Deps struct {
	Store     store.Store
	Recorder  *automation.Recorder
	Trigger   *automation.Trigger
	Publisher *automation.Publisher
	Logger    *logrus.Logger

	EventsPerMinute int
}

func SetupRoutes(app *fiber.App, deps Deps) {
	sequenceController := controller.NewSequenceController(deps.Store, deps.Publisher, deps.Logger)
	eventController := controller.NewEventController(deps.Store, deps.Recorder, deps.Trigger, deps.Logger)

	api := app.Group("/api", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}), middleware.Protected())

	// Event ingestion
	eventsPerMinute := deps.EventsPerMinute
	if eventsPerMinute <= 0 {
		eventsPerMinute = 600
	}
	api.Post("/events", middleware.EventRateLimiter(eventsPerMinute), eventController.Ingest)

	// Campaign administration
	api.Post("/sequences", sequenceController.CreateSequence)
	api.Post("/broadcasts", sequenceController.CreateBroadcast)
	api.Get("/sequences", sequenceController.ListSequences)
	api.Get("/sequences/:id", sequenceController.GetSequence)
	api.Put("/sequences/:id/status", sequenceController.UpdateStatus)
	api.Delete("/sequences/:id", sequenceController.DeleteSequence)
	api.Post("/sequences/:id/emails", sequenceController.AddEmail)
	api.Put("/sequences/:id/emails/:emailId", sequenceController.UpdateEmail)
	api.Post("/sequences/:id/emails/:emailId/publish", sequenceController.TogglePublish)

	deps.Logger.Info("routes initialized")
}
