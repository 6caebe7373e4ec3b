package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"

	controller "sequencer/controllers"
	"sequencer/middleware"
	"sequencer/repository"
	"sequencer/sequence"
)

// Dependencies are the shared services the HTTP layer is built on.
type Dependencies struct {
	Store         repository.Store
	Manager       *sequence.Manager
	Stats         *sequence.StatsAggregator
	JWTSecret     string
	EncryptionKey string
	ImportRateMax int
	// LimiterStorage backs the import limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	Logger         logrus.FieldLogger
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	sequenceController := controller.NewSequenceController(deps.Store, deps.Manager, deps.Stats, deps.Logger.WithField("controller", "sequence"))
	subscriberController := controller.NewSubscriberController(deps.Store, deps.Manager, deps.Logger.WithField("controller", "subscriber"))
	providerController := controller.NewProviderController(deps.Store, deps.EncryptionKey, deps.Logger.WithField("controller", "provider"))

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(deps.JWTSecret), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence routes
	seq := api.Group("/sequences")
	seq.Post("/", sequenceController.CreateSequence)
	seq.Get("/", sequenceController.GetSequences)
	seq.Get("/:id", sequenceController.GetSequence)
	seq.Post("/:id/activate", sequenceController.ActivateSequence)
	seq.Post("/:id/pause", sequenceController.PauseSequence)
	seq.Post("/:id/steps", sequenceController.AddStep)
	seq.Get("/:id/stats", sequenceController.GetSequenceStats)
	seq.Post("/:id/enroll", sequenceController.Enroll)
	seq.Post("/:id/exit", sequenceController.ExitSubscriber)

	// Enrollment routes
	enrollment := api.Group("/enrollments")
	enrollment.Post("/:id/pause", sequenceController.PauseEnrollment)
	enrollment.Post("/:id/resume", sequenceController.ResumeEnrollment)
	enrollment.Post("/:id/retry", sequenceController.RetryEnrollment)
	enrollment.Get("/:id/executions", sequenceController.GetExecutions)

	// Subscriber routes
	subscriber := api.Group("/subscribers")
	subscriber.Post("/import", middleware.ImportRateLimiter(deps.ImportRateMax, deps.LimiterStorage), subscriberController.ImportSubscribers)
	subscriber.Post("/:id/unsubscribe", subscriberController.Unsubscribe)

	api.Post("/events", subscriberController.HandleEvent)

	// Sending provider routes
	provider := api.Group("/providers")
	provider.Post("/", providerController.CreateProvider)
	provider.Get("/", providerController.GetProviders)
	provider.Put("/:id", providerController.UpdateProvider)

	deps.Logger.Info("API routes initialized successfully")
}
