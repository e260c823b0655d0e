package bootstrap

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"inference_server/adapter/in/http"
	"inference_server/infra/middleware"
)

// NewAPI builds the optional fiber surface over an already-wired dependency
// set, so HTTP admissions land on the same processor the engine runs.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		EnablePrintRoutes:     cfg.IsDevelopment(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		BodyLimit:             10 * 1024 * 1024,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	// Order matters: recovery outermost, request id stamped before logging.
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())

	// Health stays outside the rate-limited group so probes never starve.
	http.NewHealthHandler(deps.DB, deps.Redis).Register(app)

	api := app.Group("/api/v1")
	api.Use(middleware.NewIPLimiter(cfg.BurstCapacity, time.Minute).Handler())
	http.NewInferenceHandler(deps.Processor).Register(api)

	return app
}
