package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/cnos-dev/ultimate-crud/internal/auth"
	"github.com/cnos-dev/ultimate-crud/internal/config"
	"github.com/cnos-dev/ultimate-crud/internal/engine"
	gql "github.com/cnos-dev/ultimate-crud/internal/graphql"
	"github.com/cnos-dev/ultimate-crud/internal/introspect"
	"github.com/cnos-dev/ultimate-crud/internal/metadata"
	"github.com/cnos-dev/ultimate-crud/internal/store"
)

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 2. Database
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer st.Close()
	log.Printf("connected to %s database %q", st.Dialect.Name(), cfg.Database.Name)

	// 3. Entity descriptors
	descriptors, err := metadata.LoadFile(cfg.EntitiesFile, st.Dialect.SupportsProcedures())
	if err != nil {
		log.Fatalf("load entities: %v", err)
	}

	// 4. Schema introspection
	schemas, err := introspect.DiscoverAll(ctx, st, descriptors)
	if err != nil {
		log.Fatalf("introspect schema: %v", err)
	}

	// 5. Registration
	registry, err := metadata.Build(descriptors, schemas)
	if err != nil {
		log.Fatalf("register entities: %v", err)
	}
	for _, e := range registry.All() {
		log.Printf("registered %s entity %q at %s", e.Kind, e.Name, e.Route)
	}

	// 6. Engine
	exec := engine.NewExecutor(st, registry)
	val := engine.NewValidator(st)
	handler := engine.NewHandler(exec, val, cfg.DevMode)

	// 7. HTTP surface
	app := fiber.New(fiber.Config{
		AppName:      "ultimate-crud",
		ErrorHandler: errorHandler(cfg.DevMode),
	})
	app.Use(recover.New())
	app.Use(logger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		pctx, pcancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer pcancel()
		if err := st.DB.PingContext(pctx); err != nil {
			return c.Status(503).JSON(fiber.Map{"status": "degraded", "database": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Use(auth.Middleware(cfg.JWTSecret))

	engine.RegisterRoutes(app, handler, registry)

	// 8. GraphQL surface
	schema, err := gql.Build(registry, exec, val, cfg.DevMode)
	if err != nil {
		log.Fatalf("build graphql schema: %v", err)
	}
	app.Post("/graphql", gql.Handler(schema))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("listening on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// errorHandler is the last resort for errors that escape route handlers,
// including fiber's own routing errors.
func errorHandler(dev bool) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var appErr *engine.AppError
		if errors.As(err, &appErr) {
			if appErr.Status >= 500 {
				log.Printf("ERROR %s %s: %v", c.Method(), c.Path(), appErr)
			}
			return c.Status(appErr.Status).JSON(appErr.Body(dev))
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(fiber.Map{
				"error":   "REQUEST_FAILED",
				"message": fiberErr.Message,
			})
		}

		log.Printf("ERROR %s %s: %v", c.Method(), c.Path(), err)
		msg := "Internal server error"
		if dev {
			msg = err.Error()
		}
		return c.Status(500).JSON(fiber.Map{"error": "INTERNAL_ERROR", "message": msg})
	}
}
