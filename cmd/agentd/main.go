// Command agentd runs the conversational ordering agent: webhook intake,
// debounced turn processing, scheduled sweeps and the observability surface.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/MarcIAFull/dish-data-hub-sub002/internal/delivery"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/engine"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/enrich"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/lifecycle"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/orchestrate"
	"github.com/MarcIAFull/dish-data-hub-sub002/internal/store"
	"github.com/MarcIAFull/dish-data-hub-sub002/pkg/config"
	"github.com/MarcIAFull/dish-data-hub-sub002/pkg/observability"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("[AGENTD] no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("[AGENTD] loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[AGENTD] invalid config: %v", err)
	}

	observability.InitMetrics()

	st, err := store.NewRedisStore(store.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.KeyPrefix,
	})
	if err != nil {
		log.Fatalf("[AGENTD] connecting to redis: %v", err)
	}
	defer st.Close()

	openaiClient := openai.NewClient(cfg.OpenAIKey)
	orchestrator := orchestrate.New(openaiClient, cfg.Model)
	responder := engine.NewOpenAIResponder(openaiClient, cfg.Model)

	gateway, err := delivery.NewTwilioGateway(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber)
	if err != nil {
		log.Fatalf("[AGENTD] configuring twilio gateway: %v", err)
	}
	burst := int(cfg.Pipeline.SendRatePerSec)
	if burst < 1 {
		burst = 1
	}
	sender := delivery.NewSender(
		gateway,
		delivery.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Pipeline.SendRatePerSec), burst)),
		delivery.WithMaxAttempts(cfg.Pipeline.DeliveryAttempts),
	)

	eng := engine.New(st, enrich.New(st, nil), orchestrator, responder, sender, cfg.Pipeline.DebounceWindow())
	lifecycleMgr := lifecycle.New(st, cfg.Pipeline.IdleTimeout(), nil)

	sweeps := cron.New()
	if _, err := sweeps.AddFunc(cfg.Pipeline.DebounceSweep, func() {
		eng.FlushExpired(context.Background())
	}); err != nil {
		log.Fatalf("[AGENTD] scheduling debounce sweep: %v", err)
	}
	if _, err := sweeps.AddFunc(cfg.Pipeline.ExpirySweep, func() {
		lifecycleMgr.ExpireIdle(context.Background())
	}); err != nil {
		log.Fatalf("[AGENTD] scheduling expiry sweep: %v", err)
	}
	sweeps.Start()

	health := observability.InitHealthChecker()
	health.RegisterCheck(observability.StoreCheck(st.Ping))

	obs := observability.NewServer(cfg.ObservabilityPort)
	go func() {
		log.Printf("[AGENTD] observability server on :%d", cfg.ObservabilityPort)
		if err := obs.Start(); err != nil {
			log.Printf("[AGENTD] observability server stopped: %v", err)
		}
	}()

	app := newApp(eng, lifecycleMgr)
	go func() {
		log.Printf("[AGENTD] listening on %s", cfg.ListenAddr)
		if err := app.Listen(cfg.ListenAddr); err != nil {
			log.Printf("[AGENTD] http server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("[AGENTD] shutting down")

	sweeps.Stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("[AGENTD] http shutdown: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Printf("[AGENTD] observability shutdown: %v", err)
	}
}

func newApp(eng *engine.Engine, lifecycleMgr *lifecycle.Manager) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "dish-data-hub agentd",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(logger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	app.Post("/webhook/:restaurantID/message", func(c *fiber.Ctx) error {
		return handleInboundMessage(c, eng)
	})
	app.Post("/webhook/order-status", func(c *fiber.Ctx) error {
		return handleOrderStatus(c, lifecycleMgr)
	})
	return app
}

// handleInboundMessage accepts both the Twilio form encoding (From/Body)
// and a plain JSON body.
func handleInboundMessage(c *fiber.Ctx, eng *engine.Engine) error {
	restaurantID := c.Params("restaurantID")

	phone := c.FormValue("From")
	text := c.FormValue("Body")
	if phone == "" {
		var body struct {
			Phone string `json:"phone"`
			Text  string `json:"text"`
		}
		if err := c.BodyParser(&body); err == nil {
			phone, text = body.Phone, body.Text
		}
	}
	if phone == "" || text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "phone and text are required"})
	}

	sessionID, err := eng.HandleInbound(c.Context(), restaurantID, phone, text)
	if err != nil {
		log.Printf("[AGENTD] inbound message failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to queue message"})
	}
	return c.JSON(fiber.Map{"sessionId": sessionID, "queued": true})
}

func handleOrderStatus(c *fiber.Ctx, lifecycleMgr *lifecycle.Manager) error {
	var event struct {
		SessionID string `json:"sessionId"`
		OldStatus string `json:"oldStatus"`
		NewStatus string `json:"newStatus"`
	}
	if err := c.BodyParser(&event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid event payload"})
	}

	err := lifecycleMgr.HandleOrderStatus(c.Context(), lifecycle.OrderStatusEvent{
		SessionID: event.SessionID,
		OldStatus: event.OldStatus,
		NewStatus: event.NewStatus,
	})
	if err != nil {
		log.Printf("[AGENTD] order-status event failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to apply event"})
	}
	return c.JSON(fiber.Map{"applied": true})
}
