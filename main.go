package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "reception/app/configs"
	"reception/app/core/booking"
	"reception/app/core/conversation"
	"reception/app/core/db"
	httpapi "reception/app/core/interaction/http"
	"reception/app/core/kb"
	"reception/app/core/llm"
	"reception/app/core/reception"
	"reception/app/core/scheduler"
	"reception/app/core/sms"
	"reception/app/pkg/logger"
)

func main() {
	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()

	if err := logger.Init(cfg.Paths.LogDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Reception Starting...")

	database, err := db.NewSQLiteDB(cfg.Paths.DataDir)
	if err != nil {
		logger.Error("Failed to initialize DB: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("Database initialized successfully")

	bookingStore := booking.NewStore(database)
	coordinator := booking.NewCoordinator(bookingStore, cfgManager)
	conversations := conversation.NewStore(database, bookingStore)
	kbStore := kb.NewStore(database)

	responder := llm.NewRouter(llm.Config{
		Mode:          cfg.LLM.Mode,
		OllamaBaseURL: cfg.LLM.OllamaBaseURL,
		OllamaModel:   cfg.LLM.OllamaModel,
		CloudBaseURL:  cfg.LLM.CloudBaseURL,
		CloudAPIKey:   cfg.LLM.CloudAPIKey,
		CloudModel:    cfg.LLM.CloudModel,
		Timeout:       time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})

	gateway := sms.NewGateway(cfg.SMS.Mode)
	outbox := sms.NewOutbox(database, gateway, cfg.SMS.MaxSendAttempts,
		time.Duration(cfg.SMS.DispatchSec)*time.Second)

	inbound := reception.NewService(coordinator, bookingStore, conversations, kbStore, responder, outbox)

	sweeper := booking.NewSweeper(bookingStore,
		time.Duration(cfg.Booking.SweepIntervalSec)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobScheduler := scheduler.New()
	if err := jobScheduler.Register(sweeper.Job()); err != nil {
		logger.Error("Failed to register sweep job: %v", err)
		os.Exit(1)
	}
	if err := jobScheduler.Register(outbox.Job()); err != nil {
		logger.Error("Failed to register outbox job: %v", err)
		os.Exit(1)
	}
	if err := jobScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobScheduler.Stop(3 * time.Second); err != nil {
			logger.Error("Scheduler shutdown timeout: %v", err)
		}
	}()

	server := httpapi.NewServer(cfg.HTTP.Port, coordinator, bookingStore,
		conversations, kbStore, inbound, jobScheduler)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("HTTP server crashed: %v", err)
			os.Exit(1)
		}
	}()

	logger.Info("Reception is ready to serve.")
	fmt.Printf("- Inbound messages: http://localhost:%d/api/message (POST)\n", cfg.HTTP.Port)
	fmt.Printf("- Task board:       http://localhost:%d/api/tasks\n", cfg.HTTP.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal: %v. Reception Shutting Down...", sig)
	cancel()
}
