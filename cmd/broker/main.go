// Command broker runs the Veracruz Broker: the untrusted host-side
// orchestrator that boots an enclave, relays TLS bytes between remote
// clients and the in-enclave TLS endpoint, runs remote attestation
// against an external verifier, and enforces the provisioning state
// machine that gates when programs, data, streams, and results may
// flow.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ShaleXIONG/veracruz/internal/attestation"
	"github.com/ShaleXIONG/veracruz/internal/broker"
	"github.com/ShaleXIONG/veracruz/internal/enclave"
	"github.com/ShaleXIONG/veracruz/internal/metrics"
	"github.com/ShaleXIONG/veracruz/internal/middleware"
	"github.com/ShaleXIONG/veracruz/internal/policy"
	"github.com/ShaleXIONG/veracruz/internal/session"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", ":8443", "Broker frontend listen address")
	policyPath := flag.String("policy", "", "Path to policy file")
	image := flag.String("image", "veracruz-enclave", "Enclave image identifier")
	debug := flag.Bool("debug", false, "Enable enclave debug mode")
	adminSecret := flag.String("admin-secret", "", "HMAC secret for the admin JWT API")
	corsOrigins := flag.String("admin-cors-origins", "", "Comma-separated origins allowed to call the admin API (empty disables CORS headers)")
	sessionStoreKind := flag.String("session-store", "memory", "Session Registry backend: memory or redis")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis address, used when -session-store=redis")
	redisTTL := flag.Duration("redis-session-ttl", 24*time.Hour, "Session TTL in Redis, used when -session-store=redis")
	flag.Parse()

	if v := os.Getenv("BROKER_ADDR"); v != "" {
		*addr = v
	}
	if v := os.Getenv("POLICY_PATH"); v != "" {
		*policyPath = v
	}
	if v := os.Getenv("ENCLAVE_IMAGE"); v != "" {
		*image = v
	}
	if os.Getenv("ENCLAVE_DEBUG") == "true" {
		*debug = true
	}
	if v := os.Getenv("ADMIN_SECRET"); v != "" {
		*adminSecret = v
	}
	if v := os.Getenv("ADMIN_CORS_ORIGINS"); v != "" {
		*corsOrigins = v
	}
	if v := os.Getenv("SESSION_STORE"); v != "" {
		*sessionStoreKind = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		*redisAddr = v
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "broker").Logger()

	if *policyPath == "" {
		log.Fatal().Msg("-policy is required")
	}
	raw, err := os.ReadFile(*policyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("read policy")
	}
	view, err := policy.Load(raw, *policyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("parse policy")
	}
	log.Info().Str("policy_digest", view.Digest()).Msg("policy loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := enclave.Spawn(ctx, log, enclave.SimulatorSpawner(), enclave.SpawnOptions{
		Image:      *image,
		Debug:      *debug,
		PolicyJSON: raw,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("spawn enclave")
	}
	log.Info().Msg("enclave ready")

	mcollector := metrics.NewCollector("veracruz")

	var store session.Store
	switch *sessionStoreKind {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("redis_addr", *redisAddr).Msg("connect to redis session store")
		}
		store = session.NewRedisStore(client, *redisTTL)
		log.Info().Str("redis_addr", *redisAddr).Msg("session registry backed by redis")
	case "memory", "":
		store = session.NewMemoryStore()
	default:
		log.Fatal().Str("session_store", *sessionStoreKind).Msg("unknown -session-store value")
	}

	b := broker.New(broker.Config{
		Log:          log,
		Driver:       driver,
		Policy:       view,
		SessionStore: store,
		Metrics:      mcollector,
	})

	coordinator := attestation.New(log, view.VerifierURL(), nil)
	if err := b.Attest(ctx, coordinator); err != nil {
		log.Fatal().Err(err).Msg("attestation failed")
	}
	log.Info().Msg("attestation succeeded")

	frontend := broker.NewFrontend(b)

	router := chi.NewRouter()
	limiter := middleware.NewRateLimiter(20, 40, log)
	stopCleanup := make(chan struct{})
	limiter.StartCleanup(5*time.Minute, stopCleanup)

	router.Use(limiter.Handler(func(r *http.Request) string {
		return r.Header.Get("X-Client-Cert-Fingerprint")
	}))
	router.Mount("/", frontend.Routes())

	hostSampler := time.NewTicker(15 * time.Second)
	defer hostSampler.Stop()
	go func() {
		for range hostSampler.C {
			if err := mcollector.SampleHost(ctx); err != nil {
				log.Warn().Err(err).Msg("sample host metrics")
			}
		}
	}()

	if *adminSecret != "" {
		adminAuth := broker.NewAdminAuth([]byte(*adminSecret))
		var adminHandler http.Handler = frontend.AdminRoutes(adminAuth)
		if *corsOrigins != "" {
			cors := middleware.NewCORSMiddleware(strings.Split(*corsOrigins, ","))
			adminHandler = cors.Handler(adminHandler)
		}
		router.Mount("/admin", adminHandler)
	}

	server := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *addr).Msg("broker frontend listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	close(stopCleanup)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("broker shutdown error")
	}
	log.Info().Msg("broker stopped")
}
