package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/aurix-studio/api/internal/billing"
	"github.com/aurix-studio/api/internal/domain"
	"github.com/aurix-studio/api/internal/handlers"
	"github.com/aurix-studio/api/internal/imaging"
	"github.com/aurix-studio/api/internal/platform/auth"
	"github.com/aurix-studio/api/internal/platform/config"
	pfirestore "github.com/aurix-studio/api/internal/platform/firestore"
	"github.com/aurix-studio/api/internal/platform/jobs"
	"github.com/aurix-studio/api/internal/platform/observability"
	"github.com/aurix-studio/api/internal/platform/secrets"
	firestoreRepo "github.com/aurix-studio/api/internal/repositories/firestore"
	"github.com/aurix-studio/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	entitlementRepo, err := firestoreRepo.NewEntitlementRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise entitlement repository", zap.Error(err))
	}
	feedbackRepo, err := firestoreRepo.NewFeedbackRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise feedback repository", zap.Error(err))
	}

	notifier, pubsubClient, err := newNotificationPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise notification publisher", zap.Error(err))
	}
	if pubsubClient != nil {
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
	}

	var stripeProvider billing.Provider
	if cfg.Features.EnablePaywall {
		if strings.TrimSpace(cfg.Stripe.APIKey) == "" {
			logger.Fatal("stripe api key is required when the paywall is enabled")
		}
		billingLogger := logger.Named("billing")
		provider, err := billing.NewStripeProvider(billing.StripeProviderConfig{
			APIKey:        cfg.Stripe.APIKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Logger:        billing.StripeLogger(serviceLogAdapter(billingLogger, "stripe log")),
			Clock:         time.Now,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe provider", zap.Error(err))
		}
		stripeProvider = provider
	}

	plans := services.NewPlanCatalog([]services.Plan{
		{
			Tier:    domain.TierStarter,
			Name:    "Starter",
			PriceID: cfg.Stripe.StarterPriceID,
			Quota:   int64(cfg.Entitlement.StarterQuota),
		},
		{
			Tier:      domain.TierPro,
			Name:      "Pro",
			PriceID:   cfg.Stripe.ProPriceID,
			Unlimited: true,
		},
	}, cfg.Stripe.PayPerImagePriceID, int64(cfg.Entitlement.FreeLimit))

	entitlementLogger := logger.Named("entitlement")
	entitlementService, err := services.NewEntitlementService(services.EntitlementServiceDeps{
		Repository: entitlementRepo,
		Billing:    stripeProvider,
		FreeLimit:  int64(cfg.Entitlement.FreeLimit),
		Clock:      time.Now,
		Logger:     serviceLogAdapter(entitlementLogger, "entitlement log"),
	})
	if err != nil {
		logger.Fatal("failed to initialise entitlement service", zap.Error(err))
	}

	imagingLogger := logger.Named("imaging")
	editor, err := imaging.NewGeminiEditor(imaging.GeminiEditorConfig{
		APIKey: cfg.Gemini.APIKey,
		Model:  cfg.Gemini.Model,
		Logger: imagingLogAdapter(imagingLogger, "gemini log"),
	})
	if err != nil {
		logger.Fatal("failed to initialise gemini editor", zap.Error(err))
	}

	var upscaler imaging.Upscaler
	if cfg.Features.EnableUpscale && strings.TrimSpace(cfg.Replicate.APIToken) != "" {
		normalizer := imaging.NewNormalizer(imagingLogAdapter(imagingLogger, "normalizer log"))
		replicateUpscaler, err := imaging.NewReplicateUpscaler(imaging.ReplicateUpscalerConfig{
			APIToken:   cfg.Replicate.APIToken,
			Version:    cfg.Replicate.Version,
			Normalizer: normalizer,
			Logger:     imagingLogAdapter(imagingLogger, "replicate log"),
		})
		if err != nil {
			logger.Fatal("failed to initialise replicate upscaler", zap.Error(err))
		}
		upscaler = replicateUpscaler
	}

	transformLogger := logger.Named("transform")
	transformService, err := services.NewTransformService(services.TransformServiceDeps{
		Entitlements: entitlementService,
		Editor:       editor,
		Upscaler:     upscaler,
		Clock:        time.Now,
		Logger:       serviceLogAdapter(transformLogger, "transform log"),
	})
	if err != nil {
		logger.Fatal("failed to initialise transform service", zap.Error(err))
	}

	var subscriptionService services.SubscriptionService
	var checkoutService services.CheckoutService
	if stripeProvider != nil {
		subscriptionLogger := logger.Named("subscription")
		subscriptionService, err = services.NewSubscriptionService(services.SubscriptionServiceDeps{
			Repository:    entitlementRepo,
			Billing:       stripeProvider,
			Plans:         plans,
			Notifications: notifier,
			Clock:         time.Now,
			Logger:        serviceLogAdapter(subscriptionLogger, "subscription log"),
		})
		if err != nil {
			logger.Fatal("failed to initialise subscription service", zap.Error(err))
		}

		checkoutLogger := logger.Named("checkout")
		checkoutService, err = services.NewCheckoutService(services.CheckoutServiceDeps{
			Repository: entitlementRepo,
			Billing:    stripeProvider,
			Plans:      plans,
			Clock:      time.Now,
			Logger:     serviceLogAdapter(checkoutLogger, "checkout log"),
		})
		if err != nil {
			logger.Fatal("failed to initialise checkout service", zap.Error(err))
		}
	}

	feedbackLogger := logger.Named("feedback")
	feedbackService, err := services.NewFeedbackService(services.FeedbackServiceDeps{
		Repository:    feedbackRepo,
		Notifications: notifier,
		Clock:         time.Now,
		Logger:        serviceLogAdapter(feedbackLogger, "feedback log"),
	})
	if err != nil {
		logger.Fatal("failed to initialise feedback service", zap.Error(err))
	}

	transformLimiter := handlers.NewRateLimiter(cfg.RateLimits.TransformPerMinute, time.Minute, time.Now)
	transformHandlers := handlers.NewTransformHandlers(transformService, transformLimiter)
	accountHandlers := handlers.NewAccountHandlers(entitlementService)
	feedbackHandlers := handlers.NewFeedbackHandlers(feedbackService)
	internalHandlers := handlers.NewInternalHandlers(entitlementService, cfg.Features.EnableReset)

	hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		authenticator.OptionalFirebaseAuth(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithReadinessProbe("firestore", firestoreReadinessProbe(firestoreClient)),
	)

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithRequestTimeout(cfg.Server.TransformTimeout+30*time.Second))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithTransformRoutes(transformHandlers.Routes))
	opts = append(opts, handlers.WithAccountRoutes(accountHandlers.Routes))
	opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	if cfg.Features.EnableFeedback {
		opts = append(opts, handlers.WithFeedbackRoutes(feedbackHandlers.Routes))
	}
	if stripeProvider != nil {
		billingHandlers := handlers.NewBillingHandlers(stripeProvider, subscriptionService, checkoutService, serviceLogAdapter(logger.Named("billing"), "billing log"))
		opts = append(opts, handlers.WithBillingRoutes(billingHandlers.Routes))
	}
	if hmacMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(hmacMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("aurix api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// serviceLogAdapter bridges the structured event loggers the services expect
// onto a named zap logger.
func serviceLogAdapter(logger *zap.Logger, message string) services.Logger {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(message, zFields...)
	}
}

func imagingLogAdapter(logger *zap.Logger, message string) imaging.Logger {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(message, zFields...)
	}
}

func newNotificationPublisher(ctx context.Context, cfg config.Config) (services.NotificationPublisher, *pubsub.Client, error) {
	feedbackName := strings.TrimSpace(cfg.Notifications.FeedbackTopic)
	reconciliationName := strings.TrimSpace(cfg.Notifications.ReconciliationTopic)
	if feedbackName == "" && reconciliationName == "" {
		return nil, nil, nil
	}
	projectID := strings.TrimSpace(cfg.Notifications.ProjectID)
	if projectID == "" {
		return nil, nil, errors.New("notifications: project id is required when topics are configured")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	var feedbackTopic, reconciliationTopic *pubsub.Topic
	if feedbackName != "" {
		feedbackTopic = client.Topic(feedbackName)
	}
	if reconciliationName != "" {
		reconciliationTopic = client.Topic(reconciliationName)
	}
	publisher, err := jobs.NewPubSubNotificationPublisher(feedbackTopic, reconciliationTopic)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return publisher, client, nil
}

func firestoreReadinessProbe(client *firestore.Client) handlers.ReadinessProbe {
	return func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
		defer cancel()
		iter := client.Collections(probeCtx)
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		return err
	}
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	hmacSecrets := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		hmacSecrets[strings.ToLower(key)] = value
	}
	if len(hmacSecrets) == 0 {
		return nil
	}

	provider := staticSecretProvider{secrets: hmacSecrets}
	nonces := auth.NewInMemoryNonceStore()
	adapter := observability.NewPrintfAdapter(logger)
	validator := auth.NewHMACValidator(provider, nonces,
		auth.WithHMACLogger(adapter),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)

	secretName := "internal"
	if _, ok := hmacSecrets[secretName]; !ok {
		if _, ok := hmacSecrets["default"]; ok {
			secretName = "default"
		} else {
			names := make([]string, 0, len(hmacSecrets))
			for name := range hmacSecrets {
				names = append(names, name)
			}
			sort.Strings(names)
			secretName = names[0]
		}
	}
	return validator.RequireHMAC(secretName)
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"Gemini.APIKey",
	}

	hmacRaw := ""
	if env != nil {
		hmacRaw = strings.TrimSpace(env["API_SECURITY_HMAC_SECRETS"])
		if token := strings.TrimSpace(env["API_REPLICATE_API_TOKEN"]); token != "" {
			required = append(required, "Replicate.APIToken")
		}
		if paywall := strings.TrimSpace(env["API_FEATURE_PAYWALL"]); !strings.EqualFold(paywall, "false") {
			required = append(required, "Stripe.APIKey", "Stripe.WebhookSecret")
		}
	}
	for _, key := range parseHMACSecretKeys(hmacRaw) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}

	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	return parseKeyValueList(strings.ToLower(raw))
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_VERSION_PINS"]
	}
	raw = strings.TrimSpace(raw)
	pins := make(map[string]string)
	if raw == "" {
		return pins
	}
	for ref, version := range parseKeyValueList(raw) {
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[ref] = version
	}
	return pins
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}
