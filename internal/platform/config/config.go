package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 90 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultTransformTimeout      = 60 * time.Second
	defaultRateLimitDefault      = 120
	defaultRateLimitTransform    = 20
	defaultRateLimitWebhookBurst = 60
	defaultSecurityEnvironment   = "local"
	defaultHMACSignatureHeader   = "X-Signature"
	defaultHMACTimestampHeader   = "X-Signature-Timestamp"
	defaultHMACNonceHeader       = "X-Signature-Nonce"
	defaultHMACClockSkew         = 5 * time.Minute
	defaultHMACNonceTTL          = 5 * time.Minute
	defaultGeminiModel           = "gemini-2.5-flash-image"
	defaultFreeLimit             = 3
	defaultStarterQuota          = 50
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Gemini        GeminiConfig
	Replicate     ReplicateConfig
	Stripe        StripeConfig
	Entitlement   EntitlementConfig
	Notifications NotificationConfig
	RateLimits    RateLimitConfig
	Features      FeatureFlags
	Security      SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// TransformTimeout bounds one full edit plus upscale sequence.
	TransformTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// GeminiConfig stores credentials for the generative edit service.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// ReplicateConfig stores credentials for the super-resolution service.
type ReplicateConfig struct {
	APIToken string
	// Version pins the upscale model release; empty uses the adapter default.
	Version string
}

// StripeConfig collects payment processor secrets and price identifiers.
type StripeConfig struct {
	APIKey             string
	WebhookSecret      string
	StarterPriceID     string
	ProPriceID         string
	PayPerImagePriceID string
	SuccessURL         string
	CancelURL          string
}

// EntitlementConfig tunes the usage gate.
type EntitlementConfig struct {
	FreeLimit    int
	StarterQuota int
}

// NotificationConfig names the Pub/Sub topics for async fan-out.
type NotificationConfig struct {
	ProjectID           string
	FeedbackTopic       string
	ReconciliationTopic string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute   int
	TransformPerMinute int
	WebhookBurst       int
}

// FeatureFlags toggle optional behaviour without redeploying.
type FeatureFlags struct {
	EnableUpscale  bool
	EnablePaywall  bool
	EnableReset    bool
	EnableFeedback bool
}

// SecurityConfig groups internal-surface authentication settings.
type SecurityConfig struct {
	Environment string
	HMAC        HMACConfig
}

// HMACConfig captures internal endpoint signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// SecretResolver fetches the material behind a secret:// reference.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a plain function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret invokes the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// ValidationError reports configuration fields that are absent or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: missing or invalid fields [" + strings.Join(e.fields, ", ") + "]"
}

// Fields lists the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failure to resolve one secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to nothing.
// The Error text carries hashed identifiers so logs never reveal which
// integrations are unconfigured; Names returns the raw identifiers.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	redacted := e.RedactedNames()
	if len(redacted) == 0 {
		return "missing required secrets"
	}
	return "missing required secrets [" + strings.Join(redacted, ", ") + "]"
}

// RedactedNames returns the hashed secret identifiers in sorted order.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the raw secret identifiers in sorted order.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// Option adjusts how Load and EnvironmentValues gather their inputs.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func defaultLoaderOptions() loaderOptions {
	return loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
}

// WithEnvFile overrides the dotenv file consulted for local overrides.
// An empty path skips dotenv loading entirely.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies explicit key/value pairs that win over both the
// process environment and the dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment; only explicit maps
// and the dotenv file are consulted.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver installs the resolver used for secret:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret identifiers as mandatory. Identifiers
// use the loader's field names, e.g. "Stripe.APIKey" or
// "Security.HMAC.Secrets[internal]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic instead of returning an
// error when a required secret is absent.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// source answers key lookups with explicit overrides winning over the
// process environment, which in turn wins over the dotenv file.
type source struct {
	overrides map[string]string
	useSystem bool
	dotenv    map[string]string
}

func newSource(o loaderOptions) (*source, error) {
	dotenv, err := parseEnvFile(o.envFile)
	if err != nil {
		return nil, err
	}
	return &source{overrides: o.envMap, useSystem: o.useSystemEnv, dotenv: dotenv}, nil
}

func (s *source) get(key string) (string, bool) {
	if value, ok := s.overrides[key]; ok {
		return value, true
	}
	if s.useSystem {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := s.dotenv[key]
	return value, ok
}

func (s *source) str(key, fallback string) string {
	if value, ok := s.get(key); ok && value != "" {
		return value
	}
	return fallback
}

func (s *source) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := s.get(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (s *source) integer(key string, fallback int) int {
	if value, ok := s.get(key); ok && value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func (s *source) flag(key string, fallback bool) bool {
	value, ok := s.get(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// pairs parses "name=value,name=value" lists. Names are lowercased;
// entries without both halves are skipped.
func (s *source) pairs(key string) map[string]string {
	out := make(map[string]string)
	raw, ok := s.get(key)
	if !ok {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		name, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		out[name] = value
	}
	return out
}

// snapshot flattens every source into a single map, applying the same
// precedence as get.
func (s *source) snapshot() map[string]string {
	values := make(map[string]string, len(s.dotenv)+len(s.overrides))
	for key, value := range s.dotenv {
		values[key] = value
	}
	if s.useSystem {
		for _, entry := range os.Environ() {
			key, value, found := strings.Cut(entry, "=")
			if !found || key == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range s.overrides {
		values[key] = value
	}
	return values
}

// EnvironmentValues returns the merged key/value environment seen by
// Load, letting callers bootstrap dependencies (such as the secret
// fetcher) from the same view before the full configuration exists.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}
	src, err := newSource(options)
	if err != nil {
		return nil, err
	}
	return src.snapshot(), nil
}

// Load assembles the runtime configuration from defaults, the dotenv
// file, the process environment, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}

	src, err := newSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:             src.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:      src.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:     src.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:      src.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			TransformTimeout: src.duration("API_SERVER_TRANSFORM_TIMEOUT", defaultTransformTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Gemini: GeminiConfig{
			APIKey: src.str("API_GEMINI_API_KEY", ""),
			Model:  src.str("API_GEMINI_MODEL", defaultGeminiModel),
		},
		Replicate: ReplicateConfig{
			APIToken: src.str("API_REPLICATE_API_TOKEN", ""),
			Version:  src.str("API_REPLICATE_VERSION", ""),
		},
		Stripe: StripeConfig{
			APIKey:             src.str("API_STRIPE_API_KEY", ""),
			WebhookSecret:      src.str("API_STRIPE_WEBHOOK_SECRET", ""),
			StarterPriceID:     src.str("API_STRIPE_STARTER_PRICE_ID", ""),
			ProPriceID:         src.str("API_STRIPE_PRO_PRICE_ID", ""),
			PayPerImagePriceID: src.str("API_STRIPE_PAY_PER_IMAGE_PRICE_ID", ""),
			SuccessURL:         src.str("API_STRIPE_SUCCESS_URL", ""),
			CancelURL:          src.str("API_STRIPE_CANCEL_URL", ""),
		},
		Entitlement: EntitlementConfig{
			FreeLimit:    src.integer("API_ENTITLEMENT_FREE_LIMIT", defaultFreeLimit),
			StarterQuota: src.integer("API_ENTITLEMENT_STARTER_QUOTA", defaultStarterQuota),
		},
		Notifications: NotificationConfig{
			ProjectID:           src.str("API_NOTIFICATIONS_PROJECT_ID", ""),
			FeedbackTopic:       src.str("API_NOTIFICATIONS_FEEDBACK_TOPIC", ""),
			ReconciliationTopic: src.str("API_NOTIFICATIONS_RECONCILIATION_TOPIC", ""),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:   src.integer("API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			TransformPerMinute: src.integer("API_RATELIMIT_TRANSFORM_PER_MIN", defaultRateLimitTransform),
			WebhookBurst:       src.integer("API_RATELIMIT_WEBHOOK_BURST", defaultRateLimitWebhookBurst),
		},
		Features: FeatureFlags{
			EnableUpscale:  src.flag("API_FEATURE_UPSCALE", true),
			EnablePaywall:  src.flag("API_FEATURE_PAYWALL", true),
			EnableReset:    src.flag("API_FEATURE_RESET", false),
			EnableFeedback: src.flag("API_FEATURE_FEEDBACK", true),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(src.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			HMAC: HMACConfig{
				Secrets:         src.pairs("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: src.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: src.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     src.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       src.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        src.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
	}

	// Firestore and notification projects default to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Notifications.ProjectID == "" {
		cfg.Notifications.ProjectID = cfg.Firebase.ProjectID
	}

	resolved := make(map[string]string)
	resolve := func(name, raw string) (string, error) {
		value, err := resolveSecret(ctx, raw, options.secret)
		if err != nil {
			return "", err
		}
		resolved[name] = strings.TrimSpace(value)
		return value, nil
	}

	for key, ref := range cfg.Security.HMAC.Secrets {
		value, err := resolve("Security.HMAC.Secrets["+key+"]", ref)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = value
	}

	for _, target := range []struct {
		name  string
		field *string
	}{
		{"Gemini.APIKey", &cfg.Gemini.APIKey},
		{"Replicate.APIToken", &cfg.Replicate.APIToken},
		{"Stripe.APIKey", &cfg.Stripe.APIKey},
		{"Stripe.WebhookSecret", &cfg.Stripe.WebhookSecret},
	} {
		value, err := resolve(target.name, *target.field)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var bad []string
	if cfg.Server.Port == "" {
		bad = append(bad, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		bad = append(bad, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		bad = append(bad, "Firestore.ProjectID")
	}
	if cfg.Gemini.Model == "" {
		bad = append(bad, "Gemini.Model")
	}
	if cfg.Entitlement.FreeLimit <= 0 {
		bad = append(bad, "Entitlement.FreeLimit")
	}
	if cfg.Server.TransformTimeout <= 0 {
		bad = append(bad, "Server.TransformTimeout")
	}
	if len(bad) > 0 {
		return &ValidationError{fields: bad}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	var missing []string
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://")
}

// normalizeSecretReference rewrites the legacy sm:// scheme to secret://.
func normalizeSecretReference(value string) string {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest
	}
	return value
}

// redactSecretName hashes a secret identifier for log-safe output.
func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// parseEnvFile reads KEY=value lines from a dotenv file. A missing file
// is not an error; blank lines, comments, and an optional "export "
// prefix are tolerated.
func parseEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
