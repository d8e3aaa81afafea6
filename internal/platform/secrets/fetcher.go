// Package secrets resolves secret:// references to PSP credentials and other
// sensitive configuration values. Values come from Google Secret Manager,
// with an optional local file for development environments without cloud
// credentials.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const meterScope = "github.com/marketlane/api/internal/platform/secrets"

// accessClient is the slice of the Secret Manager API the fetcher needs.
type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// newAccessClient is swapped out in tests that exercise construction failure.
var newAccessClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// Fetcher resolves secret references, memoizing values for the process
// lifetime. Resolution order: in-memory cache, Secret Manager, local
// fallback file (only when Secret Manager is unreachable or denies access,
// never when it authoritatively reports the secret missing).
type Fetcher struct {
	client     accessClient
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string

	fallbackFile string
	loadFallback sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu     sync.RWMutex
	values map[string]string

	clientOpts []option.ClientOption

	resolves       metric.Int64Counter
	resolvesOK     bool
	resolveLatency metric.Float64Histogram
	latencyOK      bool
}

// Option adjusts Fetcher construction.
type Option func(*Fetcher)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment labels resolutions with the deployment environment.
func WithEnvironment(env string) Option {
	return func(f *Fetcher) {
		f.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the GCP project used when a reference carries no
// project override.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) {
		f.defaultProject = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile points at a KEY=VALUE file consulted when Secret Manager
// is unavailable.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) {
		f.fallbackFile = strings.TrimSpace(path)
	}
}

// WithAccessClient injects a preconfigured Secret Manager client, primarily
// for tests.
func WithAccessClient(client accessClient) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithClientOptions forwards Cloud client options to the Secret Manager
// client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal:
// the fetcher degrades to fallback-file-only resolution, which is the normal
// mode for local development.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:       zap.NewNop(),
		env:          "local",
		fallbackFile: ".secrets.local",
		values:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(f)
	}

	meter := otel.GetMeterProvider().Meter(meterScope)
	if counter, err := meter.Int64Counter(
		"secrets.resolve.total",
		metric.WithDescription("Secret resolutions by source"),
	); err == nil {
		f.resolves = counter
		f.resolvesOK = true
	} else {
		f.logger.Warn("secrets: resolve counter unavailable", zap.Error(err))
	}
	if hist, err := meter.Float64Histogram(
		"secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency"),
	); err == nil {
		f.resolveLatency = hist
		f.latencyOK = true
	} else {
		f.logger.Warn("secrets: latency histogram unavailable", zap.Error(err))
	}

	if f.client == nil {
		client, err := newAccessClient(ctx, f.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the underlying client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value for a secret:// reference.
func (f *Fetcher) Resolve(ctx context.Context, reference string) (string, error) {
	started := time.Now()
	ref, err := parseRef(reference)
	if err != nil {
		return "", err
	}

	f.mu.RLock()
	value, hit := f.values[ref.key()]
	f.mu.RUnlock()
	if hit {
		f.record(ctx, started, "cache", ref)
		return value, nil
	}

	project := ref.project
	if project == "" {
		project = f.defaultProject
	}

	if f.client != nil && project != "" {
		resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
		switch {
		case err == nil:
			if resp == nil || resp.Payload == nil {
				return "", fmt.Errorf("secrets: empty payload for %s", resource)
			}
			value := string(resp.Payload.GetData())
			f.remember(ref, value)
			f.record(ctx, started, "remote", ref)
			return value, nil
		case degradedAccess(err):
			f.logger.Debug("secrets: secret manager degraded, trying fallback file",
				zap.String("secret", mask(ref.name)), zap.Error(err))
		default:
			f.record(ctx, started, "error", ref)
			return "", fmt.Errorf("secrets: access %s: %w", mask(ref.name), err)
		}
	}

	value, ok := f.fromFallback(ref)
	if !ok {
		f.record(ctx, started, "error", ref)
		return "", fmt.Errorf("secrets: no value for %s", mask(ref.name))
	}
	f.remember(ref, value)
	f.record(ctx, started, "fallback", ref)
	return value, nil
}

func (f *Fetcher) remember(ref secretRef, value string) {
	f.mu.Lock()
	f.values[ref.key()] = value
	f.mu.Unlock()
}

func (f *Fetcher) fromFallback(ref secretRef) (string, bool) {
	f.loadFallback.Do(f.readFallbackFile)
	if f.fallbackErr != nil {
		f.logger.Debug("secrets: fallback file unreadable", zap.Error(f.fallbackErr))
		return "", false
	}
	if value, ok := f.fallback[ref.key()]; ok {
		return value, true
	}
	value, ok := f.fallback["secret://"+ref.name]
	return value, ok
}

// readFallbackFile parses KEY=VALUE lines; keys are secret:// references.
// Blank lines and # comments are skipped.
func (f *Fetcher) readFallbackFile() {
	f.fallback = map[string]string{}
	if f.fallbackFile == "" {
		return
	}
	file, err := os.Open(f.fallbackFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fallbackErr = fmt.Errorf("secrets: open %s: %w", f.fallbackFile, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if ref, err := parseRef(key); err == nil {
			f.fallback[ref.key()] = value
			f.fallback["secret://"+ref.name] = value
		} else {
			f.fallback[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: read %s: %w", f.fallbackFile, err)
	}
}

func (f *Fetcher) record(ctx context.Context, started time.Time, source string, ref secretRef) {
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("environment", f.env),
		attribute.String("secret", mask(ref.name)),
	)
	if f.resolvesOK {
		f.resolves.Add(ctx, 1, attrs)
	}
	if f.latencyOK {
		f.resolveLatency.Record(ctx, float64(time.Since(started))/float64(time.Millisecond), attrs)
	}
}

// secretRef is a parsed secret://name?version=N&project=P reference.
type secretRef struct {
	name    string
	version string
	project string
}

func (r secretRef) key() string {
	return r.name + "@" + r.version
}

func parseRef(reference string) (secretRef, error) {
	if strings.TrimSpace(reference) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(reference)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: bad reference %q: %w", reference, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: reference %q has no secret name", reference)
	}
	query := u.Query()
	ref := secretRef{
		name:    name,
		version: strings.TrimSpace(query.Get("version")),
		project: strings.TrimSpace(query.Get("project")),
	}
	if ref.version == "" {
		ref.version = "latest"
	}
	return ref, nil
}

// degradedAccess reports errors worth retrying against the fallback file.
// NotFound is authoritative and does not qualify: a missing secret must not
// be silently replaced by a stale local value.
func degradedAccess(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

// mask keeps secret names out of logs and metric labels.
func mask(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:6])
}
