// Package cfg holds the server configuration. Every field is a flag with
// its default inline; FillFromEnv then fills unset flags from CAPSERVE_*
// variables and Validate reports every bad value at once.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/keithlinneman/capserve/internal/log"
)

// store backends
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreS3     = "s3"
)

// sandbox modes
const (
	SandboxInProcess  = "inprocess"
	SandboxSubprocess = "subprocess"
)

type App struct {
	// logging
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// listeners
	HTTPPort    int
	AdminPort   int
	TrustedHops int

	// observability
	EnablePprof     bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64

	// content store
	StoreBackend    string
	StoreSQLitePath string
	StoreS3Bucket   string
	StoreS3Prefix   string

	// lifecycle
	Retention     time.Duration
	SweepInterval time.Duration

	// install path
	SandboxMode     string
	RewriteTimeout  time.Duration
	OriginScheme    string
	OriginTLD       string
	MaxArchiveBytes int64
	InstallRate     float64
	InstallBurst    int
	InstallClients  int
	InstallIdleTTL  time.Duration
}

// Register binds every App field to fs.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "write logs as JSON (false: logfmt)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "minimum log level: debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "attach stacks to records at or above this level")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "log each wrap site of a logged error")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "how many wrap sites to log (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "port for the api and package hosts")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "port for probes, metrics and pprof")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies whose X-Forwarded-For entries are believed (0..10)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve /debug/pprof on the admin port")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push continuous profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant (X-Scope-OrgID)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export traces to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC collector as host:port")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0, "fraction of root traces sampled (0..1)")

	fs.StringVar(&c.StoreBackend, "store-backend", StoreMemory, "where packages are kept: memory|sqlite|s3")
	fs.StringVar(&c.StoreSQLitePath, "store-sqlite-path", "capserve.db", "database file for the sqlite backend")
	fs.StringVar(&c.StoreS3Bucket, "store-s3-bucket", "", "bucket for the s3 backend")
	fs.StringVar(&c.StoreS3Prefix, "store-s3-prefix", "capserve", "key prefix for the s3 backend")

	fs.DurationVar(&c.Retention, "retention", 30*time.Minute, "how long an installed package stays live")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 30*time.Minute, "time between lifecycle sweeps")

	fs.StringVar(&c.SandboxMode, "sandbox-mode", SandboxSubprocess, "where HTML is rewritten: inprocess|subprocess")
	fs.DurationVar(&c.RewriteTimeout, "rewrite-timeout", 10*time.Second, "limit for rewriting one document")
	fs.StringVar(&c.OriginScheme, "origin-scheme", "https", "scheme of package origins: http|https")
	fs.StringVar(&c.OriginTLD, "origin-tld", "cap", "top-level label of package origins")
	fs.Int64Var(&c.MaxArchiveBytes, "max-archive-bytes", 50<<20, "largest accepted upload")
	fs.Float64Var(&c.InstallRate, "install-rate", 1, "installs per second per client address")
	fs.IntVar(&c.InstallBurst, "install-burst", 5, "install burst per client address")
	fs.IntVar(&c.InstallClients, "install-max-clients", 100000, "client addresses the install limiter tracks at once")
	fs.DurationVar(&c.InstallIdleTTL, "install-idle-ttl", 5*time.Minute, "how long an idle address keeps its install bucket")
}

// EnvKey is the variable FillFromEnv reads for flag name.
func EnvKey(prefix, name string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// FillFromEnv sets flags that were not given on the command line from
// prefix-named variables, so "store-backend" reads PREFIX_STORE_BACKEND.
// A bad value is reported through logf and the default kept.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	onCLI := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { onCLI[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		val, ok := os.LookupEnv(key)
		switch {
		case !ok:
		case onCLI[f.Name]:
			logf("flag -%s=%q wins over %s=%q", f.Name, f.Value.String(), key, val)
		default:
			def := f.Value.String()
			if err := fs.Set(f.Name, val); err != nil {
				_ = fs.Set(f.Name, def)
				logf("ignoring %s=%q: %v", key, val, err)
			}
		}
	})
}

// checker collects validation failures.
type checker []error

func (c *checker) failf(format string, args ...any) {
	*c = append(*c, fmt.Errorf(format, args...))
}

func (c *checker) port(name string, p int) {
	if p < 1 || p > 65535 {
		c.failf("invalid %s %d (must be 1..65535)", name, p)
	}
}

func (c *checker) level(name, lvl string) {
	if _, err := log.ParseLevel(lvl); err != nil {
		c.failf("invalid %s %q: %w", name, lvl, err)
	}
}

func (c *checker) oneOf(name, v string, allowed ...string) {
	if !slices.Contains(allowed, v) {
		c.failf("invalid %s %q (must be %s)", name, v, strings.Join(allowed, "|"))
	}
}

func (c *checker) positive(name string, d time.Duration) {
	if d <= 0 {
		c.failf("invalid %s %s (must be > 0)", name, d)
	}
}

func (c *checker) required(name, v, when string) bool {
	if v == "" {
		c.failf("%s required when %s", name, when)
		return false
	}
	return true
}

// Validate returns every invalid field joined into one error, or nil.
func Validate(a App) error {
	var c checker

	c.port("HTTP_PORT", a.HTTPPort)
	c.port("ADMIN_PORT", a.AdminPort)
	if a.AdminPort == a.HTTPPort {
		c.failf("ADMIN_PORT and HTTP_PORT must differ (both %d)", a.HTTPPort)
	}
	if a.TrustedHops < 0 || a.TrustedHops > 10 {
		c.failf("invalid TRUSTED_HOPS %d (must be 0..10)", a.TrustedHops)
	}

	c.level("LOG_LEVEL", a.LogLevel)
	if a.StacktraceLevel != "" {
		c.level("STACKTRACE_LEVEL", a.StacktraceLevel)
	}
	if a.IncludeErrorLinks && (a.MaxErrorLinks < 1 || a.MaxErrorLinks > 64) {
		c.failf("MAX_ERROR_LINKS must be 1..64 (got %d)", a.MaxErrorLinks)
	}

	if a.TraceSample < 0 || a.TraceSample > 1 {
		c.failf("invalid TRACE_SAMPLE %.3f (must be 0..1)", a.TraceSample)
	}
	if a.EnablePyroscope {
		if c.required("PYRO_SERVER", a.PyroServer, "ENABLE_PYROSCOPE=true") {
			if u, err := url.Parse(a.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
				c.failf("PYRO_SERVER must be a URL (got %q)", a.PyroServer)
			}
		}
		c.required("PYRO_TENANT", a.PyroTenantID, "ENABLE_PYROSCOPE=true")
	}
	// the gRPC exporter dials host:port with no scheme
	if a.EnableTracing && c.required("OTLP_ENDPOINT", a.OTLPEndpoint, "ENABLE_TRACING=true") {
		if _, _, err := net.SplitHostPort(a.OTLPEndpoint); err != nil {
			c.failf("OTLP_ENDPOINT must be host:port (got %q): %v", a.OTLPEndpoint, err)
		}
	}

	c.oneOf("STORE_BACKEND", a.StoreBackend, StoreMemory, StoreSQLite, StoreS3)
	switch a.StoreBackend {
	case StoreSQLite:
		c.required("STORE_SQLITE_PATH", a.StoreSQLitePath, "STORE_BACKEND=sqlite")
	case StoreS3:
		c.required("STORE_S3_BUCKET", a.StoreS3Bucket, "STORE_BACKEND=s3")
	}
	c.positive("RETENTION", a.Retention)
	c.positive("SWEEP_INTERVAL", a.SweepInterval)

	c.oneOf("SANDBOX_MODE", a.SandboxMode, SandboxInProcess, SandboxSubprocess)
	c.positive("REWRITE_TIMEOUT", a.RewriteTimeout)
	c.oneOf("ORIGIN_SCHEME", a.OriginScheme, "http", "https")
	if a.OriginTLD == "" || strings.ContainsAny(a.OriginTLD, "./: ") {
		c.failf("invalid ORIGIN_TLD %q (must be a single dns label)", a.OriginTLD)
	}
	if a.MaxArchiveBytes < 1 {
		c.failf("invalid MAX_ARCHIVE_BYTES %d (must be > 0)", a.MaxArchiveBytes)
	}
	if a.InstallRate <= 0 {
		c.failf("invalid INSTALL_RATE %.3f (must be > 0)", a.InstallRate)
	}
	if a.InstallBurst < 1 {
		c.failf("invalid INSTALL_BURST %d (must be >= 1)", a.InstallBurst)
	}
	if a.InstallClients < 1 {
		c.failf("invalid INSTALL_MAX_CLIENTS %d (must be >= 1)", a.InstallClients)
	}
	c.positive("INSTALL_IDLE_TTL", a.InstallIdleTTL)

	return errors.Join(c...)
}
