package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/stratdesk/internal/domain/strategy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, found, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected defaults when file is absent")
	}
	if cfg.Cache.Driver != CacheMemory {
		t.Fatalf("expected memory cache, got %q", cfg.Cache.Driver)
	}
	if len(cfg.Strategies) != 3 {
		t.Fatalf("expected shipped catalog, got %d strategies", len(cfg.Strategies))
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadOrDefaultReportsParseErrors(t *testing.T) {
	path := writeConfig(t, "environment: [")
	if _, _, err := LoadOrDefault(context.Background(), path); err == nil {
		t.Fatalf("expected parse error to surface")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: PROD
apiServer:
  addr: ":9999"
channel:
  url: wss://backend.internal/ws
  pingInterval: 15s
  sendBurst: 4
sync:
  startTimeout: 45s
  pullInterval: 1m
strategies:
  - id: iron-condor
    backendId: iron_condor
    script: iron_condor.py
    fallback: true
  - id: mean-revert
cache:
  driver: Postgres
  writeBehind: true
  database:
    dsn: postgresql://db:5432/stratdesk
    runMigrations: true
telemetry:
  otlpEndpoint: http://collector:4318
  enableMetrics: true
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("expected prod, got %q", cfg.Environment)
	}
	if cfg.Channel.PingInterval != 15*time.Second || cfg.Channel.SendBurst != 4 {
		t.Fatalf("unexpected channel config %+v", cfg.Channel)
	}
	if cfg.Sync.StartTimeout != 45*time.Second || cfg.Sync.PullInterval != time.Minute {
		t.Fatalf("unexpected sync config %+v", cfg.Sync)
	}
	if cfg.Cache.Driver != CachePostgres || !cfg.Cache.WriteBehind {
		t.Fatalf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Cache.Database.MaxConns != 4 || cfg.Cache.Database.QueryTimeout != 5*time.Second {
		t.Fatalf("expected database defaults, got %+v", cfg.Cache.Database)
	}
	if cfg.Telemetry.ServiceName != "stratdesk" {
		t.Fatalf("expected default service name, got %q", cfg.Telemetry.ServiceName)
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	backend, ok := catalog.Backend("mean-revert")
	if !ok || backend != strategy.BackendID("mean_revert") {
		t.Fatalf("expected derived backend id, got %q", backend)
	}
	def, _ := catalog.Lookup("iron-condor")
	if !def.Fallback || def.Script != "iron_condor.py" {
		t.Fatalf("unexpected definition %+v", def)
	}
}

func TestParseKeepsDefaultCatalogWhenOmitted(t *testing.T) {
	cfg, err := Parse([]byte(`
apiServer:
  addr: ":8080"
channel:
  url: ws://localhost:1/ws
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected dev default, got %q", cfg.Environment)
	}
	if len(cfg.Strategies) != 3 {
		t.Fatalf("expected default strategies, got %d", len(cfg.Strategies))
	}
	if cfg.Fallback.Directory != "fallback" {
		t.Fatalf("unexpected fallback dir %q", cfg.Fallback.Directory)
	}
}

func TestPullIntervalDefaultsAndDisable(t *testing.T) {
	cfg, err := Parse([]byte("apiServer: {addr: ':1'}\nchannel: {url: 'ws://x'}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Sync.PullInterval != time.Minute {
		t.Fatalf("expected one minute pull interval, got %v", cfg.Sync.PullInterval)
	}
	cfg, err = Parse([]byte("apiServer: {addr: ':1'}\nchannel: {url: 'ws://x'}\nsync: {pullInterval: -1s}\n"))
	if err != nil {
		t.Fatalf("negative pull interval disables polling: %v", err)
	}
	if cfg.Sync.PullInterval >= 0 {
		t.Fatalf("expected negative pull interval to be kept, got %v", cfg.Sync.PullInterval)
	}
}

func TestFileCacheGetsDefaultPath(t *testing.T) {
	cfg, err := Parse([]byte(`
apiServer:
  addr: ":8080"
channel:
  url: ws://localhost:1/ws
cache:
  driver: file
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Cache.Path != filepath.Join("data", "runstate.json") {
		t.Fatalf("unexpected cache path %q", cfg.Cache.Path)
	}
}

func TestValidateRejectsBadSections(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"environment": {
			yaml: "environment: qa\napiServer: {addr: ':1'}\nchannel: {url: 'ws://x'}\n",
			want: "environment must be one of",
		},
		"channel scheme": {
			yaml: "apiServer: {addr: ':1'}\nchannel: {url: 'http://x'}\n",
			want: "ws:// or wss://",
		},
		"missing addr": {
			yaml: "channel: {url: 'ws://x'}\n",
			want: "apiServer addr required",
		},
		"negative timeout": {
			yaml: "apiServer: {addr: ':1'}\nchannel: {url: 'ws://x'}\nsync: {startTimeout: -1s}\n",
			want: "startTimeout",
		},
		"duplicate strategy": {
			yaml: "apiServer: {addr: ':1'}\nchannel: {url: 'ws://x'}\nstrategies: [{id: pml}, {id: pml, backendId: pml2}]\n",
			want: "strategies",
		},
		"empty catalog": {
			yaml: "apiServer: {addr: ':1'}\nchannel: {url: 'ws://x'}\nstrategies: []\n",
			want: "at least one strategy",
		},
		"postgres without write-behind": {
			yaml: "apiServer: {addr: ':1'}\nchannel: {url: 'ws://x'}\ncache: {driver: postgres, database: {dsn: 'postgresql://db/x'}}\n",
			want: "requires writeBehind",
		},
		"cache driver": {
			yaml: "apiServer: {addr: ':1'}\nchannel: {url: 'ws://x'}\ncache: {driver: redis}\n",
			want: "cache driver",
		},
		"metrics endpoint": {
			yaml: "apiServer: {addr: ':1'}\nchannel: {url: 'ws://x'}\ntelemetry: {enableMetrics: true}\n",
			want: "otlpEndpoint",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}
