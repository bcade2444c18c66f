package conf

import (
	"time"

	middlewarev1 "github.com/kestrelproxy/kestrel/api/defined/v1/middleware"
)

type Bootstrap struct {
	Strict   bool    `json:"strict" yaml:"strict"`
	Hostname string  `json:"hostname" yaml:"hostname"`
	PidFile  string  `json:"pidfile" yaml:"pidfile"`
	Logger   *Logger `json:"logger" yaml:"logger"`
	Server   *Server `json:"server" yaml:"server"`
	Cache    *Cache  `json:"cache" yaml:"cache"`
	Tunnel   *Tunnel `json:"tunnel" yaml:"tunnel"`
}

// Cache configures the in-memory object store and disk cache built
// from internal/chunkpool, internal/cacheobj, internal/diskcache and
// internal/freshness.
type Cache struct {
	ChunkSize          uint64        `json:"chunk_size" yaml:"chunk_size"`
	ChunkLowWater      uint64        `json:"chunk_low_water" yaml:"chunk_low_water"`
	ChunkCriticalWater uint64        `json:"chunk_critical_water" yaml:"chunk_critical_water"`
	ChunkHighWater     uint64        `json:"chunk_high_water" yaml:"chunk_high_water"`
	ObjectLowWater     uint64        `json:"object_low_water" yaml:"object_low_water"`
	ObjectHighWater    uint64        `json:"object_high_water" yaml:"object_high_water"`
	DiskRoot           string        `json:"disk_root" yaml:"disk_root"`
	DiskIdleTime       time.Duration `json:"disk_idle_time" yaml:"disk_idle_time"`
	MaxExpiresAge      time.Duration `json:"max_expires_age" yaml:"max_expires_age"`
	MaxAge             time.Duration `json:"max_age" yaml:"max_age"`
	MaxAgeFraction     float64       `json:"max_age_fraction" yaml:"max_age_fraction"`
	MaxNoModifiedAge   time.Duration `json:"max_no_modified_age" yaml:"max_no_modified_age"`
	MindlesslyVary     bool          `json:"mindlessly_cache_vary" yaml:"mindlessly_cache_vary"`
	DontCacheCookies   bool          `json:"dont_cache_cookies" yaml:"dont_cache_cookies"`
	Shared             bool          `json:"shared" yaml:"shared"`
	VaryHeaders        []string      `json:"vary_headers" yaml:"vary_headers"`
	VaryLimit          int           `json:"vary_limit" yaml:"vary_limit"`
	FuzzyRefresh       time.Duration `json:"fuzzy_refresh" yaml:"fuzzy_refresh"`
	FuzzyRefreshRate   float64       `json:"fuzzy_refresh_rate" yaml:"fuzzy_refresh_rate"`
}

// Tunnel configures CONNECT-method handling.
type Tunnel struct {
	AllowedPorts []int         `json:"allowed_ports" yaml:"allowed_ports"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ParentProxy  string        `json:"parent_proxy" yaml:"parent_proxy"`
}

type Logger struct {
	Level      string `json:"level" yaml:"level"`
	Path       string `json:"path" yaml:"path"`
	Caller     bool   `json:"caller" yaml:"caller"`
	TraceID    bool   `json:"traceid" yaml:"traceid"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
	NoPid      bool   `json:"nopid" yaml:"nopid"`
}

type Server struct {
	Addr               string                     `json:"addr" yaml:"addr"`
	ReadTimeout        time.Duration              `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout       time.Duration              `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout        time.Duration              `json:"idle_timeout" yaml:"idle_timeout"`
	ReadHeaderTimeout  time.Duration              `json:"read_header_timeout" yaml:"read_header_timeout"`
	MaxHeaderBytes     int                        `json:"max_header_bytes" yaml:"max_header_bytes"`
	Middleware         []*middlewarev1.Middleware `json:"middleware" yaml:"middleware"`
	PProf              *ServerPProf               `json:"pprof" yaml:"pprof"`
	AccessLog          *ServerAccessLog           `json:"access_log" yaml:"access_log"`
	LocalApiAllowHosts []string                   `json:"local_api_allow_hosts" yaml:"local_api_allow_hosts"`
}

type ServerPProf struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type ServerAccessLog struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	Encrypt struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Secret  string `json:"secret" yaml:"secret"`
	} `json:"encrypt" yaml:"encrypt"`
}

