package config

// Default values for optional settings. Every knob has a default so a minimal
// config file only needs credentials and the database URL.
const (
	DefaultMaxConcurrentRepositories = 10
	DefaultMaxPRsPerRepository       = 1000
	DefaultCacheTTLSeconds           = 300
	DefaultBatchSize                 = 100
	DefaultDiscoveryTimeoutSeconds   = 300
	DefaultIntervalSeconds           = 300
	DefaultL1MaxEntries              = 2048
	DefaultSubjectPrefix             = "prmonitor"
	DefaultServerAddr                = ":8080"
	DefaultAPIURL                    = "https://api.github.com"
)

func boolPtr(b bool) *bool { return &b }

func (c *Config) applyDefaults() {
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = DefaultAPIURL
	}
	if c.Cache.L1MaxEntries <= 0 {
		c.Cache.L1MaxEntries = DefaultL1MaxEntries
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}

	d := &c.Discovery
	if d.MaxConcurrentRepositories <= 0 {
		d.MaxConcurrentRepositories = DefaultMaxConcurrentRepositories
	}
	if d.MaxPRsPerRepository <= 0 {
		d.MaxPRsPerRepository = DefaultMaxPRsPerRepository
	}
	if d.CacheTTLSeconds <= 0 {
		d.CacheTTLSeconds = DefaultCacheTTLSeconds
	}
	if d.BatchSize <= 0 {
		d.BatchSize = DefaultBatchSize
	}
	if d.DiscoveryTimeoutSeconds <= 0 {
		d.DiscoveryTimeoutSeconds = DefaultDiscoveryTimeoutSeconds
	}
	if d.IntervalSeconds <= 0 {
		d.IntervalSeconds = DefaultIntervalSeconds
	}
	if d.UseETagCaching == nil {
		d.UseETagCaching = boolPtr(true)
	}
	if d.PriorityScheduling == nil {
		d.PriorityScheduling = boolPtr(true)
	}
}
