// Package config declares the yaml-tagged option structs the core
// expects already decoded, per spec.md §6 and SPEC_FULL.md's ambient
// stack. Load, called only from cmd/flexisipd, is the one place that
// reads the file; the packages under internal/ consume the decoded
// structs, matching livekit-sip's and zurustar-xylitol2's split between
// file I/O and the decoded struct the rest of the program consumes.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Router is the `router` section of spec.md §6.
type Router struct {
	FallbackRoute       string   `yaml:"fallback-route"`
	FallbackRouteFilter string   `yaml:"fallback-route-filter"`
	StaticTargets       []string `yaml:"static-targets"`
	CallForkLate        bool     `yaml:"call-fork-late"`
}

// Auth is the `auth` section of spec.md §6.
type Auth struct {
	Realm         string        `yaml:"realm"`
	NonceExpire   time.Duration `yaml:"nonce-expire"`
	QopAuth       bool          `yaml:"qop-auth"`
	TrustedHosts  []string      `yaml:"trusted-hosts"`
	Algorithms    []string      `yaml:"algorithms"`
}

// B2BUA is the `b2bua` section of spec.md §6.
type B2BUA struct {
	Application             string        `yaml:"application"`
	NoRTPTimeout             time.Duration `yaml:"no-rtp-timeout"`
	MaxCallDuration          time.Duration `yaml:"max-call-duration"`
	OneConnectionPerAccount bool          `yaml:"one-connection-per-account"`
}

// Pool is the `pool` section of spec.md §6.
type Pool struct {
	RegistrationThrottlingRateMs int    `yaml:"registrationThrottlingRateMs"`
	UnregisterOnServerShutdown   bool   `yaml:"unregisterOnServerShutdown"`
	MWIServerURI                 string `yaml:"mwiServerUri"`
}

// Redis configures the optional registrar/account-pool backing store.
type Redis struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the whole of the core's recognised configuration surface.
type Config struct {
	Router Router `yaml:"router"`
	Auth   Auth   `yaml:"auth"`
	B2BUA  B2BUA  `yaml:"b2bua"`
	Pool   Pool   `yaml:"pool"`
	Redis  Redis  `yaml:"redis"`

	SelfURI    string `yaml:"self-uri"`
	ListenAddr string `yaml:"listen-addr"`
	MetricsAddr string `yaml:"metrics-addr"`
}

// Load reads and decodes a yaml config file. This lives in cmd's path
// to the core, not in the core itself: spec.md §1 keeps file parsing
// out of scope for the components under internal/.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read file")
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "config: parse yaml")
	}
	return &c, nil
}
