// Package catalog holds the static set of challenges offered to users,
// assembled once at startup from operator configuration.
package catalog

import (
	"log/slog"
	"os"
	"time"

	"github.com/unitedctf/instancer/internal/config"
)

// Challenge binds a user-visible description to an external deployer script
// and a time-to-live. Immutable after Load.
type Challenge struct {
	ID           string
	Name         string
	Description  string
	TTL          uint32 // seconds
	DeployerPath string
}

// TTLDuration returns the challenge's time-to-live as a duration.
func (c *Challenge) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// Catalog maps challenge ids to their definitions. Entries never change
// after Load, so concurrent reads need no synchronization.
type Catalog map[string]*Challenge

// Load builds the catalog from configuration. Entries referencing an
// undefined deployer are dropped silently (the config may legitimately ship
// more challenges than deployers on a given host); entries whose deployer
// executable is missing on disk are dropped with a warning and stay
// invisible to users and workers.
func Load(cfg *config.Config, log *slog.Logger) Catalog {
	if log == nil {
		log = slog.Default()
	}

	challenges := make(Catalog, len(cfg.Challenges))
	for id, cc := range cfg.Challenges {
		deployer, ok := cfg.Deployers[cc.Deployer]
		if !ok {
			continue
		}

		ttl, err := config.ParseTTL(cc.TTL)
		if err != nil {
			// Config validation already rejects bad ttls; this guards
			// callers constructing a Config directly.
			log.Warn("disabled challenge: invalid ttl", "challenge", id, "error", err)
			continue
		}

		if _, err := os.Stat(deployer.Path); err != nil {
			log.Warn("disabled challenge: deployer does not exist",
				"challenge", id, "path", deployer.Path)
			continue
		}

		challenges[id] = &Challenge{
			ID:           id,
			Name:         cc.Name,
			Description:  cc.Description,
			TTL:          ttl,
			DeployerPath: deployer.Path,
		}
	}

	log.Info("catalog loaded", "challenges", len(challenges))
	return challenges
}
