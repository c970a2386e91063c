package cache

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/relaymux/relaymux/pkg/types"
)

// Control captures per-request cache directives from request metadata.
type Control struct {
	// Bypass skips both lookup and store (metadata cache: false).
	Bypass bool
	// NoCache skips lookup but still stores the fresh response.
	NoCache bool
	// NoStore serves from cache but never writes.
	NoStore bool
	// TTL overrides the configured default when positive.
	TTL time.Duration
}

// ParseControl extracts cache directives from request metadata. The
// cache field accepts true/false or the strings "no-cache"/"no-store".
// Unrecognized values are ignored.
func ParseControl(md *types.RequestMetadata) Control {
	var ctrl Control
	if md == nil {
		return ctrl
	}

	if md.CacheTTL > 0 {
		ctrl.TTL = time.Duration(md.CacheTTL) * time.Second
	}

	if len(md.Cache) > 0 {
		var b bool
		if err := json.Unmarshal(md.Cache, &b); err == nil {
			ctrl.Bypass = !b
			return ctrl
		}
		var s string
		if err := json.Unmarshal(md.Cache, &s); err == nil {
			switch s {
			case "no-cache":
				ctrl.NoCache = true
			case "no-store":
				ctrl.NoStore = true
			}
		}
	}

	return ctrl
}
