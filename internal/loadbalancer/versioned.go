package loadbalancer

import (
	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/registry"
)

// Tier is the rung of the version ladder a decision was made on.
type Tier string

const (
	TierGray    Tier = "gray"
	TierDefault Tier = "default"
	TierAny     Tier = "any"
)

// isDefault reports whether inst serves the stable version. Instances
// without version metadata count as stable.
func isDefault(inst *registry.Instance, defaultVersion string) bool {
	v := inst.Version()
	return v == "" || v == defaultVersion
}

func filter(instances []*registry.Instance, keep func(*registry.Instance) bool) []*registry.Instance {
	var out []*registry.Instance
	for _, inst := range instances {
		if keep(inst) {
			out = append(out, inst)
		}
	}
	return out
}

// candidates walks the ladder gray -> default -> any. Ineligible callers
// start at the default rung, so they only see gray instances when nothing
// else exists.
func candidates(instances []*registry.Instance, sc config.ServiceConfig, eligible bool) ([]*registry.Instance, Tier) {
	if eligible && sc.GrayVersion != "" {
		if gray := filter(instances, func(i *registry.Instance) bool {
			return i.Version() == sc.GrayVersion
		}); len(gray) > 0 {
			return gray, TierGray
		}
	}
	if def := filter(instances, func(i *registry.Instance) bool {
		return isDefault(i, sc.DefaultVersion)
	}); len(def) > 0 {
		return def, TierDefault
	}
	return instances, TierAny
}
