// Package selector picks a backend RouteTarget for a service: a version
// chosen by weight, then round-robin across that version's instances.
package selector

import (
	"fmt"
	"sort"

	"github.com/cuemby/dsr/internal/apperr"
	"github.com/cuemby/dsr/internal/registry"
)

// Select picks one backend for service from reg's current routing
// table. It returns apperr.ErrNoHealthyBackends when the service has no
// targets or no version with positive weight.
func Select(service string, reg *registry.State) (registry.RouteTarget, string, error) {
	targets := reg.GetTargets(service)
	if len(targets) == 0 {
		return registry.RouteTarget{}, "", fmt.Errorf("service %q: %w", service, apperr.ErrNoHealthyBackends)
	}

	byVersion := make(map[string][]registry.RouteTarget)
	weightByVersion := make(map[string]int)
	for _, t := range targets {
		byVersion[t.Version] = append(byVersion[t.Version], t)
		if _, ok := weightByVersion[t.Version]; !ok {
			w := t.Weight
			if w < 0 {
				w = 0
			}
			weightByVersion[t.Version] = w
		}
	}

	versionsOrdered := make([]string, 0, len(weightByVersion))
	for v := range weightByVersion {
		versionsOrdered = append(versionsOrdered, v)
	}
	sort.Strings(versionsOrdered)

	var versions []string
	for _, v := range versionsOrdered {
		w := weightByVersion[v]
		for i := 0; i < w; i++ {
			versions = append(versions, v)
		}
	}
	if len(versions) == 0 {
		return registry.RouteTarget{}, "", fmt.Errorf("service %q: %w", service, apperr.ErrNoHealthyBackends)
	}

	chosenVer := versions[reg.NextIndex("svc:"+service+":ver", len(versions))]
	insts := byVersion[chosenVer]
	if len(insts) == 0 {
		for v, lst := range byVersion {
			if len(lst) > 0 {
				chosenVer = v
				insts = lst
				break
			}
		}
	}
	if len(insts) == 0 {
		return registry.RouteTarget{}, "", fmt.Errorf("service %q: %w", service, apperr.ErrNoHealthyBackends)
	}

	idx := reg.NextIndex("svc:"+service+":inst:"+chosenVer, len(insts))
	return insts[idx], chosenVer, nil
}
