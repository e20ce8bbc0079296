package registry

import (
	"fmt"
	"log/slog"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
)

// Registration describes one Consul service this process announces.
type Registration struct {
	Name string
	Host string
	Port int
	Tags []string
}

// RegisterSelf announces a service with the local Consul agent. Services
// carrying the websocket tag get a TCP health check; everything else gets
// an HTTP check against /health. Checks run every 10s and a service that
// stays critical for a minute is deregistered by Consul itself.
func (r *Registry) RegisterSelf(reg Registration) error {
	id := fmt.Sprintf("%s-%s-%d", reg.Name, reg.Host, reg.Port)

	check := &consulapi.AgentServiceCheck{
		Interval:                       "10s",
		Timeout:                        "2s",
		DeregisterCriticalServiceAfter: "1m",
	}
	if hasTag(reg.Tags, "websocket") {
		check.TCP = fmt.Sprintf("%s:%d", reg.Host, reg.Port)
	} else {
		check.HTTP = fmt.Sprintf("http://%s:%d/health", reg.Host, reg.Port)
	}

	err := r.consul.Agent().ServiceRegister(&consulapi.AgentServiceRegistration{
		ID:      id,
		Name:    reg.Name,
		Address: reg.Host,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Check:   check,
	})
	if err != nil {
		return fmt.Errorf("failed to register service %s: %w", id, err)
	}

	r.mu.Lock()
	r.registeredIDs = append(r.registeredIDs, id)
	r.mu.Unlock()

	slog.Info("Registered with consul", "id", id, "tags", strings.Join(reg.Tags, ","))
	return nil
}

// DeregisterSelf removes every id this process registered. Failures are
// logged and the remaining ids are still attempted.
func (r *Registry) DeregisterSelf() {
	r.mu.Lock()
	ids := r.registeredIDs
	r.registeredIDs = nil
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.consul.Agent().ServiceDeregister(id); err != nil {
			slog.Warn("Failed to deregister service", "id", id, "error", err)
			continue
		}
		slog.Info("Deregistered from consul", "id", id)
	}
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
