package discovery

import (
	"fmt"
	"net"
	"strconv"

	"github.com/hashicorp/consul/api"
)

type ConsulClient struct {
	client *api.Client
}

func NewConsulClient(address string) (*ConsulClient, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	return &ConsulClient{client: client}, nil
}

// Registration builds the agent registration for an API instance listening
// on addr, health-checked through its /health endpoint.
func Registration(serviceID, serviceName, host, addr string) (*api.AgentServiceRegistration, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse port %q: %w", portStr, err)
	}

	return &api.AgentServiceRegistration{
		ID:      serviceID,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Tags:    []string{"http", "grpc"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s/health", net.JoinHostPort(host, portStr)),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
	}, nil
}

func (c *ConsulClient) Register(reg *api.AgentServiceRegistration) error {
	return c.client.Agent().ServiceRegister(reg)
}

func (c *ConsulClient) Deregister(serviceID string) error {
	return c.client.Agent().ServiceDeregister(serviceID)
}
