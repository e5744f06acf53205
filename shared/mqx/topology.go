package mqx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"retail-backbone/shared/events"
)

const (
	ServiceInventory = "inventory"
	ServiceCustomers = "customers"
	ServiceCatalog   = "catalog"
	ServiceKardex    = "kardex"
)

// Queue names of the default topology.
const (
	QueueInventoryEvents       = "inventory.events"
	QueueCustomersEvents       = "customers.events"
	QueueCatalogEvents         = "catalog.events"
	QueueKardexSales           = "kardex.sales"
	QueueKardexCreditApprovals = "kardex.credit-approvals"
)

const parkingSuffix = ".parking"

// QueueSpec is one durable queue and the routing keys bound to it.
type QueueSpec struct {
	Name         string   `json:"name"`
	Bindings     []string `json:"bindings"`
	ParkingQueue string   `json:"parking_queue,omitempty"`
}

// Parking returns the queue exhausted or poison messages are moved to.
func (q QueueSpec) Parking() string {
	if strings.TrimSpace(q.ParkingQueue) != "" {
		return strings.TrimSpace(q.ParkingQueue)
	}
	return q.Name + parkingSuffix
}

// Accepts reports whether a message published under routingKey reaches this queue.
func (q QueueSpec) Accepts(routingKey string) bool {
	for _, pattern := range q.Bindings {
		if MatchRoutingKey(pattern, routingKey) {
			return true
		}
	}
	return false
}

type Topology struct {
	Exchange string                 `json:"exchange"`
	Services map[string][]QueueSpec `json:"services"`
}

func DefaultTopology(exchange string) Topology {
	if strings.TrimSpace(exchange) == "" {
		exchange = "retail.events"
	}
	return Topology{
		Exchange: exchange,
		Services: map[string][]QueueSpec{
			ServiceInventory: {{
				Name: QueueInventoryEvents,
				Bindings: []string{
					events.RoutingKeyProductCreated,
					events.RoutingKeyProductUpdated,
					events.RoutingKeyStockReceived,
					events.RoutingKeySaleCompleted,
				},
			}},
			ServiceCustomers: {{
				Name:     QueueCustomersEvents,
				Bindings: []string{events.RoutingKeySaleCompleted},
			}},
			ServiceCatalog: {{
				Name:     QueueCatalogEvents,
				Bindings: []string{events.RoutingKeySalePercentagesUpdated},
			}},
			ServiceKardex: {
				{
					Name:     QueueKardexSales,
					Bindings: []string{events.RoutingKeySaleCompleted},
				},
				{
					Name:     QueueKardexCreditApprovals,
					Bindings: []string{events.RoutingKeyCustomerCreditApproved},
				},
			},
		},
	}
}

// LoadTopology reads a JSON topology file. An empty path yields the default topology.
func LoadTopology(path string, exchange string) (Topology, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTopology(exchange), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("read topology: %w", err)
	}
	var t Topology
	if err := json.Unmarshal(b, &t); err != nil {
		return Topology{}, fmt.Errorf("parse topology: %w", err)
	}
	if strings.TrimSpace(t.Exchange) == "" {
		t.Exchange = exchange
	}
	if err := t.Validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}

func (t Topology) Validate() error {
	if strings.TrimSpace(t.Exchange) == "" {
		return errors.New("topology must define an exchange")
	}
	if len(t.Services) == 0 {
		return errors.New("topology must define services")
	}
	seen := make(map[string]string)
	for service, queues := range t.Services {
		if len(queues) == 0 {
			return fmt.Errorf("service %q must define at least one queue", service)
		}
		for _, q := range queues {
			if strings.TrimSpace(q.Name) == "" {
				return fmt.Errorf("service %q has a queue without a name", service)
			}
			if owner, dup := seen[q.Name]; dup {
				return fmt.Errorf("queue %q declared by both %q and %q", q.Name, owner, service)
			}
			seen[q.Name] = service
			if len(q.Bindings) == 0 {
				return fmt.Errorf("queue %q must bind at least one routing key", q.Name)
			}
			for _, b := range q.Bindings {
				if !ValidPattern(b) {
					return fmt.Errorf("queue %q has invalid binding %q", q.Name, b)
				}
			}
		}
	}
	return nil
}

// ForService narrows the topology to the queues one service owns.
func (t Topology) ForService(service string) (Topology, error) {
	queues, ok := t.Services[service]
	if !ok {
		return Topology{}, fmt.Errorf("topology has no service %q", service)
	}
	return Topology{Exchange: t.Exchange, Services: map[string][]QueueSpec{service: queues}}, nil
}

// Queues returns every queue in a stable order.
func (t Topology) Queues() []QueueSpec {
	names := make([]string, 0, len(t.Services))
	for name := range t.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []QueueSpec
	for _, name := range names {
		out = append(out, t.Services[name]...)
	}
	return out
}

func (t Topology) Queue(name string) (QueueSpec, bool) {
	for _, q := range t.Queues() {
		if q.Name == name {
			return q, true
		}
	}
	return QueueSpec{}, false
}

// MatchRoutingKey applies topic exchange rules: "*" matches exactly one word and
// "#" matches zero or more words.
func MatchRoutingKey(pattern string, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern []string, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}

func ValidPattern(pattern string) bool {
	if strings.TrimSpace(pattern) == "" {
		return false
	}
	for _, word := range strings.Split(pattern, ".") {
		if word == "" {
			return false
		}
		if strings.ContainsAny(word, "*#") && word != "*" && word != "#" {
			return false
		}
	}
	return true
}
