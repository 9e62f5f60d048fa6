package normalizer

import (
	"sort"
	"strings"
	"sync"
)

// DefaultEntityTypes are the entity types the PSA platform emits webhooks for.
var DefaultEntityTypes = []string{
	"Account",
	"Appointment",
	"Attachment",
	"BillingItem",
	"Company",
	"CompanyLocation",
	"ConfigurationItem",
	"Contact",
	"Contract",
	"ContractService",
	"Expense",
	"Invoice",
	"Note",
	"Opportunity",
	"Phase",
	"Product",
	"Project",
	"PurchaseOrder",
	"Quote",
	"Resource",
	"Service",
	"ServiceCall",
	"Subscription",
	"Task",
	"Ticket",
	"TicketNote",
	"TimeEntry",
}

// EntityRegistry resolves entity type names case-insensitively to their
// canonical spelling.
type EntityRegistry struct {
	mu    sync.RWMutex
	types map[string]string
}

func NewEntityRegistry(names ...string) *EntityRegistry {
	r := &EntityRegistry{types: make(map[string]string, len(names))}
	for _, name := range names {
		r.Register(name)
	}
	return r
}

func (r *EntityRegistry) Register(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	r.types[strings.ToLower(name)] = name
	r.mu.Unlock()
}

func (r *EntityRegistry) Lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.types[strings.ToLower(strings.TrimSpace(name))]
	return canonical, ok
}

func (r *EntityRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.types))
	for _, name := range r.types {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
