package registry

import (
	"fmt"

	"github.com/burrownet/burrow/internal/domain"
)

// portAllocator hands out public endpoint ports from a fixed range, always
// picking the lowest free port so released ports are reused promptly.
// Ports held by non-closed bindings are never reissued; closing a binding
// returns its port to the pool. Not safe for concurrent use; callers hold
// the registry lock.
type portAllocator struct {
	min, max int
	used     map[int]string // port → binding id
}

func newPortAllocator(min, max int) *portAllocator {
	return &portAllocator{min: min, max: max, used: make(map[int]string)}
}

func (p *portAllocator) allocate(bindingID string) (int, error) {
	for port := p.min; port <= p.max; port++ {
		if _, taken := p.used[port]; taken {
			continue
		}
		p.used[port] = bindingID
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free endpoint port in %d-%d", domain.ErrResourceExhausted, p.min, p.max)
}

func (p *portAllocator) release(port int) {
	delete(p.used, port)
}
