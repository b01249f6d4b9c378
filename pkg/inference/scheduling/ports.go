package scheduling

import (
	"fmt"
	"net"
	"sync"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
)

const (
	// DefaultBasePort is the first port handed out to engine children.
	DefaultBasePort = 30000
	// DefaultPortRangeSize bounds the allocation range.
	DefaultPortRangeSize = 1000
)

// PortAllocator hands out loopback ports for engine children. A port is
// reserved for its owner until released; availability is verified by a
// bind check, so ports taken by unrelated processes are skipped.
type PortAllocator struct {
	basePort int
	maxPort  int

	mu   sync.Mutex
	used map[int]string // port -> model id
}

// NewPortAllocator creates an allocator over the default range.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		basePort: DefaultBasePort,
		maxPort:  DefaultBasePort + DefaultPortRangeSize,
		used:     make(map[int]string),
	}
}

// Allocate reserves an available port for owner.
func (a *PortAllocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.basePort; port < a.maxPort; port++ {
		if _, taken := a.used[port]; taken {
			continue
		}
		if !portBindable(port) {
			continue
		}
		a.used[port] = owner
		return port, nil
	}
	return 0, inference.NewError(inference.KindInternal,
		"no available ports in range %d-%d", a.basePort, a.maxPort-1)
}

// Release frees a reserved port.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

func portBindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
