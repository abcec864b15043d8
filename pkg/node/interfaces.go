package node

import (
	"fmt"
	"sort"

	"github.com/svclink/svclink/pkg/iface"
)

// LoadInterfaces loads every interface definition named in the
// configuration. Definitions already loaded are replaced.
func (n *Node) LoadInterfaces() error {
	for _, path := range n.cfg.Interfaces {
		desc, err := iface.LoadDescriptor(path)
		if err != nil {
			return fmt.Errorf("interface %s: %w", path, err)
		}
		n.AddInterface(desc)
		n.logger.Debug("interface loaded", "name", desc.Name(), "version", desc.Version(), "path", path)
	}
	return nil
}

// AddInterface makes desc available by name.
func (n *Node) AddInterface(desc *iface.Descriptor) {
	n.mu.Lock()
	n.interfaces[desc.Name()] = desc
	n.mu.Unlock()
}

// Interface returns a loaded interface by name.
func (n *Node) Interface(name string) (*iface.Descriptor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	desc, ok := n.interfaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoInterface, name)
	}
	return desc, nil
}

// Interfaces returns the names of the loaded interfaces, sorted.
func (n *Node) Interfaces() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.interfaces))
	for name := range n.interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
