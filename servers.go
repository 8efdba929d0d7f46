package nsq

// Servers provides the daemon addresses a Producer publishes to.
type Servers interface {
	List() []string
}

type staticServers struct {
	addrs []string
}

// NewStaticServers returns a fixed list of daemon addresses.
func NewStaticServers(addrs ...string) Servers {
	return &staticServers{addrs: addrs}
}

func (s *staticServers) List() []string {
	return s.addrs
}
