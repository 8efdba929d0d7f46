package nsq

import (
	"github.com/zeebo/xxh3"

	"github.com/pior/nsq/internal"
)

// ServerSelector picks the daemon a topic is published to.
// It receives the topic and the number of daemons and returns an index.
type ServerSelector func(topic string, serverCount int) int

// DefaultServerSelector hashes the topic with xxh3 and maps it with Jump Hash,
// so a topic sticks to one daemon and few topics move when daemons are added.
func DefaultServerSelector(topic string, serverCount int) int {
	return internal.JumpHash(xxh3.HashString(topic), serverCount)
}

// staticSelector is used in tests to always select a specific server.
func staticSelector(index int) ServerSelector {
	return func(topic string, serverCount int) int {
		return index % serverCount
	}
}
