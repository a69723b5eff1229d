package protocol

import (
	"errors"
	"strings"
)

var ErrInvalidChannel = errors.New("invalid channel")

// Channel is a hierarchical routing key such as /root/<laoId>/consensus.
type Channel string

const RootChannel Channel = "/root"

func LaoChannel(laoID string) Channel {
	return Channel(string(RootChannel) + "/" + laoID)
}

func ConsensusChannel(laoID string) Channel {
	return LaoChannel(laoID) + "/consensus"
}

func CoinChannel(laoID, publicKey string) Channel {
	return LaoChannel(laoID) + Channel("/coin/"+publicKey)
}

func (c Channel) String() string { return string(c) }

func (c Channel) segments() []string {
	return strings.Split(strings.Trim(string(c), "/"), "/")
}

// LaoID extracts the <laoId> segment. The bare root channel has none.
func (c Channel) LaoID() (string, error) {
	parts := c.segments()
	if len(parts) < 2 || parts[0] != "root" || parts[1] == "" {
		return "", ErrInvalidChannel
	}
	return parts[1], nil
}

// IsLao reports whether c is exactly /root/<laoId>.
func (c Channel) IsLao() bool {
	parts := c.segments()
	return len(parts) == 2 && parts[0] == "root" && parts[1] != ""
}

// ParseChannel accepts /root and any channel below it.
func ParseChannel(s string) (Channel, error) {
	c := Channel("/" + strings.Trim(strings.TrimSpace(s), "/"))
	parts := c.segments()
	if parts[0] != "root" {
		return "", ErrInvalidChannel
	}
	for _, p := range parts[1:] {
		if p == "" {
			return "", ErrInvalidChannel
		}
	}
	return c, nil
}
