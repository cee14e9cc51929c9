package xmsg

import "strings"

// Address is the logical identity of a component. Addresses compare by value.
type Address string

// Well-known component addresses.
const (
	CommandBusAddress  Address = "CommandBus"
	EventBusAddress    Address = "EventBus"
	DocumentBusAddress Address = "DocumentBus"

	Risk      Address = "Risk"
	Data      Address = "Data"
	Execution Address = "Execution"
	Portfolio Address = "Portfolio"
	Trader    Address = "Trader"
	Gateway   Address = "Gateway"
)

// NewAddress validates s and returns it as an Address.
func NewAddress(s string) (Address, error) {
	if strings.TrimSpace(s) == "" {
		return "", ErrInvalidAddress
	}
	return Address(s), nil
}

func (a Address) String() string { return string(a) }

// Valid reports whether a is non-empty.
func (a Address) Valid() bool { return strings.TrimSpace(string(a)) != "" }
