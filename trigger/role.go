/*Package trigger manages the trigger topology of a run.

Exactly one participant is the Master: it is triggered over the bus by
software and drives the external trigger line.  Every other participant is a
Slave listening on that line.  A Manager refuses to be built around any other
arrangement, and its Fire method only triggers the Master once every
participant reports that it is armed.
*/
package trigger

import (
	"strings"

	"github.com/pkg/errors"
)

// Role is a participant's place in the trigger topology
type Role int

const (
	// Slave participants are armed on the external trigger line
	Slave Role = iota
	// Master is the single participant that is triggered in software and drives the line
	Master
)

// ErrUnknownRole is returned by ParseRole
var ErrUnknownRole = errors.New("unknown trigger role")

func (r Role) String() string {
	if r == Master {
		return "Master"
	}
	return "Slave"
}

// ParseRole reads a role name.  Captain and Gunner are accepted as
// older names for Master and Slave.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "master", "captain":
		return Master, nil
	case "slave", "gunner", "":
		return Slave, nil
	}
	return Slave, errors.Wrapf(ErrUnknownRole, "%q", s)
}
