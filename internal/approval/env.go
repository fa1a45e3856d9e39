package approval

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variables carrying the inherited approval-channel descriptors of a subagent.
const (
	EnvRequestFD  = "REDEVEN_APPROVAL_REQUEST_FD"
	EnvResponseFD = "REDEVEN_APPROVAL_RESPONSE_FD"
)

// Descriptor slots used for the child ends, in exec.Cmd.ExtraFiles order.
const (
	ChildRequestFD  = 3
	ChildResponseFD = 4
)

// ParseFD accepts only descriptors above the standard streams.
func ParseFD(raw string) (int, bool) {
	fd, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || fd <= 2 {
		return 0, false
	}
	return fd, true
}

// ChildEnv returns the environment entries announcing the child descriptors.
func ChildEnv() []string {
	return []string{
		fmt.Sprintf("%s=%d", EnvRequestFD, ChildRequestFD),
		fmt.Sprintf("%s=%d", EnvResponseFD, ChildResponseFD),
	}
}

// ChildChannelFromEnv opens the subagent side of the approval channel.
// ok is false when the process was not started as a delegated subagent.
func ChildChannelFromEnv(getenv func(string) string) (*Channel, bool) {
	if getenv == nil {
		getenv = os.Getenv
	}
	reqFD, ok := ParseFD(getenv(EnvRequestFD))
	if !ok {
		return nil, false
	}
	respFD, ok := ParseFD(getenv(EnvResponseFD))
	if !ok || respFD == reqFD {
		return nil, false
	}
	w := os.NewFile(uintptr(reqFD), "approval-request")
	r := os.NewFile(uintptr(respFD), "approval-response")
	if w == nil || r == nil {
		return nil, false
	}
	return NewChannel(r, w), true
}
