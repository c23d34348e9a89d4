package executor

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// credentialFor resolves a user name to process credentials.
// Returns nil when name is the current user, so no setuid is attempted.
func credentialFor(name string) (*syscall.Credential, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("executor: run-as user %q: %w", name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("executor: run-as user %q has non-numeric uid %q", name, u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("executor: run-as user %q has non-numeric gid %q", name, u.Gid)
	}
	if int(uid) == os.Getuid() {
		return nil, nil
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
