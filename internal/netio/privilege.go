//go:build unix

package netio

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/logging"
)

// Privileged reports whether the process looks able to open raw sockets.
// The authoritative check is socket creation itself; this exists so the CLI
// can fail with a clear message before doing any work.
func Privileged() bool {
	return os.Geteuid() == 0
}

// DropPrivileges abandons root after the raw sockets are open, before any
// scan logic runs. Under sudo it returns to the invoking user; for a plain
// root shell there is nobody to drop to and the call is a no-op.
func DropPrivileges(logger *logging.Logger) error {
	if os.Geteuid() != 0 {
		return nil
	}

	uidStr := os.Getenv("SUDO_UID")
	gidStr := os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		logger.Debug("no sudo caller to drop privileges to")
		return nil
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "bad SUDO_UID", err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "bad SUDO_GID", err)
	}

	// Group first: dropping the user first would leave no permission to
	// change groups.
	if err := unix.Setgid(gid); err != nil {
		return errors.WrapProbeError(errors.CodePrivilegeDenied, "cannot drop group", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return errors.WrapProbeError(errors.CodePrivilegeDenied, "cannot drop user", err)
	}

	logger.Info("dropped privileges", "uid", uid, "gid", gid)
	return nil
}
