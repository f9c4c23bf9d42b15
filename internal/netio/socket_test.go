//go:build unix

package netio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/logging"
)

func TestOpenWithoutPrivilegesFails(t *testing.T) {
	if Privileged() {
		t.Skip("running with raw socket privileges")
	}

	_, err := Open(logging.NewDefault())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodePrivilegeDenied))
	assert.True(t, errors.IsFatal(err))
}

func TestDropPrivilegesWithoutRootIsNoop(t *testing.T) {
	if Privileged() {
		t.Skip("running as root")
	}

	assert.NoError(t, DropPrivileges(logging.NewDefault()))
}
