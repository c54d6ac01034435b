package imap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail-leases/internal/testutil"
)

func TestListFolders(t *testing.T) {
	t.Run("returns error for nil client", func(t *testing.T) {
		_, err := ListFolders(nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "client is nil")
	})

	t.Run("lists folders of the memory backend", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		server.CreateFolder(t, "Archive")
		c, cleanup := server.Connect(t)
		t.Cleanup(cleanup)

		folders, err := ListFolders(c)
		require.NoError(t, err)

		names := make(map[string]bool)
		for _, f := range folders {
			names[f.Name] = true
		}
		assert.True(t, names["INBOX"], "should find INBOX folder")
		assert.True(t, names["Archive"], "should find created folder")
	})

	t.Run("handles network errors during list", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		c, _ := server.Connect(t)
		_ = c.Logout() // Close the client to simulate network error

		_, err := ListFolders(c)
		assert.Error(t, err, "should error when client is closed")
	})
}
