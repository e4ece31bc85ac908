package upstream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultTokenSourceFromUserCredentials(t *testing.T) {
	// Token fetch is lazy, so building the source from a credentials file
	// must succeed without any network access.
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	blob := `{"type":"authorized_user","client_id":"cid","client_secret":"cs","refresh_token":"rt"}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0o600))
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", path)

	ts, err := DefaultTokenSource()
	require.NoError(t, err)
	require.NotNil(t, ts)
}
