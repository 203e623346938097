package dbconn

import (
	"testing"

	"github.com/block/reshard/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientOptions(t *testing.T) {
	path := testutils.WriteFile(t, "my.cnf", `[client]
user = resharder
password = "s3cret"
host = db.internal
port = 3307
`)
	opts, err := LoadClientOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "resharder", opts.User)
	require.NotNil(t, opts.Password)
	assert.Equal(t, "s3cret", *opts.Password)
	assert.Equal(t, 3307, opts.Port)

	dsn, err := opts.ApplyTo("root@tcp(127.0.0.1:3306)/ds_0")
	require.NoError(t, err)
	assert.Equal(t, "resharder:s3cret@tcp(db.internal:3307)/ds_0", dsn)
}

func TestDSNWithDefaultsFile(t *testing.T) {
	dsn, err := DSNWithDefaultsFile("root@tcp(127.0.0.1:3306)/ds_0", "")
	assert.NoError(t, err)
	assert.Equal(t, "root@tcp(127.0.0.1:3306)/ds_0", dsn)

	path := testutils.WriteFile(t, "my.cnf", "[mysqld]\nport = 1\n")
	dsn, err = DSNWithDefaultsFile("root@tcp(127.0.0.1:3306)/ds_0", path)
	assert.NoError(t, err)
	assert.Equal(t, "root@tcp(127.0.0.1:3306)/ds_0", dsn)

	_, err = DSNWithDefaultsFile("root@tcp(127.0.0.1:3306)/ds_0", "/does/not/exist.cnf")
	assert.Error(t, err)
}
