package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/types"
)

func TestLinesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "structures.txt")
	require.NoError(t, os.WriteFile(path, []byte("# curated\nUPO_1\n\n  UPO_2  \n#UPO_3\n"), 0o644))

	lines, err := LinesFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"UPO_1", "UPO_2"}, lines)

	_, err = LinesFromFile(filepath.Join(t.TempDir(), "absent.txt"))
	assert.True(t, types.IsErrorCode(err, types.ErrMissingInput))
}

func TestLinesValue(t *testing.T) {
	lines := []string{"UPO_1", "UPO_2"}

	v, err := LinesValue(lines, artifacts.Schema{Name: "names", Version: 1, Kind: artifacts.KindTable, Columns: []string{"struct_name"}})
	require.NoError(t, err)
	require.NotNil(t, v.Table)
	assert.Equal(t, lines, v.Table.Column("struct_name"))

	v, err = LinesValue(lines, artifacts.Schema{Name: "names", Version: 1, Kind: artifacts.KindTable})
	require.NoError(t, err)
	assert.Equal(t, lines, v.Table.Column("value"))

	v, err = LinesValue(lines, hintSchema)
	require.NoError(t, err)
	assert.Equal(t, lines, v.Document)

	_, err = LinesValue(lines, pocketsSchema)
	assert.True(t, types.IsErrorCode(err, types.ErrSchemaMismatch))
}
