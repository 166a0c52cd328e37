package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleCatalog = `{
	"version": "2026.1",
	"items": [
		{"code": "PR.AC", "display_name": "Access Control", "grouping_key": "PR",
		 "questions": ["Identities are managed", "Access is least-privilege"]},
		{"code": "DE.CM", "display_name": "Continuous Monitoring", "grouping_key": "DE",
		 "questions": ["Networks are monitored"]},
		{"code": "", "display_name": "ignored"}
	]
}`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Equal(t, "2026.1", c.Version())

	item := c.ByCode("PR.AC")
	require.NotNil(t, item)
	require.Equal(t, "Access Control", item.DisplayName)
	require.Equal(t, "PR", item.GroupingKey)
	require.Len(t, item.Questions, 2)

	require.Nil(t, c.ByCode("XX.YY"))
	require.Equal(t, []string{"DE.CM", "PR.AC"}, c.Codes())
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("{nope"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Codes(), 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
