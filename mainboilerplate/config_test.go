package mainboilerplate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigPrefixes(t *testing.T) {
	t.Setenv("DDS_CONFIG_ROOT", "/etc/dds")
	t.Setenv("HOME", "/home/user")
	t.Setenv("UserProfile", "")

	require.Equal(t, []string{
		"/etc/dds",
		".",
		filepath.Join("/home/user", ".config", "dds"),
	}, ConfigPrefixes())

	t.Setenv("DDS_CONFIG_ROOT", "")
	require.Equal(t, []string{".", filepath.Join("/home/user", ".config", "dds")}, ConfigPrefixes())
}
