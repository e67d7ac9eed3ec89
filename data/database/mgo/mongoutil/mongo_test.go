package mongoutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateBuildsURIFromAddress(t *testing.T) {
	c := &Config{Address: []string{"m1:27017", "m2:27017"}, Database: "realtime", Username: "rt", Password: "pw"}
	require.NoError(t, c.ValidateAndSetDefaults())
	require.Equal(t, "mongodb://rt:pw@m1:27017,m2:27017/realtime?authSource=realtime&maxPoolSize=100", c.Uri)
	require.Equal(t, defaultMaxRetry, c.MaxRetry)
}

func TestValidateRejectsIncomplete(t *testing.T) {
	require.Error(t, (&Config{Database: "realtime"}).ValidateAndSetDefaults())
	require.Error(t, (&Config{Uri: "mongodb://localhost"}).ValidateAndSetDefaults())

	c := &Config{Uri: "mongodb://localhost:27017", Database: "realtime", MaxPoolSize: 7}
	require.NoError(t, c.ValidateAndSetDefaults())
	require.Equal(t, "mongodb://localhost:27017", c.Uri)
	require.Equal(t, 7, c.MaxPoolSize)
}
