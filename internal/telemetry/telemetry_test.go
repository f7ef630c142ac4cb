package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	tel, err := Setup(context.Background(), Config{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, tel)
	require.NoError(t, tel.Shutdown(context.Background()))
}
