package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger, err := New("debug", "json")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	logger, err = New("info", "console")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = New("verbose", "json")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestSessionIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, SessionIDFromContext(ctx))

	ctx = WithSessionID(ctx, "session-abc123")
	assert.Equal(t, "session-abc123", SessionIDFromContext(ctx))

	fields := ContextFields(ctx)
	require.Len(t, fields, 1)
	assert.Equal(t, "session_id", fields[0].Key)
}
