package archive

import (
	"context"
	"testing"
	"time"

	"example.com/crm/services/analytics/internal/messaging"

	"github.com/stretchr/testify/require"
)

func TestObjectKeyLayout(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)

	key := ObjectKey(ts, "entity-created", "7f9c24e5-1a2b-4c3d-8e9f-0a1b2c3d4e5f")

	require.Equal(t, "events/2026/03/05/entity-created/7f9c24e5-1a2b-4c3d-8e9f-0a1b2c3d4e5f.json", key)
}

func TestObjectKeyIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)

	first := ObjectKey(ts, "entity-deleted", "abc")
	second := ObjectKey(ts, "entity-deleted", "abc")

	require.Equal(t, first, second)
}

func TestDisabledArchiverIsNoOp(t *testing.T) {
	archiver := &S3Archiver{enabled: false}

	err := archiver.Archive(context.Background(), &messaging.Envelope{EventID: "abc"})

	require.NoError(t, err)
}
