package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestInstrumented(t *testing.T) *InstrumentedBackend {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return NewInstrumentedBackend(fs, "derivatives")
}

func TestInstrumentedBackend_WriteRead(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "k.webp", []byte("hello world")))

	got, err := ib.Read(ctx, "k.webp")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	ib := newTestInstrumented(t)

	_, err := ib.Read(context.Background(), "nonexistent.jpg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_ExistsDeleteList(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "a.png", []byte("data")))

	exists, err := ib.Exists(ctx, "a.png")
	require.NoError(t, err)
	require.True(t, exists)

	entries, err := ib.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, ib.Delete(ctx, "a.png"))
	exists, err = ib.Exists(ctx, "a.png")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_PathAndUnwrap(t *testing.T) {
	ib := newTestInstrumented(t)
	fs := ib.Unwrap().(*Filesystem)
	require.Equal(t, fs.Path("x.jpg"), ib.Path("x.jpg"))
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
