package userdir

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDirectory_IsPrivileged(t *testing.T) {
	t.Parallel()

	d := New(NewStaticSource(
		User{ID: "vip-1", Role: "vip"},
		User{ID: "admin-1", Role: "ADMIN"},
		User{ID: "u-1", Role: "user"},
	), nil, 0, zap.NewNop())

	tests := []struct {
		id   string
		want bool
	}{
		{"vip-1", true},
		{"admin-1", true},
		{"u-1", false},
		{"unknown", false},
	}
	for _, tt := range tests {
		got, err := d.IsPrivileged(context.Background(), tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.id)
	}
}

func TestDirectory_Contact(t *testing.T) {
	t.Parallel()

	d := New(NewStaticSource(User{ID: "u-1", Email: "a@example.com", Phone: "+1"}), nil, 0, zap.NewNop())

	c, err := d.Contact(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", c.Email)
	assert.Equal(t, "+1", c.Phone)

	c, err = d.Contact(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, c.Email)
}

type brokenSource struct{}

func (brokenSource) FindUser(context.Context, string) (*User, error) {
	return nil, errors.New("db down")
}

func TestDirectory_SourceError(t *testing.T) {
	t.Parallel()

	d := New(brokenSource{}, nil, 0, zap.NewNop())
	_, err := d.IsPrivileged(context.Background(), "u-1")
	assert.Error(t, err)
}

func TestDirectory_RoleChangeWithoutCache(t *testing.T) {
	t.Parallel()

	src := NewStaticSource(User{ID: "u-1", Role: "user"})
	d := New(src, nil, 0, zap.NewNop())

	got, err := d.IsPrivileged(context.Background(), "u-1")
	require.NoError(t, err)
	assert.False(t, got)

	src.Put(User{ID: "u-1", Role: "vip"})
	require.NoError(t, d.Invalidate(context.Background(), "u-1"))

	got, err = d.IsPrivileged(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, got)
}
