package sessions

import (
	"context"
	"errors"
	"net/http"
	"testing"

	skerrors "github.com/alexjbarnes/sessionkeeper/internal/errors"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestRegistry(t *testing.T) (*Registry, *MockAPI, *MockSessionIDSource) {
	t.Helper()

	ctrl := gomock.NewController(t)
	api := NewMockAPI(ctrl)
	ids := NewMockSessionIDSource(ctrl)

	return New(api, ids, nil), api, ids
}

func TestList_MarksCurrent(t *testing.T) {
	r, api, ids := newTestRegistry(t)

	api.EXPECT().Sessions(gomock.Any()).Return([]models.Session{
		{ID: "s1", Status: models.SessionActive},
		{ID: "s2", Status: models.SessionActive, Current: true},
		{ID: "s3", Status: models.SessionRevoked},
	}, nil)
	ids.EXPECT().SessionID(gomock.Any()).Return("s1", nil)

	list, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.True(t, list[0].Current)
	// The server's flag is ignored.
	assert.False(t, list[1].Current)
	assert.False(t, list[2].Current)
}

func TestList_NoCachedIDMarksNothing(t *testing.T) {
	r, api, ids := newTestRegistry(t)

	api.EXPECT().Sessions(gomock.Any()).Return([]models.Session{{ID: ""}, {ID: "s2"}}, nil)
	ids.EXPECT().SessionID(gomock.Any()).Return("", nil)

	list, err := r.List(context.Background())
	require.NoError(t, err)

	for _, s := range list {
		assert.False(t, s.Current)
	}
}

func TestList_APIError(t *testing.T) {
	r, api, _ := newTestRegistry(t)
	api.EXPECT().Sessions(gomock.Any()).Return(nil, errors.New("down"))

	_, err := r.List(context.Background())
	assert.Error(t, err)
}

func TestRevoke_Idempotent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		ok   bool
	}{
		{"success", nil, true},
		{"not found", &skerrors.AuthError{Status: http.StatusNotFound}, true},
		{"gone", &skerrors.AuthError{Status: http.StatusGone}, true},
		{"already revoked code", &skerrors.AuthError{Status: http.StatusConflict, Code: "SESSION_REVOKED"}, true},
		{"forbidden", &skerrors.AuthError{Status: http.StatusForbidden}, false},
		{"network", &skerrors.TransientError{Err: errors.New("reset")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, api, _ := newTestRegistry(t)
			api.EXPECT().RevokeSession(gomock.Any(), "s9").Return(tt.err)

			err := r.Revoke(context.Background(), "s9")
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRevoke_TwiceSucceeds(t *testing.T) {
	r, api, _ := newTestRegistry(t)

	gomock.InOrder(
		api.EXPECT().RevokeSession(gomock.Any(), "s2").Return(nil),
		api.EXPECT().RevokeSession(gomock.Any(), "s2").Return(&skerrors.AuthError{Status: http.StatusNotFound}),
	)

	require.NoError(t, r.Revoke(context.Background(), "s2"))
	require.NoError(t, r.Revoke(context.Background(), "s2"))
}

func TestLogoutAll_KeepCurrent(t *testing.T) {
	r, api, ids := newTestRegistry(t)

	ids.EXPECT().SessionID(gomock.Any()).Return("s1", nil)
	api.EXPECT().LogoutAll(gomock.Any(), "s1").Return(4, nil)

	n, err := r.LogoutAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestLogoutAll_Everything(t *testing.T) {
	r, api, _ := newTestRegistry(t)

	api.EXPECT().LogoutAll(gomock.Any(), "").Return(5, nil)

	n, err := r.LogoutAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
