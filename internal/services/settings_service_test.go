package services

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/damacus/iron-cabinet/internal/models"
	"github.com/damacus/iron-cabinet/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessPolicyRoles(t *testing.T) {
	policy := NewAccessPolicy(models.Settings{
		UseSettings:          true,
		PrivateURLExpiration: 3,
		CDNAdmins:            "Boss@Example.com, ops@example.com",
		CDNUploaders:         "writer@example.com",
		CDNDownloaders:       "reader@example.com,,",
	}, []string{"root@example.com"})

	tests := []struct {
		email string
		want  Role
	}{
		{"boss@example.com", RoleAdmin},
		{" OPS@example.com ", RoleAdmin},
		{"root@example.com", RoleAdmin},
		{"writer@example.com", RoleUploader},
		{"reader@example.com", RoleDownloader},
		{"stranger@example.com", RoleNone},
		{"", RoleNone},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.RoleFor(tt.email))
		})
	}

	assert.True(t, policy.Allows("writer@example.com", RoleDownloader))
	assert.False(t, policy.Allows("writer@example.com", RoleAdmin))
	assert.Equal(t, 3, policy.PrivateURLExpiryDays())
}

func TestAccessPolicyIgnoresListsWhenSettingsDisabled(t *testing.T) {
	policy := NewAccessPolicy(models.Settings{
		UseSettings:          false,
		PrivateURLExpiration: 30,
		CDNAdmins:            "boss@example.com",
	}, []string{"root@example.com"})

	assert.Equal(t, RoleNone, policy.RoleFor("boss@example.com"))
	assert.Equal(t, RoleAdmin, policy.RoleFor("root@example.com"))
	assert.Equal(t, models.DefaultSettings().PrivateURLExpiration, policy.PrivateURLExpiryDays())
}

func TestParseRole(t *testing.T) {
	for name, want := range map[string]Role{"admin": RoleAdmin, "Uploader": RoleUploader, "any": RoleDownloader, "public": RoleNone} {
		got, err := ParseRole(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseRole("superuser")
	assert.Error(t, err)
	assert.Equal(t, "user", RoleNone.String())
	assert.Equal(t, "admin", RoleAdmin.String())
}

func TestSettingsLoadCreatesDefaults(t *testing.T) {
	bucket := memstore.New("files")
	svc := NewSettingsService(bucket, nil)
	ctx := context.Background()

	settings, err := svc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSettings(), settings)

	r, err := bucket.Open(ctx, SettingsKey)
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	var stored models.Settings
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, models.DefaultSettings(), stored)
}

func TestSettingsSaveReloadsSnapshot(t *testing.T) {
	bucket := memstore.New("files")
	svc := NewSettingsService(bucket, []string{"root@example.com"})
	ctx := context.Background()

	before := svc.Snapshot()
	assert.Equal(t, RoleNone, before.RoleFor("new@example.com"))

	err := svc.Save(ctx, models.Settings{UseSettings: true, PrivateURLExpiration: 2, CDNUploaders: "new@example.com"})
	require.NoError(t, err)

	after := svc.Snapshot()
	assert.Equal(t, RoleUploader, after.RoleFor("new@example.com"))
	assert.Equal(t, RoleAdmin, after.RoleFor("root@example.com"))
	assert.Equal(t, 2, after.PrivateURLExpiryDays())

	// Snapshots taken earlier are never mutated.
	assert.Equal(t, RoleNone, before.RoleFor("new@example.com"))
}

func TestSettingsSaveRejectsInvalidExpiry(t *testing.T) {
	svc := NewSettingsService(memstore.New("files"), nil)
	err := svc.Save(context.Background(), models.Settings{UseSettings: true, PrivateURLExpiration: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSettingsLoadKeepsDefaultsForMissingFields(t *testing.T) {
	bucket := memstore.New("files")
	bucket.Put(SettingsKey, []byte(`{"cdnAdmins":"a@example.com"}`), "application/json")
	svc := NewSettingsService(bucket, nil)

	require.NoError(t, svc.Reload(context.Background()))
	policy := svc.Snapshot()
	assert.Equal(t, RoleAdmin, policy.RoleFor("a@example.com"))
	assert.Equal(t, 7, policy.PrivateURLExpiryDays())
}

func TestSettingsLoadRejectsCorruptDocument(t *testing.T) {
	bucket := memstore.New("files")
	bucket.Put(SettingsKey, []byte(`{not json`), "application/json")
	svc := NewSettingsService(bucket, []string{"root@example.com"})

	assert.Error(t, svc.Reload(context.Background()))
	// The previous snapshot stays in force.
	assert.Equal(t, RoleAdmin, svc.Snapshot().RoleFor("root@example.com"))
}
