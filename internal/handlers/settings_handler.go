package handlers

import (
	"net/http"

	"github.com/damacus/iron-cabinet/internal/models"
	"github.com/damacus/iron-cabinet/internal/services"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type SettingsHandler struct {
	settings *services.SettingsService
}

func NewSettingsHandler(settings *services.SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

type settingsBody struct {
	Settings *models.Settings `json:"settings" validate:"required"`
}

// GetSettings returns the stored settings document, creating it with
// defaults on first use.
func (h *SettingsHandler) GetSettings(c echo.Context) error {
	settings, err := h.settings.Load(c.Request().Context())
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, settingsBody{Settings: &settings})
}

// SaveSettings overwrites the settings document. The new role lists apply
// to requests that start after the save.
func (h *SettingsHandler) SaveSettings(c echo.Context) error {
	var req settingsBody
	if err := bindRequest(c, &req); err != nil {
		return err
	}

	if err := h.settings.Save(c.Request().Context(), *req.Settings); err != nil {
		return apiError(c, err)
	}

	identity, _ := GetIdentity(c)
	log.Info().Str("email", identity.Email).Bool("useSettings", req.Settings.UseSettings).Msg("Dashboard settings saved")
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// WhoAmI reports the caller's email and role.
func (h *SettingsHandler) WhoAmI(c echo.Context) error {
	identity, err := GetIdentity(c)
	if err != nil {
		return err
	}
	policy, err := GetPolicy(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"email":              identity.Email,
		"role":               policy.RoleFor(identity.Email).String(),
		"defaultPublicFiles": policy.DefaultPublicFiles(),
	})
}
