package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/damacus/iron-cabinet/internal/middleware"
	"github.com/damacus/iron-cabinet/internal/services"
	"github.com/labstack/echo/v4"
)

// Route is one entry of the API route table. Public routes skip the role
// gate; every other route requires at least Role.
type Route struct {
	Method  string
	Path    string
	Role    services.Role
	Public  bool
	Handler echo.HandlerFunc
}

var knownMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// ValidateRoutes rejects tables with malformed or duplicate entries.
func ValidateRoutes(routes []Route) error {
	seen := make(map[string]bool, len(routes))
	for i, r := range routes {
		switch {
		case !strings.HasPrefix(r.Path, "/"):
			return fmt.Errorf("route %d: path %q must start with /", i, r.Path)
		case !knownMethods[r.Method]:
			return fmt.Errorf("route %s: unknown method %q", r.Path, r.Method)
		case r.Role < services.RoleNone || r.Role > services.RoleAdmin:
			return fmt.Errorf("route %s %s: unknown role %d", r.Method, r.Path, r.Role)
		case r.Handler == nil:
			return fmt.Errorf("route %s %s: no handler", r.Method, r.Path)
		}
		key := r.Method + " " + r.Path
		if seen[key] {
			return fmt.Errorf("route %s registered twice", key)
		}
		seen[key] = true
	}
	return nil
}

// RegisterRoutes validates the table and adds it to e.
func RegisterRoutes(e *echo.Echo, routes []Route) error {
	if err := ValidateRoutes(routes); err != nil {
		return err
	}
	for _, r := range routes {
		var mw []echo.MiddlewareFunc
		if !r.Public {
			mw = append(mw, middleware.RequireRole(r.Role))
		}
		e.Add(r.Method, r.Path, r.Handler, mw...)
	}
	return nil
}

// API groups the handlers behind the route table. Hash and Similarity are
// optional.
type API struct {
	Files      *FilesHandler
	Settings   *SettingsHandler
	Comparison *ComparisonHandler
	Hash       *HashHandler
	Similarity *SimilarityHandler
	SSIM       *SSIMHandler
}

// Routes builds the route table for the configured handlers.
func (a API) Routes() []Route {
	routes := []Route{
		{Method: http.MethodGet, Path: "/get-files", Role: services.RoleDownloader, Handler: a.Files.GetFiles},
		{Method: http.MethodGet, Path: "/download-folder", Role: services.RoleDownloader, Handler: a.Files.DownloadFolder},
		{Method: http.MethodPost, Path: "/rename-folder", Role: services.RoleAdmin, Handler: a.Files.RenameFolder},
		{Method: http.MethodPost, Path: "/get-share-url", Role: services.RoleDownloader, Handler: a.Files.GetShareURL},
		{Method: http.MethodPost, Path: "/get-new-upload-policy", Role: services.RoleUploader, Handler: a.Files.GetNewUploadPolicy},
		{Method: http.MethodPost, Path: "/add-folder", Role: services.RoleUploader, Handler: a.Files.AddFolder},
		{Method: http.MethodPost, Path: "/delete-file", Role: services.RoleAdmin, Handler: a.Files.DeleteFile},
		{Method: http.MethodPost, Path: "/move-file", Role: services.RoleAdmin, Handler: a.Files.MoveFile},
		{Method: http.MethodPost, Path: "/set-public", Role: services.RoleAdmin, Handler: a.Files.SetPublic},
		{Method: http.MethodPost, Path: "/set-private", Role: services.RoleAdmin, Handler: a.Files.SetPrivate},
		{Method: http.MethodPost, Path: "/is-public", Role: services.RoleDownloader, Handler: a.Files.IsPublic},

		{Method: http.MethodGet, Path: "/get-settings", Role: services.RoleAdmin, Handler: a.Settings.GetSettings},
		{Method: http.MethodPost, Path: "/save-settings", Role: services.RoleAdmin, Handler: a.Settings.SaveSettings},
		{Method: http.MethodGet, Path: "/whoami", Role: services.RoleNone, Handler: a.Settings.WhoAmI},

		{Method: http.MethodPost, Path: "/start-file-comparison", Role: services.RoleAdmin, Handler: a.Comparison.StartFileComparison},
		{Method: http.MethodGet, Path: "/file-comparison-progress", Role: services.RoleAdmin, Handler: a.Comparison.FileComparisonProgress},
	}

	if a.Hash != nil {
		routes = append(routes,
			Route{Method: http.MethodGet, Path: "/get-bucket-stats", Role: services.RoleAdmin, Handler: a.Hash.GetBucketStats},
			Route{Method: http.MethodPost, Path: "/stamp-file-hashes", Role: services.RoleAdmin, Handler: a.Hash.StampFileHashes},
			Route{Method: http.MethodPost, Path: "/stamp-file-hash", Role: services.RoleAdmin, Handler: a.Hash.StampFileHash},
			Route{Method: http.MethodGet, Path: "/get-file-metadata", Role: services.RoleAdmin, Handler: a.Hash.GetFileMetadata},
			Route{Method: http.MethodGet, Path: "/find-identical-files", Role: services.RoleAdmin, Handler: a.Hash.FindIdenticalFiles},
			Route{Method: http.MethodGet, Path: "/compare-files-md5", Role: services.RoleAdmin, Handler: a.Hash.CompareFilesMD5},
			Route{Method: http.MethodPost, Path: "/remove-all-file-hash-metadata", Role: services.RoleAdmin, Handler: a.Hash.RemoveAllFileHashMetadata},
		)
	}
	if a.Similarity != nil {
		routes = append(routes,
			Route{Method: http.MethodPost, Path: "/convert-tif-to-png", Role: services.RoleAdmin, Handler: a.Similarity.ConvertTIFToPNG},
			Route{Method: http.MethodPost, Path: "/setup-product-set", Role: services.RoleAdmin, Handler: a.Similarity.SetupProductSet},
			Route{Method: http.MethodPost, Path: "/list-and-compare-images", Role: services.RoleAdmin, Handler: a.Similarity.ListAndCompareImages},
			Route{Method: http.MethodPost, Path: "/delete-all-products", Role: services.RoleAdmin, Handler: a.Similarity.DeleteAllProducts},
		)
	}
	if a.SSIM != nil {
		routes = append(routes,
			Route{Method: http.MethodPost, Path: "/analyze", Role: services.RoleAdmin, Handler: a.SSIM.Analyze},
		)
	}
	return routes
}
