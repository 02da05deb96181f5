package services

import (
	"fmt"
	"strings"

	"github.com/damacus/iron-cabinet/internal/models"
)

// Role is a caller's permission level. Higher roles include lower ones.
type Role int

const (
	RoleNone Role = iota
	RoleDownloader
	RoleUploader
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleDownloader:
		return "downloader"
	case RoleUploader:
		return "uploader"
	case RoleAdmin:
		return "admin"
	}
	return "user"
}

// ParseRole maps a role name to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "downloader", "any":
		return RoleDownloader, nil
	case "uploader":
		return RoleUploader, nil
	case "admin":
		return RoleAdmin, nil
	case "public", "none", "user":
		return RoleNone, nil
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// AccessPolicy is an immutable snapshot of the role allowlists and the share
// expiry in force for one request.
type AccessPolicy struct {
	admins      map[string]struct{}
	uploaders   map[string]struct{}
	downloaders map[string]struct{}

	expiryDays   int
	publicByDflt bool
}

func parseEmails(list ...string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, l := range list {
		for _, e := range strings.Split(l, ",") {
			if e = normalizeEmail(e); e != "" {
				out[e] = struct{}{}
			}
		}
	}
	return out
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// NewAccessPolicy builds a snapshot from settings. Bootstrap admins always
// hold the admin role; settings lists only apply when UseSettings is set.
func NewAccessPolicy(settings models.Settings, bootstrapAdmins []string) *AccessPolicy {
	if !settings.UseSettings {
		defaults := models.DefaultSettings()
		settings = models.Settings{PrivateURLExpiration: defaults.PrivateURLExpiration}
	}
	return &AccessPolicy{
		admins:       parseEmails(append([]string{settings.CDNAdmins}, bootstrapAdmins...)...),
		uploaders:    parseEmails(settings.CDNUploaders),
		downloaders:  parseEmails(settings.CDNDownloaders),
		expiryDays:   settings.PrivateURLExpiration,
		publicByDflt: settings.DefaultPublicFiles,
	}
}

// RoleFor returns the highest role granted to email.
func (p *AccessPolicy) RoleFor(email string) Role {
	e := normalizeEmail(email)
	if e == "" {
		return RoleNone
	}
	if _, ok := p.admins[e]; ok {
		return RoleAdmin
	}
	if _, ok := p.uploaders[e]; ok {
		return RoleUploader
	}
	if _, ok := p.downloaders[e]; ok {
		return RoleDownloader
	}
	return RoleNone
}

// Allows reports whether email holds at least required.
func (p *AccessPolicy) Allows(email string, required Role) bool {
	return p.RoleFor(email) >= required
}

// PrivateURLExpiryDays is the number of days added to share links.
func (p *AccessPolicy) PrivateURLExpiryDays() int {
	return p.expiryDays
}

// DefaultPublicFiles reports whether uploads should be made public.
func (p *AccessPolicy) DefaultPublicFiles() bool {
	return p.publicByDflt
}
